package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var (
	testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("super-secret-signing-key"))
	testNow    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func testVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)
	v.now = func() time.Time { return testNow }
	return v
}

func signedHeaders(v *Verifier, id string, ts time.Time, body []byte) http.Header {
	h := http.Header{}
	h.Set(HeaderID, id)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(HeaderSignature, v.Sign(id, ts, body))
	return h
}

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) FindByEmail(ctx context.Context, email string) (*model.Lead, error) {
	args := m.Called(ctx, email)
	lead, _ := args.Get(0).(*model.Lead)
	return lead, args.Error(1)
}

func (m *MockStore) MarkReplied(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Suppress(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) AppendEvent(ctx context.Context, ev model.EmailEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func newMockStore(t *testing.T) *MockStore {
	m := &MockStore{}
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func eventOfType(t model.EventType) any {
	return mock.MatchedBy(func(ev model.EmailEvent) bool {
		return ev.LeadID == "lead-1" && ev.Type == t
	})
}

func TestVerifier(t *testing.T) {
	v := testVerifier(t)
	body := []byte(`{"type":"email.bounced"}`)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, v.Verify(signedHeaders(v, "msg_1", testNow, body), body))
	})

	t.Run("any v1 signature may match", func(t *testing.T) {
		h := signedHeaders(v, "msg_1", testNow, body)
		h.Set(HeaderSignature, "v1,Zm9v v2,bogus "+h.Get(HeaderSignature))
		assert.NoError(t, v.Verify(h, body))
	})

	t.Run("tampered body", func(t *testing.T) {
		h := signedHeaders(v, "msg_1", testNow, body)
		err := v.Verify(h, []byte(`{"type":"email.delivered"}`))
		assert.True(t, apperr.Is(err, apperr.KindAuth))
	})

	t.Run("wrong id", func(t *testing.T) {
		h := signedHeaders(v, "msg_1", testNow, body)
		h.Set(HeaderID, "msg_2")
		assert.Error(t, v.Verify(h, body))
	})

	t.Run("missing headers", func(t *testing.T) {
		err := v.Verify(http.Header{}, body)
		assert.True(t, apperr.Is(err, apperr.KindAuth))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		h := signedHeaders(v, "msg_1", testNow.Add(-6*time.Minute), body)
		assert.ErrorContains(t, v.Verify(h, body), "tolerance")
	})

	t.Run("future timestamp", func(t *testing.T) {
		h := signedHeaders(v, "msg_1", testNow.Add(6*time.Minute), body)
		assert.Error(t, v.Verify(h, body))
	})

	t.Run("garbage timestamp", func(t *testing.T) {
		h := signedHeaders(v, "msg_1", testNow, body)
		h.Set(HeaderTimestamp, "yesterday")
		assert.Error(t, v.Verify(h, body))
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewVerifier("whsec_" + base64.StdEncoding.EncodeToString([]byte("other")))
		require.NoError(t, err)
		assert.Error(t, v.Verify(signedHeaders(other, "msg_1", testNow, body), body))
	})
}

func TestNewVerifier_InvalidSecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.True(t, apperr.Is(err, apperr.KindConfig))

	_, err = NewVerifier("whsec_%%%")
	assert.True(t, apperr.Is(err, apperr.KindConfig))
}

func TestIngest_Received(t *testing.T) {
	ms := newMockStore(t)
	ms.On("FindByEmail", mock.Anything, "owner@chezx.fr").Return(&model.Lead{ID: "lead-1"}, nil)
	ms.On("MarkReplied", mock.Anything, "lead-1").Return(true, nil)
	ms.On("AppendEvent", mock.Anything, eventOfType(model.EventReceived)).Return(nil)

	out, err := NewIngestor(ms, nil).Ingest(context.Background(),
		[]byte(`{"type":"email.received","data":{"from":"Chez X <Owner@ChezX.fr>","to":["hello@outreach.test"]}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestIngest_BouncedAndComplained(t *testing.T) {
	for _, tc := range []struct {
		eventType string
		want      model.EventType
	}{
		{TypeBounced, model.EventBounced},
		{TypeComplained, model.EventComplained},
	} {
		t.Run(tc.eventType, func(t *testing.T) {
			ms := newMockStore(t)
			ms.On("FindByEmail", mock.Anything, "owner@chezx.fr").Return(&model.Lead{ID: "lead-1"}, nil)
			ms.On("Suppress", mock.Anything, "lead-1").Return(true, nil)
			ms.On("AppendEvent", mock.Anything, eventOfType(tc.want)).Return(nil)

			out, err := NewIngestor(ms, nil).Ingest(context.Background(),
				[]byte(`{"type":"`+tc.eventType+`","data":{"from":"hello@outreach.test","to":["OWNER@chezx.fr"]}}`))
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, out)
		})
	}
}

func TestIngest_OtherTypeIsLoggedOnly(t *testing.T) {
	ms := newMockStore(t)
	ms.On("FindByEmail", mock.Anything, "owner@chezx.fr").Return(&model.Lead{ID: "lead-1"}, nil)
	ms.On("AppendEvent", mock.Anything, eventOfType("delivered")).Return(nil)

	out, err := NewIngestor(ms, nil).Ingest(context.Background(),
		[]byte(`{"type":"email.delivered","data":{"to":["owner@chezx.fr"]}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogged, out)
	ms.AssertNotCalled(t, "Suppress", mock.Anything, mock.Anything)
	ms.AssertNotCalled(t, "MarkReplied", mock.Anything, mock.Anything)
}

func TestIngest_Unmatched(t *testing.T) {
	ms := newMockStore(t)
	ms.On("FindByEmail", mock.Anything, "stranger@nowhere.fr").Return(nil, nil)

	in := NewIngestor(ms, nil)
	out, err := in.Ingest(context.Background(),
		[]byte(`{"type":"email.bounced","data":{"to":["stranger@nowhere.fr"]}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, out)

	// No recipient at all.
	out, err = in.Ingest(context.Background(), []byte(`{"type":"email.opened","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, out)
	ms.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
}

func TestIngest_Malformed(t *testing.T) {
	ms := newMockStore(t)
	in := NewIngestor(ms, nil)

	for _, raw := range []string{`not json`, `{}`, `[]`} {
		out, err := in.Ingest(context.Background(), []byte(raw))
		require.NoError(t, err)
		assert.Equal(t, OutcomeMalformed, out, raw)
	}
}

func TestIngest_StoreFailure(t *testing.T) {
	ms := newMockStore(t)
	ms.On("FindByEmail", mock.Anything, "owner@chezx.fr").Return(nil, eris.New("db down"))

	_, err := NewIngestor(ms, nil).Ingest(context.Background(),
		[]byte(`{"type":"email.bounced","data":{"to":["owner@chezx.fr"]}}`))
	assert.ErrorContains(t, err, "db down")
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "owner@chezx.fr", NormalizeAddress("Chez X <Owner@ChezX.fr>"))
	assert.Equal(t, "owner@chezx.fr", NormalizeAddress(" OWNER@chezx.fr "))
	assert.Equal(t, "not an address", NormalizeAddress("Not An Address"))
	assert.Equal(t, "", NormalizeAddress("  "))
}

func TestIngest_DuplicateBounceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	_, err = st.UpsertLeads(ctx, []model.Lead{{ExternalID: "p1", Name: "Chez X", Region: "Paris"}})
	require.NoError(t, err)
	leads, err := st.ListByStatus(ctx, store.StatusQuery{Status: model.StatusNew})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	id := leads[0].ID
	_, err = st.SetEmail(ctx, id, "owner@chezx.fr")
	require.NoError(t, err)

	in := NewIngestor(st, nil)
	raw := []byte(`{"type":"email.bounced","data":{"to":["owner@chezx.fr"]}}`)
	for range 2 {
		out, err := in.Ingest(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)
	}

	lead, err := st.GetLead(ctx, id)
	require.NoError(t, err)
	assert.True(t, lead.Unsubscribed)
	assert.Equal(t, model.StatusSkipped, lead.Status)

	events, err := st.ListEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventBounced, events[0].Type)
	assert.JSONEq(t, string(raw), string(events[0].Payload))
}

func TestHandler(t *testing.T) {
	v := testVerifier(t)

	t.Run("invalid signature", func(t *testing.T) {
		ms := newMockStore(t)
		body := []byte(`{"type":"email.bounced","data":{"to":["owner@chezx.fr"]}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/email-provider", bytes.NewReader(body))
		req.Header.Set(HeaderID, "msg_1")
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(testNow.Unix(), 10))
		req.Header.Set(HeaderSignature, "v1,invalid")
		w := httptest.NewRecorder()

		NewHandler(v, NewIngestor(ms, nil)).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("verified but unparseable", func(t *testing.T) {
		ms := newMockStore(t)
		body := []byte(`{{{`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/email-provider", bytes.NewReader(body))
		req.Header = signedHeaders(v, "msg_2", testNow, body)
		w := httptest.NewRecorder()

		NewHandler(v, NewIngestor(ms, nil)).ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", w.Body.String())
	})

	t.Run("applied", func(t *testing.T) {
		ms := newMockStore(t)
		ms.On("FindByEmail", mock.Anything, "owner@chezx.fr").Return(&model.Lead{ID: "lead-1"}, nil)
		ms.On("Suppress", mock.Anything, "lead-1").Return(false, nil)
		ms.On("AppendEvent", mock.Anything, eventOfType(model.EventComplained)).Return(nil)

		body := []byte(`{"type":"email.complained","data":{"to":["owner@chezx.fr"]}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/email-provider", bytes.NewReader(body))
		req.Header = signedHeaders(v, "msg_3", testNow, body)
		w := httptest.NewRecorder()

		NewHandler(v, NewIngestor(ms, nil)).ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		ms := newMockStore(t)
		ms.On("FindByEmail", mock.Anything, "owner@chezx.fr").Return(nil, eris.New("db down"))

		body := []byte(`{"type":"email.bounced","data":{"to":["owner@chezx.fr"]}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/email-provider", bytes.NewReader(body))
		req.Header = signedHeaders(v, "msg_4", testNow, body)
		w := httptest.NewRecorder()

		NewHandler(v, NewIngestor(ms, nil)).ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
