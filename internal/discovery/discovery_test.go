package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/apperr"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/google"
	"github.com/sells-group/outreach-cli/pkg/google/mocks"
)

type fakeWriter struct {
	batches [][]model.Lead
	err     error
}

func (f *fakeWriter) UpsertLeads(_ context.Context, leads []model.Lead) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, leads)
	return int64(len(leads)), nil
}

func testCfg() config.PlacesConfig {
	return config.PlacesConfig{
		MaxPerCity:    20,
		QueryTemplate: "restaurant in %s, France",
		Language:      "fr",
		RateLimit:     1000,
	}
}

func newTestJob(w LeadWriter, g google.Client, cfg config.PlacesConfig) *Job {
	j := NewJob(w, g, cfg, nil)
	j.retry.InitialBackoff = time.Millisecond
	j.retry.MaxBackoff = 2 * time.Millisecond
	return j
}

func rating(v float64) *float64 { return &v }

func searchFor(region string) any {
	return mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.TextQuery == "restaurant in "+region+", France"
	})
}

func TestJob_Run_MapsPlaces(t *testing.T) {
	g := mocks.NewMockClient(t)
	g.On("TextSearch", mock.Anything, google.TextSearchRequest{
		TextQuery:    "restaurant in Paris, France",
		LanguageCode: "fr",
		PageSize:     20,
	}).Return(&google.TextSearchResponse{Places: []google.Place{
		{
			ID:                       "p1",
			DisplayName:              google.DisplayName{Text: " Chez X "},
			FormattedAddress:         "1 rue de Rivoli, Paris",
			Rating:                   rating(4.5),
			WebsiteURI:               "https://chezx.fr",
			InternationalPhoneNumber: "+33 1 23 45 67 89",
		},
		{ID: "p2"},
		{DisplayName: google.DisplayName{Text: "No id"}},
	}}, nil)

	w := &fakeWriter{}
	res, err := newTestJob(w, g, testCfg()).Run(context.Background(), []string{"Paris"})
	require.NoError(t, err)

	require.Len(t, w.batches, 1)
	leads := w.batches[0]
	require.Len(t, leads, 2)
	assert.Equal(t, model.Lead{
		ExternalID: "p1",
		Name:       "Chez X",
		Region:     "Paris",
		Address:    "1 rue de Rivoli, Paris",
		Rating:     rating(4.5),
		Website:    "https://chezx.fr",
		Phone:      "+33 1 23 45 67 89",
		Status:     model.StatusNew,
	}, leads[0])
	assert.Equal(t, "Restaurant", leads[1].Name)

	assert.Equal(t, []RegionResult{{Region: "Paris", Found: 2, Upserted: 2}}, res.Regions)
	assert.Empty(t, res.Failed)
	assert.Equal(t, int64(2), res.Upserted)
}

func TestJob_Run_RegionFailureIsIsolated(t *testing.T) {
	g := mocks.NewMockClient(t)
	g.On("TextSearch", mock.Anything, searchFor("Lyon")).
		Return(nil, errors.New("google: unexpected status 403: denied")).Once()
	g.On("TextSearch", mock.Anything, searchFor("Marseille")).
		Return(&google.TextSearchResponse{Places: []google.Place{{ID: "m1", DisplayName: google.DisplayName{Text: "Le Vieux Port"}}}}, nil)

	w := &fakeWriter{}
	res, err := newTestJob(w, g, testCfg()).Run(context.Background(), []string{"Lyon", "Marseille"})
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "Lyon", res.Failed[0].Region)
	assert.Contains(t, res.Failed[0].Error, "403")
	require.Len(t, res.Regions, 1)
	assert.Equal(t, "Marseille", res.Regions[0].Region)
}

func TestJob_Run_RetriesTransient(t *testing.T) {
	g := mocks.NewMockClient(t)
	g.On("TextSearch", mock.Anything, searchFor("Paris")).
		Return(nil, resilience.NewTransientError(errors.New("429"), 429)).Once()
	g.On("TextSearch", mock.Anything, searchFor("Paris")).
		Return(&google.TextSearchResponse{Places: []google.Place{{ID: "p1"}}}, nil).Once()

	res, err := newTestJob(&fakeWriter{}, g, testCfg()).Run(context.Background(), []string{"Paris"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Upserted)
}

func TestJob_Run_UpsertFailureIsIsolated(t *testing.T) {
	g := mocks.NewMockClient(t)
	g.On("TextSearch", mock.Anything, mock.Anything).
		Return(&google.TextSearchResponse{Places: []google.Place{{ID: "p1"}}}, nil)

	w := &fakeWriter{err: errors.New("connection refused")}
	res, err := newTestJob(w, g, testCfg()).Run(context.Background(), []string{"Paris", "Lyon"})
	require.NoError(t, err)
	assert.Len(t, res.Failed, 2)
	assert.Empty(t, res.Regions)
}

func TestJob_Run_Paginates(t *testing.T) {
	cfg := testCfg()
	cfg.MaxPerCity = 25

	page1 := make([]google.Place, 20)
	for i := range page1 {
		page1[i] = google.Place{ID: "a" + string(rune('a'+i))}
	}
	g := mocks.NewMockClient(t)
	g.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageToken == "" && r.PageSize == 20
	})).Return(&google.TextSearchResponse{Places: page1, NextPageToken: "next"}, nil).Once()
	g.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageToken == "next" && r.PageSize == 5
	})).Return(&google.TextSearchResponse{Places: []google.Place{
		{ID: "b1"}, {ID: "b2"}, {ID: "b3"}, {ID: "b4"}, {ID: "b5"}, {ID: "b6"},
	}, NextPageToken: "more"}, nil).Once()

	w := &fakeWriter{}
	res, err := newTestJob(w, g, cfg).Run(context.Background(), []string{"Paris"})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Regions[0].Found)
}

func TestJob_Run_InvalidRegions(t *testing.T) {
	j := newTestJob(&fakeWriter{}, mocks.NewMockClient(t), testCfg())

	_, err := j.Run(context.Background(), nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = j.Run(context.Background(), []string{"Paris", "  "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestJob_Run_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestJob(&fakeWriter{}, mocks.NewMockClient(t), testCfg()).Run(ctx, []string{"Paris"})
	require.Error(t, err)
}

func TestJob_Run_RediscoveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	g := mocks.NewMockClient(t)
	g.On("TextSearch", mock.Anything, mock.Anything).Return(&google.TextSearchResponse{Places: []google.Place{
		{ID: "p1", DisplayName: google.DisplayName{Text: "Chez X"}, WebsiteURI: "https://chezx.fr"},
	}}, nil).Twice()

	job := newTestJob(st, g, testCfg())
	_, err = job.Run(ctx, []string{"Paris"})
	require.NoError(t, err)

	leads, err := st.ListByStatus(ctx, store.StatusQuery{Status: model.StatusNew})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	id := leads[0].ID

	_, err = st.SetEmail(ctx, id, "owner@chezx.fr")
	require.NoError(t, err)
	ok, err := st.AdvanceStage(ctx, store.Advance{ID: id, From: model.StatusNew, To: model.StatusEmailed, ContactedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.Suppress(ctx, id)
	require.NoError(t, err)

	_, err = job.Run(ctx, []string{"Paris"})
	require.NoError(t, err)

	got, err := st.GetLead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, got.Status)
	assert.Equal(t, "owner@chezx.fr", got.Email)
	assert.True(t, got.Unsubscribed)
	assert.Equal(t, "Chez X", got.Name)
}
