package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var leadCols = []string{
	"id", "external_id", "name", "region", "address", "rating", "website", "phone", "email",
	"status", "last_contacted_at", "followup_count", "unsubscribed", "unsubscribe_token", "created_at",
}

func strPtr(s string) *string { return &s }

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS leads`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"external_id", "name", "region", "address", "rating", "website", "phone"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_leads"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_leads"}, cols).WillReturnResult(1)
	mock.ExpectExec(`DELETE FROM "_tmp_upsert_leads"`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "leads" .* ON CONFLICT \("external_id"\) DO UPDATE SET "name" = EXCLUDED."name", "address" = EXCLUDED."address", "rating" = EXCLUDED."rating", "website" = EXCLUDED."website", "phone" = EXCLUDED."phone"$`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.UpsertLeads(context.Background(), []model.Lead{
		{ExternalID: "p1", Name: "Chez X", Region: "Paris"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByStatus_FollowupCutoff(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	contacted := cutoff.Add(-time.Hour)
	created := cutoff.Add(-72 * time.Hour)

	mock.ExpectQuery(`FROM leads WHERE status = \$1 AND NOT unsubscribed AND last_contacted_at < \$2 ORDER BY last_contacted_at ASC, id LIMIT \$3`).
		WithArgs("emailed", cutoff, 30).
		WillReturnRows(pgxmock.NewRows(leadCols).AddRow(
			"l1", "p1", "Chez X", "Paris", strPtr("1 rue X"), nil, strPtr("https://x.fr"), nil, strPtr("owner@x.fr"),
			"emailed", &contacted, 0, false, strPtr("tok"), created,
		))

	leads, err := s.ListByStatus(context.Background(), StatusQuery{Status: model.StatusEmailed, ContactedBefore: &cutoff, Limit: 30})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "l1", leads[0].ID)
	assert.Equal(t, "1 rue X", leads[0].Address)
	assert.Equal(t, "owner@x.fr", leads[0].Email)
	assert.Empty(t, leads[0].Phone)
	assert.Nil(t, leads[0].Rating)
	assert.Equal(t, model.StatusEmailed, leads[0].Status)
	assert.Equal(t, "tok", leads[0].UnsubscribeToken)
	require.NotNil(t, leads[0].LastContactedAt)
	assert.Equal(t, contacted, *leads[0].LastContactedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByStatus_NewestFirst(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE status = \$1 AND NOT unsubscribed ORDER BY created_at DESC, id LIMIT \$2`).
		WithArgs("new", defaultListLimit).
		WillReturnRows(pgxmock.NewRows(leadCols))

	leads, err := s.ListByStatus(context.Background(), StatusQuery{Status: model.StatusNew})
	require.NoError(t, err)
	assert.Empty(t, leads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM leads WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetLead(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM leads WHERE id = \$1`).
		WithArgs("l1").
		WillReturnError(errors.New("conn reset"))

	_, err := s.GetLead(context.Background(), "l1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get lead l1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByEmail_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE lower\(email\) = lower\(\$1\)`).
		WithArgs("owner@x.fr").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.FindByEmail(context.Background(), "owner@x.fr")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AssignUnsubscribeToken(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE leads SET unsubscribe_token = COALESCE\(unsubscribe_token, \$2\) WHERE id = \$1 RETURNING unsubscribe_token`).
		WithArgs("l1", "new-token").
		WillReturnRows(pgxmock.NewRows([]string{"unsubscribe_token"}).AddRow("existing-token"))

	tok, err := s.AssignUnsubscribeToken(context.Background(), "l1", "new-token")
	require.NoError(t, err)
	assert.Equal(t, "existing-token", tok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AssignUnsubscribeToken_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE leads SET unsubscribe_token`).
		WithArgs("ghost", "tok").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.AssignUnsubscribeToken(context.Background(), "ghost", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lead not found: ghost")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceStage_ConditionalWrite(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	when := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE leads SET status = \$3, last_contacted_at = \$4, followup_count = \$5 WHERE id = \$1 AND status = \$2 AND NOT unsubscribed`).
		WithArgs("l1", "emailed", "followup1", when, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.AdvanceStage(context.Background(), Advance{
		ID: "l1", From: model.StatusEmailed, To: model.StatusFollowup1, ContactedAt: when, FollowupCount: 1,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET status = \$3 WHERE id = \$1 AND status = \$2`).
		WithArgs("l1", "new", "no_email").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.TransitionStatus(context.Background(), "l1", model.StatusNew, model.StatusNoEmail)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetEmail(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET email = \$2 WHERE id = \$1 AND \(email IS NULL OR email = ''\)`).
		WithArgs("l1", "owner@x.fr").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.SetEmail(context.Background(), "l1", "owner@x.fr")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Suppress(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET unsubscribed = true, status = 'skipped' WHERE id = \$1`).
		WithArgs("l1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE leads SET unsubscribed = true, status = 'skipped' WHERE id = \$1`).
		WithArgs("l1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.Suppress(context.Background(), "l1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Suppress(context.Background(), "l1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkReplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET status = 'replied' WHERE id = \$1 AND status NOT IN`).
		WithArgs("l1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.MarkReplied(context.Background(), "l1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UnsubscribeByToken_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`WHERE unsubscribe_token = \$1`).
		WithArgs("tok").
		WillReturnError(errors.New("db down"))

	_, err := s.UnsubscribeByToken(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: unsubscribe")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendEvent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(pgxmock.AnyArg(), "l1", "sent", []byte(`{"id":"re_1"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendEvent(context.Background(), model.EmailEvent{
		LeadID: "l1", Type: model.EventSent, Payload: []byte(`{"id":"re_1"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEvents(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	payload := []byte(`{"type":"email.bounced"}`)

	mock.ExpectQuery(`SELECT id, lead_id, type, payload, created_at FROM email_events WHERE lead_id = \$1`).
		WithArgs("l1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "lead_id", "type", "payload", "created_at"}).
			AddRow("e1", "l1", "sent", nil, now).
			AddRow("e2", "l1", "bounced", &payload, now))

	events, err := s.ListEvents(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventSent, events[0].Type)
	assert.Nil(t, events[0].Payload)
	assert.JSONEq(t, `{"type":"email.bounced"}`, string(events[1].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireLease(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO run_leases .* ON CONFLICT \(name\) DO UPDATE .* WHERE run_leases.expires_at < \$4 OR run_leases.holder = EXCLUDED.holder`).
		WithArgs("prospect", "holder-a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.AcquireLease(context.Background(), "prospect", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReleaseLease(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM run_leases WHERE name = \$1 AND holder = \$2`).
		WithArgs("prospect", "holder-a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.ReleaseLease(context.Background(), "prospect", "holder-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
