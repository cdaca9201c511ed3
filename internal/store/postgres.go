package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(5)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	external_id       TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	region            TEXT NOT NULL,
	address           TEXT,
	rating            DOUBLE PRECISION,
	website           TEXT,
	phone             TEXT,
	email             TEXT,
	status            TEXT NOT NULL DEFAULT 'new',
	last_contacted_at TIMESTAMPTZ,
	followup_count    INTEGER NOT NULL DEFAULT 0,
	unsubscribed      BOOLEAN NOT NULL DEFAULT false,
	unsubscribe_token TEXT UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(email);
CREATE INDEX IF NOT EXISTS idx_leads_status_contacted ON leads(status, last_contacted_at);

CREATE TABLE IF NOT EXISTS email_events (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	type       TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_email_events_lead_id ON email_events(lead_id);

CREATE TABLE IF NOT EXISTS run_leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

const leadColumns = `id, external_id, name, region, address, rating, website, phone, email, status, last_contacted_at, followup_count, unsubscribed, unsubscribe_token, created_at`

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertLeads inserts leads by external id. Existing rows only get their
// place attributes refreshed; lifecycle columns are never touched.
func (s *PostgresStore) UpsertLeads(ctx context.Context, leads []model.Lead) (int64, error) {
	leads = dedupByExternalID(leads)
	rows := make([][]any, 0, len(leads))
	for _, l := range leads {
		rows = append(rows, []any{
			l.ExternalID, l.Name, l.Region,
			nullable(l.Address), l.Rating, nullable(l.Website), nullable(l.Phone),
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "leads",
		Columns:      []string{"external_id", "name", "region", "address", "rating", "website", "phone"},
		ConflictKeys: []string{"external_id"},
		UpdateCols:   []string{"name", "address", "rating", "website", "phone"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert leads")
	}
	return n, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, q StatusQuery) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE status = $1 AND NOT unsubscribed`
	args := []any{string(q.Status)}
	argIdx := 2

	if q.ContactedBefore != nil {
		query += fmt.Sprintf(` AND last_contacted_at < $%d`, argIdx)
		args = append(args, q.ContactedBefore.UTC())
		argIdx++
	}
	query += orderClause(q.Status)
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(q.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list leads by status %s", q.Status)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanPgLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return l, nil
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE lower(email) = lower($1) ORDER BY created_at, id LIMIT 1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find lead by email")
	}
	return l, nil
}

// AssignUnsubscribeToken stores token unless the lead already has one and
// returns the token in effect.
func (s *PostgresStore) AssignUnsubscribeToken(ctx context.Context, id, token string) (string, error) {
	var current string
	err := s.pool.QueryRow(ctx,
		`UPDATE leads SET unsubscribe_token = COALESCE(unsubscribe_token, $2) WHERE id = $1 RETURNING unsubscribe_token`,
		id, token,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Errorf("lead not found: %s", id)
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: assign unsubscribe token %s", id)
	}
	return current, nil
}

func (s *PostgresStore) SetEmail(ctx context.Context, id, email string) (bool, error) {
	return s.execChanged(ctx, "set email",
		`UPDATE leads SET email = $2 WHERE id = $1 AND (email IS NULL OR email = '')`,
		id, email)
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to model.Status) (bool, error) {
	return s.execChanged(ctx, "transition status",
		`UPDATE leads SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
}

func (s *PostgresStore) AdvanceStage(ctx context.Context, a Advance) (bool, error) {
	return s.execChanged(ctx, "advance stage",
		`UPDATE leads SET status = $3, last_contacted_at = $4, followup_count = $5 WHERE id = $1 AND status = $2 AND NOT unsubscribed`,
		a.ID, string(a.From), string(a.To), a.ContactedAt.UTC(), a.FollowupCount)
}

func (s *PostgresStore) MarkReplied(ctx context.Context, id string) (bool, error) {
	return s.execChanged(ctx, "mark replied",
		`UPDATE leads SET status = 'replied' WHERE id = $1 AND status NOT IN ('no_email', 'replied', 'skipped')`,
		id)
}

func (s *PostgresStore) Suppress(ctx context.Context, id string) (bool, error) {
	return s.execChanged(ctx, "suppress",
		`UPDATE leads SET unsubscribed = true, status = 'skipped' WHERE id = $1 AND NOT (unsubscribed AND status = 'skipped')`,
		id)
}

func (s *PostgresStore) UnsubscribeByToken(ctx context.Context, token string) (bool, error) {
	return s.execChanged(ctx, "unsubscribe",
		`UPDATE leads SET unsubscribed = true, status = 'skipped' WHERE unsubscribe_token = $1 AND NOT (unsubscribed AND status = 'skipped')`,
		token)
}

func (s *PostgresStore) execChanged(ctx context.Context, op, sql string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: %s", op)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.EmailEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO email_events (id, lead_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.LeadID, string(ev.Type), payload, ev.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append %s event for lead %s", ev.Type, ev.LeadID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, leadID string) ([]model.EmailEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lead_id, type, payload, created_at FROM email_events WHERE lead_id = $1 ORDER BY created_at, id`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.EmailEvent
	for rows.Next() {
		var ev model.EmailEvent
		var evType string
		var payload *[]byte
		if err := rows.Scan(&ev.ID, &ev.LeadID, &evType, &payload, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Type = model.EventType(evType)
		if payload != nil {
			ev.Payload = *payload
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// AcquireLease takes the named lease for holder when it is free, expired, or
// already held by holder.
func (s *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO run_leases (name, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE run_leases.expires_at < $4 OR run_leases.holder = EXCLUDED.holder`,
		name, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lease %s", name)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM run_leases WHERE name = $1 AND holder = $2`, name, holder)
	return eris.Wrapf(err, "postgres: release lease %s", name)
}

func scanPgLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var status string
	var address, website, phone, email, token *string
	err := row.Scan(
		&l.ID, &l.ExternalID, &l.Name, &l.Region,
		&address, &l.Rating, &website, &phone, &email,
		&status, &l.LastContactedAt, &l.FollowupCount, &l.Unsubscribed, &token, &l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan lead")
	}
	l.Status = model.Status(status)
	l.Address = deref(address)
	l.Website = deref(website)
	l.Phone = deref(phone)
	l.Email = deref(email)
	l.UnsubscribeToken = deref(token)
	return &l, nil
}
