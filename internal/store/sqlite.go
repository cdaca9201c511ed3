package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	region            TEXT NOT NULL,
	address           TEXT,
	rating            REAL,
	website           TEXT,
	phone             TEXT,
	email             TEXT,
	status            TEXT NOT NULL DEFAULT 'new',
	last_contacted_at INTEGER,
	followup_count    INTEGER NOT NULL DEFAULT 0,
	unsubscribed      INTEGER NOT NULL DEFAULT 0,
	unsubscribe_token TEXT UNIQUE,
	created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(email);
CREATE INDEX IF NOT EXISTS idx_leads_status_contacted ON leads(status, last_contacted_at);

CREATE TABLE IF NOT EXISTS email_events (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL REFERENCES leads(id),
	type       TEXT NOT NULL,
	payload    TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_email_events_lead_id ON email_events(lead_id);

CREATE TABLE IF NOT EXISTS run_leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertLeads(ctx context.Context, leads []model.Lead) (int64, error) {
	leads = dedupByExternalID(leads)
	if len(leads) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert leads: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (id, external_id, name, region, address, rating, website, phone, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'new', ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   name = excluded.name, address = excluded.address, rating = excluded.rating,
		   website = excluded.website, phone = excluded.phone`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert leads: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := toMillis(time.Now())
	var total int64
	for _, l := range leads {
		var rating any
		if l.Rating != nil {
			rating = *l.Rating
		}
		res, err := stmt.ExecContext(ctx,
			uuid.New().String(), l.ExternalID, l.Name, l.Region,
			nullable(l.Address), rating, nullable(l.Website), nullable(l.Phone), now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert lead %s", l.ExternalID)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert leads: commit")
	}
	return total, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, q StatusQuery) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE status = ? AND unsubscribed = 0`
	args := []any{string(q.Status)}
	if q.ContactedBefore != nil {
		query += ` AND last_contacted_at < ?`
		args = append(args, toMillis(*q.ContactedBefore))
	}
	query += orderClause(q.Status) + ` LIMIT ?`
	args = append(args, listLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list leads by status %s", q.Status)
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanSQLiteLead(s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) (*model.Lead, error) {
	l, err := scanSQLiteLead(s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE lower(email) = lower(?) ORDER BY created_at, id LIMIT 1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) AssignUnsubscribeToken(ctx context.Context, id, token string) (string, error) {
	var current string
	err := s.db.QueryRowContext(ctx,
		`UPDATE leads SET unsubscribe_token = COALESCE(unsubscribe_token, ?) WHERE id = ? RETURNING unsubscribe_token`,
		token, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", eris.Errorf("lead not found: %s", id)
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: assign unsubscribe token %s", id)
	}
	return current, nil
}

func (s *SQLiteStore) SetEmail(ctx context.Context, id, email string) (bool, error) {
	return s.execChanged(ctx, "set email",
		`UPDATE leads SET email = ? WHERE id = ? AND (email IS NULL OR email = '')`,
		email, id)
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to model.Status) (bool, error) {
	return s.execChanged(ctx, "transition status",
		`UPDATE leads SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
}

func (s *SQLiteStore) AdvanceStage(ctx context.Context, a Advance) (bool, error) {
	return s.execChanged(ctx, "advance stage",
		`UPDATE leads SET status = ?, last_contacted_at = ?, followup_count = ? WHERE id = ? AND status = ? AND unsubscribed = 0`,
		string(a.To), toMillis(a.ContactedAt), a.FollowupCount, a.ID, string(a.From))
}

func (s *SQLiteStore) MarkReplied(ctx context.Context, id string) (bool, error) {
	return s.execChanged(ctx, "mark replied",
		`UPDATE leads SET status = 'replied' WHERE id = ? AND status NOT IN ('no_email', 'replied', 'skipped')`,
		id)
}

func (s *SQLiteStore) Suppress(ctx context.Context, id string) (bool, error) {
	return s.execChanged(ctx, "suppress",
		`UPDATE leads SET unsubscribed = 1, status = 'skipped' WHERE id = ? AND NOT (unsubscribed = 1 AND status = 'skipped')`,
		id)
}

func (s *SQLiteStore) UnsubscribeByToken(ctx context.Context, token string) (bool, error) {
	return s.execChanged(ctx, "unsubscribe",
		`UPDATE leads SET unsubscribed = 1, status = 'skipped' WHERE unsubscribe_token = ? AND NOT (unsubscribed = 1 AND status = 'skipped')`,
		token)
}

func (s *SQLiteStore) execChanged(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s", op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.EmailEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_events (id, lead_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.LeadID, string(ev.Type), payload, toMillis(ev.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: append %s event for lead %s", ev.Type, ev.LeadID)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, leadID string) ([]model.EmailEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, type, payload, created_at FROM email_events WHERE lead_id = ? ORDER BY created_at, rowid`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close() //nolint:errcheck

	var events []model.EmailEvent
	for rows.Next() {
		var ev model.EmailEvent
		var evType string
		var payload sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.LeadID, &evType, &payload, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.Type = model.EventType(evType)
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	return s.execChanged(ctx, "acquire lease "+name,
		`INSERT INTO run_leases (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE run_leases.expires_at < ? OR run_leases.holder = excluded.holder`,
		name, holder, toMillis(now.Add(ttl)), toMillis(now))
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE name = ? AND holder = ?`, name, holder)
	return eris.Wrapf(err, "sqlite: release lease %s", name)
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var status string
	var address, website, phone, email, token sql.NullString
	var rating sql.NullFloat64
	var contacted sql.NullInt64
	var unsubscribed, createdAt int64

	err := row.Scan(
		&l.ID, &l.ExternalID, &l.Name, &l.Region,
		&address, &rating, &website, &phone, &email,
		&status, &contacted, &l.FollowupCount, &unsubscribed, &token, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}

	l.Status = model.Status(status)
	l.Address = address.String
	l.Website = website.String
	l.Phone = phone.String
	l.Email = email.String
	l.UnsubscribeToken = token.String
	if rating.Valid {
		r := rating.Float64
		l.Rating = &r
	}
	if contacted.Valid {
		t := fromMillis(contacted.Int64)
		l.LastContactedAt = &t
	}
	l.Unsubscribed = unsubscribed != 0
	l.CreatedAt = fromMillis(createdAt)
	return &l, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
