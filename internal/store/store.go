// Package store is the append-only Decision Ledger (spec.md §4.9/§5): it
// durably records every auto-accept gate decision and human approval
// resolution, following kdlbs-kandev's sqlx + mattn/go-sqlite3 repository
// pattern (internal/editors/store/sqlite.go).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/ids"
)

// DecisionRecord is one append-only entry in the ledger: either an
// auto-accept verdict or the eventual resolution of an escalated
// approval request.
type DecisionRecord struct {
	ID        ids.ID
	SessionID ids.ID
	Kind      string // mirrors autoaccept.Kind
	Target    string
	Risk      string // mirrors autoaccept.RiskLevel
	Approved  bool
	Reason    string
	DecidedBy string // "gate" or an approver identifier
	DecidedAt time.Time
	ExtraJSON string // opaque extra context, caller-defined JSON
}

// Store persists DecisionRecords to SQLite.
type Store struct {
	db *sqlx.DB
}

// Open creates (or reuses) a SQLite database at path and ensures the
// ledger schema exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "open decision ledger database", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		risk TEXT NOT NULL,
		approved INTEGER NOT NULL,
		reason TEXT,
		decided_by TEXT NOT NULL,
		decided_at TIMESTAMP NOT NULL,
		extra_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, "initialize decision ledger schema", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append inserts a new decision record. The ledger is append-only: there
// is no Update method.
func (s *Store) Append(ctx context.Context, rec DecisionRecord) error {
	if rec.ID.IsNil() {
		rec.ID = ids.New()
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now()
	}

	const q = `INSERT INTO decisions
		(id, session_id, kind, target, risk, approved, reason, decided_by, decided_at, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID.String(), rec.SessionID.String(), rec.Kind, rec.Target, rec.Risk,
		rec.Approved, rec.Reason, rec.DecidedBy, rec.DecidedAt, rec.ExtraJSON)
	if err != nil {
		return errs.Wrap(errs.KindPolicy, "append decision record", err)
	}
	return nil
}

// row is the sqlx scan target for the decisions table; toRecord parses
// its text IDs back into a DecisionRecord.
type row struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Kind      string    `db:"kind"`
	Target    string    `db:"target"`
	Risk      string    `db:"risk"`
	Approved  bool      `db:"approved"`
	Reason    string    `db:"reason"`
	DecidedBy string    `db:"decided_by"`
	DecidedAt time.Time `db:"decided_at"`
	ExtraJSON string    `db:"extra_json"`
}

func (r row) toRecord() (DecisionRecord, error) {
	id, err := ids.Parse(r.ID)
	if err != nil {
		return DecisionRecord{}, err
	}
	sessionID, err := ids.Parse(r.SessionID)
	if err != nil {
		return DecisionRecord{}, err
	}
	return DecisionRecord{
		ID: id, SessionID: sessionID, Kind: r.Kind, Target: r.Target, Risk: r.Risk,
		Approved: r.Approved, Reason: r.Reason, DecidedBy: r.DecidedBy,
		DecidedAt: r.DecidedAt, ExtraJSON: r.ExtraJSON,
	}, nil
}

// ForSession returns every decision recorded for a session, oldest
// first.
func (s *Store) ForSession(ctx context.Context, sessionID ids.ID) ([]DecisionRecord, error) {
	var rows []row
	const q = `SELECT id, session_id, kind, target, risk, approved, reason, decided_by, decided_at, extra_json
		FROM decisions WHERE session_id = ? ORDER BY decided_at ASC`
	if err := s.db.SelectContext(ctx, &rows, q, sessionID.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindPolicy, "query decisions for session", err)
	}

	out := make([]DecisionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarshalExtra is a convenience for callers building ExtraJSON from a
// structured value.
func MarshalExtra(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
