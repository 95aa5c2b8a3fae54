// CLAUDE:SUMMARY Sqlite audit trail for patch sessions: begin/events/end writes, query side.

// Package patchlog records patch sessions in sqlite. The write side
// implements the patch pipeline's recorder; a broken audit trail must not
// break patching, so writes retry on SQLITE_BUSY and failures are logged
// and swallowed. The query side returns errors normally.
package patchlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyweft/weft/dbopen"
	"github.com/storyweft/weft/merge"
	"github.com/storyweft/weft/patch"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	state       TEXT NOT NULL DEFAULT 'running',
	mods        TEXT NOT NULL,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS sessions_started ON sessions(started_at);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	at         INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_session ON events(session_id);
`

// ErrSessionNotFound reports a query for an unknown session id.
var ErrSessionNotFound = errors.New("patchlog: session not found")

// Event kinds.
const (
	EventConflict   = "conflict"
	EventTransform  = "transform_failure"
	EventStructural = "structural"
)

// Event is one recorded finding within a session. Detail is the JSON
// payload of the finding: merge conflicts, a transform result, or a
// structural message.
type Event struct {
	At     time.Time       `json:"at"`
	Kind   string          `json:"kind"`
	Detail json.RawMessage `json:"detail"`
}

// Session is the stored view of one patch run. FinishedAt is zero while
// the session is running.
type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	State      string    `json:"state"`
	Mods       []string  `json:"mods"`
	Error      string    `json:"error,omitempty"`
	Events     []Event   `json:"events,omitempty"`
}

// Running reports whether the session has not ended yet.
func (s Session) Running() bool { return s.FinishedAt.IsZero() }

// Recorder writes patch sessions to sqlite and serves them back.
type Recorder struct {
	db     *sql.DB
	log    *slog.Logger
	ownsDB bool
}

var _ patch.Recorder = (*Recorder)(nil)

// Option customises a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// Open opens (creating if needed) the audit database at path.
func Open(path string, opts ...Option) (*Recorder, error) {
	db, err := dbopen.Open(path, dbopen.WithSchema(schema), dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	r := New(db, opts...)
	r.ownsDB = true
	return r, nil
}

// New wraps an existing database that already carries the audit schema.
func New(db *sql.DB, opts ...Option) *Recorder {
	r := &Recorder{db: db}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Close closes the database when the recorder opened it.
func (r *Recorder) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// Begin opens a session row.
func (r *Recorder) Begin(ctx context.Context, sessionID string, mods []string) {
	modsJSON, err := json.Marshal(mods)
	if err != nil {
		r.log.Error("patchlog: encode mods", "error", err, "session", sessionID)
		modsJSON = []byte("[]")
	}
	_, err = dbopen.Exec(ctx, r.db,
		`INSERT INTO sessions (id, started_at, state, mods) VALUES (?, ?, 'running', ?)`,
		sessionID, time.Now().UnixMilli(), string(modsJSON))
	if err != nil {
		r.log.Error("patchlog: begin session", "error", err, "session", sessionID)
	}
}

// Conflicts records the merge's conflict report. Empty reports are not
// stored.
func (r *Recorder) Conflicts(ctx context.Context, sessionID string, conflicts merge.Conflicts) {
	if conflicts.Empty() {
		return
	}
	r.event(ctx, sessionID, EventConflict, conflicts)
}

// TransformFailure records one failed transform.
func (r *Recorder) TransformFailure(ctx context.Context, sessionID string, result patch.TransformResult) {
	r.event(ctx, sessionID, EventTransform, result)
}

// Structural records one tree-shape finding.
func (r *Recorder) Structural(ctx context.Context, sessionID string, finding string) {
	r.event(ctx, sessionID, EventStructural, struct {
		Finding string `json:"finding"`
	}{finding})
}

// End closes the session row with the outcome's final phase and, when the
// run failed, the error text.
func (r *Recorder) End(ctx context.Context, outcome patch.Outcome, err error) {
	var errText any
	if err != nil {
		errText = err.Error()
	}
	res, dberr := dbopen.Exec(ctx, r.db,
		`UPDATE sessions SET finished_at = ?, state = ?, error = ? WHERE id = ?`,
		time.Now().UnixMilli(), outcome.State.String(), errText, outcome.SessionID)
	if dberr != nil {
		r.log.Error("patchlog: end session", "error", dberr, "session", outcome.SessionID)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.log.Warn("patchlog: end for unknown session", "session", outcome.SessionID)
	}
}

func (r *Recorder) event(ctx context.Context, sessionID, kind string, detail any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		r.log.Error("patchlog: encode event", "error", err, "session", sessionID, "kind", kind)
		return
	}
	_, err = dbopen.Exec(ctx, r.db,
		`INSERT INTO events (session_id, at, kind, detail) VALUES (?, ?, ?, ?)`,
		sessionID, time.Now().UnixMilli(), kind, string(payload))
	if err != nil {
		r.log.Error("patchlog: record event", "error", err, "session", sessionID, "kind", kind)
	}
}

const sessionColumns = "id, started_at, finished_at, state, mods, error"

// Sessions returns the most recent sessions, newest first, without their
// events. limit <= 0 means 20.
func (r *Recorder) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("patchlog: sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("patchlog: sessions: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("patchlog: sessions: %w", err)
	}
	return sessions, nil
}

// Session returns one session with its events in recorded order.
func (r *Recorder) Session(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("patchlog: session %s: %w", id, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT at, kind, detail FROM events WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return Session{}, fmt.Errorf("patchlog: session %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var at int64
		var ev Event
		var detail string
		if err := rows.Scan(&at, &ev.Kind, &detail); err != nil {
			return Session{}, fmt.Errorf("patchlog: session %s: %w", id, err)
		}
		ev.At = time.UnixMilli(at)
		ev.Detail = json.RawMessage(detail)
		s.Events = append(s.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("patchlog: session %s: %w", id, err)
	}
	return s, nil
}

func scanSession(row interface{ Scan(dest ...any) error }) (Session, error) {
	var s Session
	var started int64
	var finished sql.NullInt64
	var mods string
	var errText sql.NullString
	if err := row.Scan(&s.ID, &started, &finished, &s.State, &mods, &errText); err != nil {
		return Session{}, err
	}
	s.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		s.FinishedAt = time.UnixMilli(finished.Int64)
	}
	if errText.Valid {
		s.Error = errText.String
	}
	if err := json.Unmarshal([]byte(mods), &s.Mods); err != nil {
		return Session{}, err
	}
	return s, nil
}
