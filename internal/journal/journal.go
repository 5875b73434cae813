// Package journal records the outcome of asynchronous memory writes in a
// local SQLite file. Write acknowledgements go out before storage completes,
// so the journal is the only durable trace of a write that later failed.
// It is opt-in and strictly off the request path: a broken journal degrades
// to stderr logging, never to a failed tool call.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/memgate/internal/sidelog"
)

// Outcome is the terminal state of one asynchronous write.
type Outcome string

const (
	OutcomeStored Outcome = "stored"
	OutcomeFailed Outcome = "failed"
)

// schema is applied on open. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS write_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT,
	outcome TEXT NOT NULL,
	detail TEXT,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_write_outcomes_user ON write_outcomes(user_id, recorded_at);
`

// Journal appends write outcomes to a SQLite database.
type Journal struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: failed to apply schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: sidelog.New(sidelog.OriginJournal),
	}, nil
}

// Record appends one outcome row. Errors are logged, not returned: the
// journal must never fail a write that already succeeded (or compound one
// that failed).
func (j *Journal) Record(ctx context.Context, userID, sessionID string, outcome Outcome, detail string) {
	if j == nil {
		return
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO write_outcomes (user_id, session_id, outcome, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, sessionID, string(outcome), detail, time.Now().UTC())
	if err != nil {
		j.logger.Printf("failed to record outcome: %v", err)
	}
}

// Close closes the journal database. Safe on a nil journal.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
