package sqlqueue

import (
	"context"

	"github.com/3leaps/coverscan/pkg/sqlstore"
)

// SchemaVersion is the current jobs schema version.
const SchemaVersion = 1

// Migrate creates (or upgrades) the jobs schema in-place.
func Migrate(ctx context.Context, db *sqlstore.DB) error {
	return sqlstore.Migrate(ctx, db, sqlstore.Migration{
		Component: "jobs",
		Version:   SchemaVersion,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				job_id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				input_ref TEXT NOT NULL,
				language TEXT NOT NULL,
				filename TEXT NOT NULL DEFAULT '',
				-- result is the JSON-encoded extraction result (completed only).
				result TEXT,
				-- failed_reason is set only for failed jobs.
				failed_reason TEXT,
				created_at TEXT NOT NULL,
				claimed_at TEXT,
				finished_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at)`,
		},
	})
}
