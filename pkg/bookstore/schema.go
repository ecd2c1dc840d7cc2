package bookstore

import (
	"context"

	"github.com/3leaps/coverscan/pkg/sqlstore"
)

// SchemaVersion is the current books schema version.
const SchemaVersion = 1

// Migrate creates (or upgrades) the books schema in-place.
func Migrate(ctx context.Context, db *sqlstore.DB) error {
	return sqlstore.Migrate(ctx, db, sqlstore.Migration{
		Component: "books",
		Version:   SchemaVersion,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS books (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				author TEXT NOT NULL DEFAULT '',
				year INTEGER,
				publisher TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				language TEXT NOT NULL DEFAULT 'ru',
				cover_url TEXT NOT NULL DEFAULT '',
				extracted_text TEXT NOT NULL DEFAULT '',
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'completed',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_books_created_at ON books(created_at)`,
			`CREATE TABLE IF NOT EXISTS book_images (
				id ` + db.Dialect().AutoIncrementKey() + `,
				book_id TEXT NOT NULL REFERENCES books(id),
				image_url TEXT NOT NULL,
				image_type TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_book_images_book_id ON book_images(book_id)`,
		},
	})
}
