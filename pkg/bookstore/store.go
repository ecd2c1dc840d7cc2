// Package bookstore persists book records and their image attachments.
//
// Records are created from client-confirmed fields and are independent of
// the extraction job that may have produced them.
package bookstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/coverscan/pkg/sqlstore"
)

// Options configures a Store.
type Options struct {
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Store is the book record store.
type Store struct {
	db     *sqlstore.DB
	now    func() time.Time
	ownsDB bool
}

// New wraps an open, migrated database. The caller keeps ownership of db.
func New(db *sqlstore.DB, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, now: opts.Now}
}

// Open opens the database described by cfg, migrates it, and returns a
// Store that owns the connection.
func Open(ctx context.Context, cfg sqlstore.Config, opts Options) (*Store, error) {
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := New(db, opts)
	s.ownsDB = true
	return s, nil
}

// Close releases the database when the Store opened it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) rebind(q string) string {
	return s.db.Dialect().Rebind(q)
}

const bookColumns = `id, title, author, year, publisher, description, language, cover_url,
	extracted_text, confidence, status, created_at, updated_at`

// Create persists a new book. When a cover reference is given, one "cover"
// attachment is written after the book in the same transaction.
func (s *Store) Create(ctx context.Context, nb NewBook) (*Book, error) {
	if math.IsNaN(nb.Confidence) || math.IsInf(nb.Confidence, 0) {
		return nil, fmt.Errorf("%w: confidence must be a finite number", ErrInvalidInput)
	}
	lang := strings.TrimSpace(nb.Language)
	if lang == "" {
		lang = DefaultLanguage
	}

	id := uuid.NewString()
	now := sqlstore.FormatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO books (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, nb.Title, nb.Author, nullableInt(nb.Year), nb.Publisher, nb.Description, lang, nb.CoverURL,
		nb.ExtractedText, nb.Confidence, StatusCompleted, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert book: %v", ErrWriteFailed, err)
	}

	if strings.TrimSpace(nb.CoverURL) != "" {
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO book_images (book_id, image_url, image_type, created_at)
			VALUES (?, ?, ?, ?)`), id, nb.CoverURL, ImageTypeCover, now)
		if err != nil {
			return nil, fmt.Errorf("%w: insert cover image: %v", ErrWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrWriteFailed, err)
	}
	return s.Get(ctx, id)
}

// Get returns a book by id.
func (s *Store) Get(ctx context.Context, id string) (*Book, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+bookColumns+` FROM books WHERE id = ?`), id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", id, err)
	}
	return b, nil
}

// GetWithImages returns a book joined with its attachments.
func (s *Store) GetWithImages(ctx context.Context, id string) (*BookWithImages, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	images, err := s.Images(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BookWithImages{Book: *b, Images: images, ProcessingComplete: true}, nil
}

// Images lists the attachments of a book, oldest first.
func (s *Store) Images(ctx context.Context, bookID string) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, book_id, image_url, image_type, created_at
		FROM book_images WHERE book_id = ? ORDER BY id`), bookID)
	if err != nil {
		return nil, fmt.Errorf("list images of %s: %w", bookID, err)
	}
	defer func() { _ = rows.Close() }()

	images := []Image{}
	for rows.Next() {
		var img Image
		var created string
		if err := rows.Scan(&img.ID, &img.BookID, &img.ImageURL, &img.ImageType, &created); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		if img.CreatedAt, err = sqlstore.ParseTime(created); err != nil {
			return nil, fmt.Errorf("parse image created_at: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// Update applies the non-nil fields of p and always advances updated_at.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*Book, error) {
	if p.Status != nil && strings.TrimSpace(*p.Status) == "" {
		return nil, fmt.Errorf("%w: status must not be empty", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevUpdated string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT updated_at FROM books WHERE id = ?`), id).Scan(&prevUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", id, err)
	}

	updated := s.now().UTC()
	if prev, perr := sqlstore.ParseTime(prevUpdated); perr == nil && !updated.After(prev) {
		// Keep updated_at strictly increasing even when the clock has not moved.
		updated = prev.Add(time.Microsecond)
	}

	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Author != nil {
		add("author", *p.Author)
	}
	if p.Year.Set {
		add("year", nullableInt(p.Year.Value))
	}
	if p.Publisher != nil {
		add("publisher", *p.Publisher)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Status != nil {
		add("status", strings.TrimSpace(*p.Status))
	}
	add("updated_at", sqlstore.FormatTime(updated))
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE books SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...); err != nil {
		return nil, fmt.Errorf("%w: update book: %v", ErrWriteFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrWriteFailed, err)
	}
	return s.Get(ctx, id)
}

// Delete removes a book and its attachments. It returns the removed
// attachments whose image_url no remaining book refers to, so callers can
// clean up stored files without breaking shared covers.
func (s *Store) Delete(ctx context.Context, id string) ([]Image, error) {
	images, err := s.Images(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrWriteFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM book_images WHERE book_id = ?`), id); err != nil {
		return nil, fmt.Errorf("%w: delete images: %v", ErrWriteFailed, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM books WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("%w: delete book: %v", ErrWriteFailed, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	orphaned := []Image{}
	seen := map[string]bool{}
	for _, img := range images {
		if seen[img.ImageURL] {
			continue
		}
		seen[img.ImageURL] = true

		var refs int64
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT
			(SELECT COUNT(*) FROM book_images WHERE image_url = ?) +
			(SELECT COUNT(*) FROM books WHERE cover_url = ?)`), img.ImageURL, img.ImageURL).Scan(&refs)
		if err != nil {
			return nil, fmt.Errorf("count references to %s: %w", img.ImageURL, err)
		}
		if refs == 0 {
			orphaned = append(orphaned, img)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrWriteFailed, err)
	}
	return orphaned, nil
}

// List returns books newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Book, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + bookColumns + ` FROM books`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer func() { _ = rows.Close() }()

	books := []Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*Book, error) {
	var b Book
	var year sql.NullInt64
	var created, updated string
	if err := row.Scan(&b.ID, &b.Title, &b.Author, &year, &b.Publisher, &b.Description, &b.Language, &b.CoverURL,
		&b.ExtractedText, &b.Confidence, &b.Status, &created, &updated); err != nil {
		return nil, err
	}
	if year.Valid {
		y := int(year.Int64)
		b.Year = &y
	}
	var err error
	if b.CreatedAt, err = sqlstore.ParseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if b.UpdatedAt, err = sqlstore.ParseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &b, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
