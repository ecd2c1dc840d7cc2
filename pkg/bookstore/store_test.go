package bookstore

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/3leaps/coverscan/pkg/sqlstore"
)

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), sqlstore.Config{Path: ":memory:"}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestStore_CreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	created, err := s.Create(ctx, NewBook{Title: "Dune", Author: "Herbert", Year: intPtr(1965)})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", got.Title)
	assert.Equal(t, "Herbert", got.Author)
	require.NotNil(t, got.Year)
	assert.Equal(t, 1965, *got.Year)
	assert.Equal(t, DefaultLanguage, got.Language)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
	assert.Equal(t, created, got)
}

func TestStore_CreateDefaults(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	b, err := s.Create(ctx, NewBook{})
	require.NoError(t, err)
	assert.Empty(t, b.Title)
	assert.Nil(t, b.Year)
	assert.Zero(t, b.Confidence)
	assert.Equal(t, "ru", b.Language)

	images, err := s.Images(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestStore_CreateWithCoverAddsOneAttachment(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	b, err := s.Create(ctx, NewBook{Title: "Dune", CoverURL: "/uploads/abc.jpg", ExtractedText: "DUNE", Confidence: 0.8})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/abc.jpg", b.CoverURL)
	assert.Equal(t, "DUNE", b.ExtractedText)
	assert.Equal(t, 0.8, b.Confidence)

	full, err := s.GetWithImages(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, full.ProcessingComplete)
	require.Len(t, full.Images, 1)
	assert.Equal(t, b.ID, full.Images[0].BookID)
	assert.Equal(t, ImageTypeCover, full.Images[0].ImageType)
	assert.Equal(t, "/uploads/abc.jpg", full.Images[0].ImageURL)
	assert.NotZero(t, full.Images[0].ID)
}

func TestStore_CreateRejectsNonFiniteConfidence(t *testing.T) {
	_, err := newStore(t, Options{}).Create(context.Background(), NewBook{Confidence: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStore_UpdateTitleOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{Now: stepClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), time.Second)})

	b, err := s.Create(ctx, NewBook{Title: "Dune", Author: "Herbert", Year: intPtr(1965)})
	require.NoError(t, err)

	updated, err := s.Update(ctx, b.ID, Patch{Title: strPtr("Dune Messiah")})
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", updated.Title)
	assert.Equal(t, "Herbert", updated.Author)
	require.NotNil(t, updated.Year)
	assert.Equal(t, 1965, *updated.Year)
	assert.True(t, updated.UpdatedAt.After(b.UpdatedAt))
	assert.Equal(t, b.CreatedAt, updated.CreatedAt)
}

func TestStore_UpdateAdvancesTimestampWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newStore(t, Options{Now: func() time.Time { return frozen }})

	b, err := s.Create(ctx, NewBook{Title: "Dune"})
	require.NoError(t, err)

	first, err := s.Update(ctx, b.ID, Patch{})
	require.NoError(t, err)
	second, err := s.Update(ctx, b.ID, Patch{})
	require.NoError(t, err)

	assert.True(t, first.UpdatedAt.After(b.UpdatedAt))
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, "Dune", second.Title)
}

func TestStore_UpdateYearAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	b, err := s.Create(ctx, NewBook{Title: "Dune", Year: intPtr(1965)})
	require.NoError(t, err)

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"year":null,"status":"reviewed","publisher":"Chilton"}`), &p))
	updated, err := s.Update(ctx, b.ID, p)
	require.NoError(t, err)
	assert.Nil(t, updated.Year)
	assert.Equal(t, "reviewed", updated.Status)
	assert.Equal(t, "Chilton", updated.Publisher)

	updated, err = s.Update(ctx, b.ID, Patch{Year: YearOf(1966)})
	require.NoError(t, err)
	require.NotNil(t, updated.Year)
	assert.Equal(t, 1966, *updated.Year)

	_, err = s.Update(ctx, b.ID, Patch{Status: strPtr(" ")})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetWithImages(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Update(ctx, "missing", Patch{Title: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Delete(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	b, err := s.Create(ctx, NewBook{Title: "Dune", CoverURL: "/uploads/a.jpg"})
	require.NoError(t, err)

	removed, err := s.Delete(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "/uploads/a.jpg", removed[0].ImageURL)

	_, err = s.Get(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	images, err := s.Images(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestStore_DeleteKeepsSharedCover(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	a, err := s.Create(ctx, NewBook{Title: "Dune", CoverURL: "/uploads/shared.jpg"})
	require.NoError(t, err)
	b, err := s.Create(ctx, NewBook{Title: "Dune (copy)", CoverURL: "/uploads/shared.jpg"})
	require.NoError(t, err)

	removed, err := s.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, removed)

	images, err := s.Images(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "/uploads/shared.jpg", images[0].ImageURL)

	removed, err = s.Delete(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "/uploads/shared.jpg", removed[0].ImageURL)
}

func TestStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{Now: stepClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), time.Minute)})

	for _, title := range []string{"first", "second", "third"} {
		_, err := s.Create(ctx, NewBook{Title: title})
		require.NoError(t, err)
	}

	books, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, books, 3)
	assert.Equal(t, "third", books[0].Title)
	assert.Equal(t, "first", books[2].Title)

	page, err := s.List(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "second", page[0].Title)

	_, err = s.Update(ctx, books[0].ID, Patch{Status: strPtr("draft")})
	require.NoError(t, err)
	drafts, err := s.List(ctx, ListOptions{Status: "draft"})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "third", drafts[0].Title)
}

func TestStore_ExportXLSX(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{Now: stepClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), time.Minute)})

	_, err := s.Create(ctx, NewBook{Title: "Dune", Author: "Herbert", Year: intPtr(1965)})
	require.NoError(t, err)
	_, err = s.Create(ctx, NewBook{Title: "Солярис", Author: "Лем"})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := s.ExportXLSX(ctx, &buf, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(ExportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Title", rows[0][1])
	assert.Equal(t, "Солярис", rows[1][1])
	assert.Equal(t, "Dune", rows[2][1])
	assert.Equal(t, "1965", rows[2][3])
}

func TestStore_ReopenFileBacked(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "books.db")

	s, err := Open(ctx, sqlstore.Config{Path: path}, Options{})
	require.NoError(t, err)
	b, err := s.Create(ctx, NewBook{Title: "Dune", CoverURL: "/uploads/a.jpg"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, sqlstore.Config{Path: path}, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	full, err := s.GetWithImages(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", full.Title)
	assert.Len(t, full.Images, 1)
}

// TestStore_Postgres runs the round trip against a real server when one is provided.
func TestStore_Postgres(t *testing.T) {
	dsn := os.Getenv("COVERSCAN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COVERSCAN_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, sqlstore.Config{Driver: sqlstore.DriverPostgres, DSN: dsn}, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	b, err := s.Create(ctx, NewBook{Title: "Dune", Author: "Herbert", Year: intPtr(1965), CoverURL: "/uploads/pg.jpg"})
	require.NoError(t, err)
	defer func() { _, _ = s.Delete(ctx, b.ID) }()

	updated, err := s.Update(ctx, b.ID, Patch{Title: strPtr("Dune Messiah")})
	require.NoError(t, err)
	assert.Equal(t, "Herbert", updated.Author)

	full, err := s.GetWithImages(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, full.Images, 1)
}

func TestOptionalYear(t *testing.T) {
	tests := []struct {
		in      string
		want    *int
		wantErr bool
	}{
		{`1965`, intPtr(1965), false},
		{`"1965"`, intPtr(1965), false},
		{`""`, nil, false},
		{`null`, nil, false},
		{`1965.0`, intPtr(1965), false},
		{`"nineteen"`, nil, true},
		{`1965.5`, nil, true},
		{`-3`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var y OptionalYear
			err := json.Unmarshal([]byte(tt.in), &y)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, y.Set)
			assert.Equal(t, tt.want, y.Value)
		})
	}

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"title":"x"}`), &p))
	assert.False(t, p.Year.Set)
}
