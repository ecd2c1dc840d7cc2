package bookstore

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ExportSheet is the worksheet name used by ExportXLSX.
const ExportSheet = "Books"

var exportHeaders = []string{
	"ID", "Title", "Author", "Year", "Publisher", "Description",
	"Language", "Cover", "Confidence", "Status", "Created", "Updated",
}

// ExportXLSX writes every book matching opts to w as an XLSX workbook and
// returns the number of rows written. opts.Limit of zero exports all books.
func (s *Store) ExportXLSX(ctx context.Context, w io.Writer, opts ListOptions) (int, error) {
	var books []Book
	pageSize := DefaultListLimit
	for offset := 0; ; offset += pageSize {
		page, err := s.List(ctx, ListOptions{Status: opts.Status, Limit: pageSize, Offset: offset})
		if err != nil {
			return 0, err
		}
		books = append(books, page...)
		if len(page) < pageSize || (opts.Limit > 0 && len(books) >= opts.Limit) {
			break
		}
	}
	if opts.Limit > 0 && len(books) > opts.Limit {
		books = books[:opts.Limit]
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if _, err := f.NewSheet(ExportSheet); err != nil {
		return 0, fmt.Errorf("create sheet: %w", err)
	}
	idx, err := f.GetSheetIndex(ExportSheet)
	if err != nil {
		return 0, fmt.Errorf("sheet index: %w", err)
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(ExportSheet, cell, h)
	}

	for r, b := range books {
		row := r + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(ExportSheet, cell, v)
		}
		write(1, b.ID)
		write(2, b.Title)
		write(3, b.Author)
		if b.Year != nil {
			write(4, *b.Year)
		}
		write(5, b.Publisher)
		write(6, b.Description)
		write(7, b.Language)
		write(8, b.CoverURL)
		write(9, b.Confidence)
		write(10, b.Status)
		write(11, b.CreatedAt.Format("2006-01-02 15:04:05"))
		write(12, b.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	_ = f.SetColWidth(ExportSheet, "A", "A", 38)
	_ = f.SetColWidth(ExportSheet, "B", "C", 32)
	_ = f.SetColWidth(ExportSheet, "F", "F", 48)
	_ = f.SetColWidth(ExportSheet, "K", "L", 20)

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("xlsx write: %w", err)
	}
	return len(books), nil
}
