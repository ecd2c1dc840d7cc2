package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/coverscan/internal/observability"
	"github.com/3leaps/coverscan/pkg/bookstore"
)

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "Read and export saved book records",
}

var booksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List books, newest first",
	RunE:  runBooksList,
}

var booksExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export books to an XLSX workbook",
	Long: `Export saved books to an XLSX workbook, one row per book.

Examples:
  coverscan books export -o catalog.xlsx
  coverscan books export --status completed -o done.xlsx`,
	RunE: runBooksExport,
}

func init() {
	rootCmd.AddCommand(booksCmd)
	booksCmd.AddCommand(booksListCmd)
	booksCmd.AddCommand(booksExportCmd)

	booksListCmd.Flags().String("status", "", "Only list books with this status")
	booksListCmd.Flags().Int("limit", bookstore.DefaultListLimit, "Maximum books to list")
	booksListCmd.Flags().Int("offset", 0, "Skip this many books")
	booksListCmd.Flags().Bool("json", false, "Output as JSON")

	booksExportCmd.Flags().StringP("output", "o", "", "Output .xlsx path (required)")
	booksExportCmd.Flags().String("status", "", "Only export books with this status")
	booksExportCmd.Flags().Int("limit", 0, "Maximum books to export (0 = all)")
	_ = booksExportCmd.MarkFlagRequired("output")
}

func runBooksList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openBooks(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open book store", err)
	}
	defer func() { _ = store.Close() }()

	books, err := store.List(ctx, bookstore.ListOptions{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot list books", err)
	}
	if jsonOutput {
		if books == nil {
			books = []bookstore.Book{}
		}
		return writeJSONOut(os.Stdout, books)
	}
	if len(books) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No books found")
		return nil
	}
	printBookTable(os.Stdout, books)
	return nil
}

func printBookTable(out io.Writer, books []bookstore.Book) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tTITLE\tAUTHOR\tYEAR\tLANG\tSTATUS\tUPDATED")
	for _, b := range books {
		year := "-"
		if b.Year != nil {
			year = strconv.Itoa(*b.Year)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(b.ID),
			dash(b.Title),
			dash(b.Author),
			year,
			dash(b.Language),
			dash(b.Status),
			b.UpdatedAt.UTC().Format("2006-01-02 15:04"),
		)
	}
}

func runBooksExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	output, _ := cmd.Flags().GetString("output")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openBooks(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open book store", err)
	}
	defer func() { _ = store.Close() }()

	f, err := os.Create(output)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create output file", err)
	}
	n, err := store.ExportXLSX(ctx, f, bookstore.ListOptions{Status: status, Limit: limit})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(output)
		return exitError(foundry.ExitFileWriteError, "Export failed", err)
	}

	observability.CLILogger.Info(fmt.Sprintf("Exported %d books to %s", n, output),
		zap.Int("rows", n), zap.String("path", output))
	return nil
}
