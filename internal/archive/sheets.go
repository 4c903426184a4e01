package archive

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"dairyfarm/backend/internal/balance"
)

// RowAppender appends one row to a spreadsheet range.
type RowAppender interface {
	AppendRow(ctx context.Context, sheetRange string, values []interface{}) error
}

type sheetsAppender struct {
	service       *sheetsapi.Service
	spreadsheetID string
}

func (a *sheetsAppender) AppendRow(ctx context.Context, sheetRange string, values []interface{}) error {
	payload := &sheetsapi.ValueRange{Values: [][]interface{}{values}}
	call := a.service.Spreadsheets.Values.Append(a.spreadsheetID, sheetRange, payload).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx)
	if _, err := call.Do(); err != nil {
		return fmt.Errorf("append row into range %s: %w", sheetRange, err)
	}
	return nil
}

// SheetsSink appends each summary as a row; the sheet is an audit log, so a
// re-run day appears twice.
type SheetsSink struct {
	rows       RowAppender
	sheetRange string
}

func NewSheetsSink(ctx context.Context, credentialsPath, spreadsheetID, sheetRange string) (*SheetsSink, error) {
	service, err := sheetsapi.NewService(ctx, option.WithCredentialsFile(credentialsPath), option.WithScopes(sheetsapi.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sheets client: %w", err)
	}
	return NewSheetsSinkWithAppender(&sheetsAppender{service: service, spreadsheetID: spreadsheetID}, sheetRange), nil
}

func NewSheetsSinkWithAppender(rows RowAppender, sheetRange string) *SheetsSink {
	if sheetRange == "" {
		sheetRange = "Summaries!A:H"
	}
	return &SheetsSink{rows: rows, sheetRange: sheetRange}
}

func (s *SheetsSink) Name() string { return "sheets" }

func (s *SheetsSink) Save(ctx context.Context, sum balance.Summary) error {
	return s.rows.AppendRow(ctx, s.sheetRange, summaryRow(sum))
}

func summaryRow(s balance.Summary) []interface{} {
	return []interface{}{
		s.Date,
		s.TotalProduction,
		s.TotalCalfFed,
		s.NetProduction,
		s.TotalSales,
		s.BalanceYesterday,
		s.BalanceEvening,
		s.FinalBalance,
	}
}
