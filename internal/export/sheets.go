// Package export appends billing activity to a Google Sheet so office staff
// get a live collections report without touching the database. Export is
// best-effort; the ledgers never depend on it.
package export

import (
	"context"
	"errors"
	"fmt"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"bursar/internal/core"
	"bursar/internal/log"
)

// SheetsExporter appends one row per generated invoice to a collections
// sheet.
type SheetsExporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *log.Logger
}

func NewSheetsExporter(ctx context.Context, spreadsheetID, sheetName, credentialsFile string, logger *log.Logger) (*SheetsExporter, error) {
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet ID")
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsFile(credentialsFile),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &SheetsExporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger.WithComponent(log.ComponentSheets),
	}, nil
}

// AppendInvoices appends one row per invoice: number, student, period, due
// date, amount. Returns the range reference of the appended block.
func (e *SheetsExporter) AppendInvoices(ctx context.Context, invoices []core.Invoice) (string, error) {
	if e.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if len(invoices) == 0 {
		return "", nil
	}

	values := make([][]any, 0, len(invoices))
	for _, inv := range invoices {
		values = append(values, []any{
			inv.Number,
			inv.StudentID,
			inv.PeriodStart.Format("2006-01-02"),
			inv.PeriodEnd.Format("2006-01-02"),
			inv.DueDate.Format("2006-01-02"),
			inv.AmountDue.Pounds(),
			string(inv.Status),
		})
	}

	rng := fmt.Sprintf("%s!A:G", e.sheetName)
	resp, err := e.svc.Spreadsheets.Values.Append(e.spreadsheetID, rng, &gsheet.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append to sheet %s: %w", e.sheetName, err)
	}

	ref := ""
	if resp.Updates != nil {
		ref = resp.Updates.UpdatedRange
	}
	e.logger.InfoContext(ctx, "collections report updated",
		"rows", len(values),
		log.FieldSheetsRef, ref)
	return ref, nil
}
