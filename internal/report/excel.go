// Package report exports the local intent queue as an XLSX workbook.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"roomsync/internal/models"
)

const (
	SheetQueue   = "Queue"
	SheetSummary = "Summary"
)

var queueColumns = []string{
	"ID", "Room", "Date", "Start", "End", "Reason", "Status", "Error kind", "Last error", "Attempts", "Cancel requested", "Created at",
}

// sheetWriter appends rows to one sheet at a time.
type sheetWriter struct {
	file  *excelize.File
	sheet string
	row   int
	bold  int
}

func newSheetWriter() (*sheetWriter, error) {
	f := excelize.NewFile()
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	return &sheetWriter{file: f, bold: bold}, nil
}

func (w *sheetWriter) sheetStart(name string) error {
	if w.sheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet %s: %w", name, err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	w.sheet = name
	w.row = 1
	return nil
}

func (w *sheetWriter) header(columns []string) error {
	row := make([]interface{}, len(columns))
	for i, c := range columns {
		row[i] = c
	}
	if err := w.write(row); err != nil {
		return err
	}
	start, _ := excelize.CoordinatesToCellName(1, w.row-1)
	end, _ := excelize.CoordinatesToCellName(len(columns), w.row-1)
	return w.file.SetCellStyle(w.sheet, start, end, w.bold)
}

func (w *sheetWriter) write(values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.sheet, cell, &values); err != nil {
		return fmt.Errorf("write row %d: %w", w.row, err)
	}
	w.row++
	return nil
}

// WriteQueue renders the intents and the sync summary to out.
func WriteQueue(out io.Writer, intents []models.ReservationIntent, status models.SyncStatus, generated time.Time) error {
	w, err := newSheetWriter()
	if err != nil {
		return err
	}
	defer w.file.Close()

	if err := w.sheetStart(SheetQueue); err != nil {
		return err
	}
	if err := w.header(queueColumns); err != nil {
		return err
	}
	for i := range intents {
		it := &intents[i]
		if err := w.write([]interface{}{
			it.ID,
			it.DisplayRoom(),
			it.Date,
			it.StartTime,
			it.EndTime,
			it.Reason,
			string(it.Status),
			string(it.ErrorKind),
			it.LastError,
			it.Attempts,
			it.CancelRequested,
			it.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		}); err != nil {
			return err
		}
	}
	_ = w.file.SetColWidth(SheetQueue, "A", "A", 38)
	_ = w.file.SetColWidth(SheetQueue, "F", "F", 30)
	_ = w.file.SetColWidth(SheetQueue, "I", "I", 40)

	if err := w.sheetStart(SheetSummary); err != nil {
		return err
	}
	lastSync := "never"
	if status.LastSync != nil {
		lastSync = status.LastSync.Local().Format("2006-01-02 15:04:05")
	}
	rows := [][]interface{}{
		{"Generated", generated.Local().Format("2006-01-02 15:04:05")},
		{"Intents", len(intents)},
		{"Awaiting sync", status.TotalPending},
		{"Synced in last pass", status.SyncedCount},
		{"Failed in last pass", status.FailedCount},
		{"Last sync", lastSync},
	}
	for _, r := range rows {
		if err := w.write(r); err != nil {
			return err
		}
	}

	return w.file.Write(out)
}

// Filename returns the download name for a report generated at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("roomsync_queue_%s.xlsx", t.Format("20060102_150405"))
}
