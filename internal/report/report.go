// Package report renders the day close-out as CSV or XLSX.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"pressdesk/backend/internal/domain"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

const (
	summarySheet = "Summary"
	shiftsSheet  = "Shifts"
)

var shiftHeaders = []string{
	"Shift ID",
	"Attendant",
	"Status",
	"Start",
	"End",
	"Jobs",
	"Gross",
	"Deposits",
	"Net",
	"Cash",
	"MoMo",
	"Card",
	"Unassigned",
	"Declared Cash",
}

func ContentType(format string) string {
	if format == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

func Filename(r domain.DayReport, format string) string {
	return fmt.Sprintf("daysheet-%s-%s.%s", r.DaySheet.BranchID, r.DaySheet.Date, format)
}

// Write renders r in the requested format. Unknown formats are an error.
func Write(w io.Writer, r domain.DayReport, format string) error {
	switch strings.ToLower(format) {
	case "", FormatCSV:
		return WriteCSV(w, r)
	case FormatXLSX:
		return WriteXLSX(w, r)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

func summaryRows(r domain.DayReport) [][]string {
	sheet := r.DaySheet
	t := r.Totals
	rows := [][]string{
		{"Branch", sheet.Meta.Branch.BranchName},
		{"Branch ID", sheet.BranchID},
		{"Date", sheet.Date},
		{"Weekday", sheet.Weekday},
		{"Status", sheet.Status},
		{"Closed By", sheet.ClosedBy},
		{"Closed At", formatTime(sheet.ClosedAt)},
		{"Shift Count", fmt.Sprint(t.ShiftCount)},
		{"Job Count", fmt.Sprint(t.JobCount)},
		{"Gross", t.Gross.StringFixed(2)},
		{"Deposits", t.Deposits.StringFixed(2)},
		{"Net", t.Net.StringFixed(2)},
		{"Cash", t.Cash.StringFixed(2)},
		{"MoMo", t.Momo.StringFixed(2)},
		{"Card", t.Card.StringFixed(2)},
		{"Unassigned", t.Unassigned.StringFixed(2)},
		{"Counter Jobs (approx.)", fmt.Sprint(sheet.TotalJobs)},
		{"Counter Amount (approx.)", sheet.TotalAmount.StringFixed(2)},
	}
	if sheet.Meta.AutoCloseReason != "" {
		rows = append(rows, []string{"Auto-close Reason", sheet.Meta.AutoCloseReason})
	}
	return rows
}

// shiftRows lists every shift of the sheet. Shifts left out of the
// aggregate (still open) carry empty money columns.
func shiftRows(r domain.DayReport) [][]string {
	byID := make(map[string]domain.ShiftTotals, len(r.Totals.ShiftTotals))
	for _, totals := range r.Totals.ShiftTotals {
		byID[totals.ShiftID] = totals
	}

	rows := make([][]string, 0, len(r.Shifts))
	for _, shift := range r.Shifts {
		declared := ""
		if shift.ClosingCash.Valid {
			declared = shift.ClosingCash.Decimal.StringFixed(2)
		}
		row := []string{
			shift.ID,
			shift.Username,
			shift.Status,
			shift.ShiftStart.UTC().Format(time.RFC3339),
			formatTime(shift.ShiftEnd),
		}
		if totals, ok := byID[shift.ID]; ok {
			row = append(row,
				fmt.Sprint(totals.JobCount),
				totals.Gross.StringFixed(2),
				totals.Deposits.StringFixed(2),
				totals.Net.StringFixed(2),
				totals.Cash.StringFixed(2),
				totals.Momo.StringFixed(2),
				totals.Card.StringFixed(2),
				totals.Unassigned.StringFixed(2),
			)
		} else {
			row = append(row, "", "", "", "", "", "", "", "")
		}
		rows = append(rows, append(row, declared))
	}
	return rows
}

func WriteCSV(w io.Writer, r domain.DayReport) error {
	cw := csv.NewWriter(w)
	records := summaryRows(r)
	records = append(records, []string{})
	records = append(records, shiftHeaders)
	records = append(records, shiftRows(r)...)
	if err := cw.WriteAll(records); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func WriteXLSX(w io.Writer, r domain.DayReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(shiftsSheet); err != nil {
		return fmt.Errorf("create shifts sheet: %w", err)
	}

	for i, row := range summaryRows(r) {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}
	if err := setRow(f, shiftsSheet, 1, shiftHeaders); err != nil {
		return err
	}
	for i, row := range shiftRows(r) {
		if err := setRow(f, shiftsSheet, i+2, row); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(summarySheet, "A", "A", 26)
	_ = f.SetColWidth(summarySheet, "B", "B", 32)
	_ = f.SetColWidth(shiftsSheet, "A", "A", 44)
	_ = f.SetColWidth(shiftsSheet, "B", "C", 14)
	_ = f.SetColWidth(shiftsSheet, "D", "E", 22)
	_ = f.SetColWidth(shiftsSheet, "F", "N", 12)

	if index, err := f.GetSheetIndex(summarySheet); err == nil {
		f.SetActiveSheet(index)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
