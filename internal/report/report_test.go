package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"pressdesk/backend/internal/domain"
)

func sampleReport() domain.DayReport {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	end := start.Add(9 * time.Hour)
	d := decimal.RequireFromString
	return domain.DayReport{
		DaySheet: domain.DaySheet{
			ID:          "ds_1",
			BranchID:    "branch-1",
			Date:        "2026-03-10",
			Weekday:     "Tuesday",
			Status:      domain.DaySheetStatusBranchClosed,
			TotalJobs:   2,
			TotalAmount: d("70.00"),
			ClosedBy:    "kofi",
			ClosedAt:    &end,
			Meta:        domain.DaySheetMeta{Branch: domain.BranchSnapshot{BranchName: "Osu"}},
		},
		Shifts: []domain.DaySheetShift{
			{ID: "shift_1", Username: "ama", Status: domain.ShiftStatusClosed, ShiftStart: start, ShiftEnd: &end, ClosingCash: decimal.NewNullDecimal(d("20"))},
			{ID: "shift_2", Username: "yaw", Status: domain.ShiftStatusOpen, ShiftStart: start},
		},
		Totals: domain.DayTotals{
			DaySheetID: "ds_1",
			JobCount:   1,
			ShiftCount: 1,
			Gross:      d("20"),
			Deposits:   decimal.Zero,
			Net:        d("20"),
			Cash:       d("20"),
			Momo:       decimal.Zero,
			Card:       decimal.Zero,
			Unassigned: decimal.Zero,
			ShiftTotals: []domain.ShiftTotals{
				{ShiftID: "shift_1", JobCount: 1, Gross: d("20"), Deposits: decimal.Zero, Net: d("20"), Cash: d("20"), Momo: decimal.Zero, Card: decimal.Zero, Unassigned: decimal.Zero},
			},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport(), "csv"))

	reader := csv.NewReader(&buf)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	require.NoError(t, err)

	summary := map[string]string{}
	headerRow := -1
	for i, rec := range records {
		if len(rec) == 2 {
			summary[rec[0]] = rec[1]
		}
		if len(rec) > 0 && rec[0] == "Shift ID" {
			headerRow = i
		}
	}
	assert.Equal(t, "Osu", summary["Branch"])
	assert.Equal(t, "20.00", summary["Net"])
	assert.Equal(t, "70.00", summary["Counter Amount (approx.)"])

	require.GreaterOrEqual(t, headerRow, 0)
	require.Len(t, records, headerRow+3)
	closed := records[headerRow+1]
	assert.Equal(t, "shift_1", closed[0])
	assert.Equal(t, "20.00", closed[8])
	assert.Equal(t, "20.00", closed[13])

	open := records[headerRow+2]
	assert.Equal(t, "shift_2", open[0])
	assert.Equal(t, "", open[8])
	assert.Equal(t, "", open[13])
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport(), "xlsx"))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{summarySheet, shiftsSheet}, f.GetSheetList())

	net, err := f.GetCellValue(summarySheet, "B12")
	require.NoError(t, err)
	assert.Equal(t, "20.00", net)

	header, err := f.GetCellValue(shiftsSheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Shift ID", header)

	user, err := f.GetCellValue(shiftsSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "ama", user)
}

func TestWriteRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, sampleReport(), "pdf"))
}

func TestFilenameAndContentType(t *testing.T) {
	assert.Equal(t, "daysheet-branch-1-2026-03-10.xlsx", Filename(sampleReport(), FormatXLSX))
	assert.Contains(t, ContentType(FormatCSV), "text/csv")
}
