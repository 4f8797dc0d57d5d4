package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarmapp "alarm-center/internal/alarms/application"
	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/observability/metrics"
)

// ExportHandler serves occurrence history exports for offline review.
type ExportHandler struct {
	occurrences *alarmapp.OccurrenceService
}

// NewExportHandler constructs an export handler.
func NewExportHandler(occurrences *alarmapp.OccurrenceService) (*ExportHandler, error) {
	if occurrences == nil {
		return nil, errors.New("alarms export: nil occurrence service")
	}
	return &ExportHandler{occurrences: occurrences}, nil
}

// ServeHTTP handles GET /api/v1/exports/occurrences.{xlsx,pdf}. Query
// parameters mirror the history endpoint.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var format string
	switch r.URL.Path {
	case "/api/v1/exports/occurrences.xlsx":
		format = "xlsx"
	case "/api/v1/exports/occurrences.pdf":
		format = "pdf"
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	filter, err := historyFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	occurrences, err := h.occurrences.ListHistory(r.Context(), filter)
	if err != nil {
		metrics.IncExport(format, "error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var payload []byte
	switch format {
	case "xlsx":
		payload, err = BuildOccurrencesXLSX(occurrences)
	case "pdf":
		payload, err = BuildOccurrencesPDF(occurrences)
	}
	if err != nil {
		metrics.IncExport(format, "error")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.IncExport(format, "success")

	switch format {
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="occurrences.xlsx"`)
	case "pdf":
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="occurrences.pdf"`)
	}
	_, _ = w.Write(payload)
}

// BuildOccurrencesPDF renders a minimal PDF for an occurrence list.
func BuildOccurrencesPDF(occurrences []alarms.AlarmOccurrence) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alarm Occurrences")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Exported: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rows: %d", len(occurrences)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(38, 6, "Triggered At", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "Rule", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Severity", "1", 0, "C", false, 0, "")
	pdf.CellFormat(26, 6, "State", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.CellFormat(16, 6, "Count", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "Acknowledged By", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "Cleared At", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, occurrence := range occurrences {
		pdf.CellFormat(38, 6, occurrence.TriggeredAt.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(38, 6, occurrence.RuleID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 6, string(occurrence.Severity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, string(occurrence.State), "1", 0, "C", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.2f", occurrence.TriggeredValue), "1", 0, "R", false, 0, "")
		pdf.CellFormat(16, 6, fmt.Sprintf("%d", occurrence.OccurrenceCount), "1", 0, "R", false, 0, "")
		pdf.CellFormat(38, 6, occurrence.AcknowledgedBy, "1", 0, "L", false, 0, "")
		pdf.CellFormat(38, 6, formatOptionalTime(occurrence.ClearedAt), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildOccurrencesXLSX renders a minimal XLSX for an occurrence list.
func BuildOccurrencesXLSX(occurrences []alarms.AlarmOccurrence) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "occurrences"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{
		"ID", "Rule", "Severity", "State", "Message", "Trigger Value",
		"Triggered At", "Count", "Acknowledged By", "Acknowledged At",
		"Cleared By", "Cleared At", "Escalation Level",
	}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, header)
	}

	for i, occurrence := range occurrences {
		row := i + 2
		values := []any{
			occurrence.ID,
			occurrence.RuleID,
			string(occurrence.Severity),
			string(occurrence.State),
			occurrence.Message,
			occurrence.TriggeredValue,
			occurrence.TriggeredAt.UTC().Format(time.RFC3339),
			occurrence.OccurrenceCount,
			occurrence.AcknowledgedBy,
			formatOptionalTime(occurrence.AcknowledgedAt),
			occurrence.ClearedBy,
			formatOptionalTime(occurrence.ClearedAt),
			occurrence.EscalationLevel,
		}
		for j, value := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatOptionalTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
