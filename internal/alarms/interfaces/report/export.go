package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarmapp "sitewatch/internal/alarms/application"
	alarms "sitewatch/internal/alarms/domain"
)

// BuildCompliancePDF renders a minimal PDF compliance report over the
// current stats and recent event history.
func BuildCompliancePDF(generatedAt time.Time, stats alarmapp.Stats, events []alarms.EventLogEntry) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alarm Compliance Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Standing alarms: %d", stats.Standing))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Acknowledged: %d", stats.Acked))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Shelved: %d", stats.Shelved))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Suppressed: %d", stats.Suppressed))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Raised last hour: %d (target %d/h)", stats.RaisedLastHour, stats.TargetPerHour))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Avg ack latency 24h: %.1fs", stats.AvgAckSeconds24h))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rate compliant: %t", stats.Compliant))
	pdf.Ln(8)

	// Event table
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(10, 6, "Seq", "1", 0, "C", false, 0, "")
	pdf.CellFormat(32, 6, "Sensor", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Event", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "From", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "To", "1", 0, "C", false, 0, "")
	pdf.CellFormat(12, 6, "Prio", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "At", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, ev := range events {
		pdf.CellFormat(10, 6, fmt.Sprintf("%d", ev.Seq), "1", 0, "R", false, 0, "")
		pdf.CellFormat(32, 6, ev.SensorID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, ev.EventType, "1", 0, "L", false, 0, "")
		pdf.CellFormat(24, 6, ev.OldState, "1", 0, "C", false, 0, "")
		pdf.CellFormat(24, 6, ev.NewState, "1", 0, "C", false, 0, "")
		pdf.CellFormat(12, 6, ev.Priority, "1", 0, "C", false, 0, "")
		pdf.CellFormat(38, 6, ev.At.UTC().Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildComplianceXLSX renders a minimal XLSX compliance report over the
// current stats and recent event history.
func BuildComplianceXLSX(generatedAt time.Time, stats alarmapp.Stats, events []alarms.EventLogEntry) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	eventsSheet := "events"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(eventsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Alarm Compliance Report")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generatedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Standing alarms")
	_ = f.SetCellValue(summarySheet, "B4", stats.Standing)
	_ = f.SetCellValue(summarySheet, "A5", "Acknowledged")
	_ = f.SetCellValue(summarySheet, "B5", stats.Acked)
	_ = f.SetCellValue(summarySheet, "A6", "Shelved")
	_ = f.SetCellValue(summarySheet, "B6", stats.Shelved)
	_ = f.SetCellValue(summarySheet, "A7", "Suppressed")
	_ = f.SetCellValue(summarySheet, "B7", stats.Suppressed)
	_ = f.SetCellValue(summarySheet, "A8", "Raised last hour")
	_ = f.SetCellValue(summarySheet, "B8", stats.RaisedLastHour)
	_ = f.SetCellValue(summarySheet, "A9", "Target per hour")
	_ = f.SetCellValue(summarySheet, "B9", stats.TargetPerHour)
	_ = f.SetCellValue(summarySheet, "A10", "Avg ack latency 24h (s)")
	_ = f.SetCellValue(summarySheet, "B10", stats.AvgAckSeconds24h)
	_ = f.SetCellValue(summarySheet, "A11", "Rate compliant")
	_ = f.SetCellValue(summarySheet, "B11", stats.Compliant)

	_ = f.SetCellValue(eventsSheet, "A1", "Seq")
	_ = f.SetCellValue(eventsSheet, "B1", "Alarm")
	_ = f.SetCellValue(eventsSheet, "C1", "Sensor")
	_ = f.SetCellValue(eventsSheet, "D1", "Event")
	_ = f.SetCellValue(eventsSheet, "E1", "From")
	_ = f.SetCellValue(eventsSheet, "F1", "To")
	_ = f.SetCellValue(eventsSheet, "G1", "Value")
	_ = f.SetCellValue(eventsSheet, "H1", "Priority")
	_ = f.SetCellValue(eventsSheet, "I1", "Operator")
	_ = f.SetCellValue(eventsSheet, "J1", "Reason")
	_ = f.SetCellValue(eventsSheet, "K1", "At")
	for i, ev := range events {
		row := i + 2
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("A%d", row), ev.Seq)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("B%d", row), ev.AlarmID)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("C%d", row), ev.SensorID)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("D%d", row), ev.EventType)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("E%d", row), ev.OldState)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("F%d", row), ev.NewState)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("G%d", row), ev.Value)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("H%d", row), ev.Priority)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("I%d", row), ev.Operator)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("J%d", row), ev.Reason)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("K%d", row), ev.At.UTC().Format(time.RFC3339))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
