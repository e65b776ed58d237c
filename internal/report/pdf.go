package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// SaveSummaryPDF renders the session summary into a PDF document. Labels
// come from the translator; cp1254 covers both locales.
func SaveSummaryPDF(s SessionSummary, out string, tr Translator) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(tr.T("report.title"), true)
	pdf.SetAuthor("canscopectl", false)
	pdf.SetCreator("canscopectl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()
	utf := pdf.UnicodeTranslatorFromDescriptor("cp1254")

	addPDFTitle(pdf, utf(tr.T("report.title")))
	addWindowSection(pdf, utf, tr, s)
	addCoverageSection(pdf, utf, tr, s)
	addTalkersSection(pdf, utf, tr, s.TopTalkers)
	addTrafficSection(pdf, utf, tr, s.Traffic)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addWindowSection(pdf *gofpdf.Fpdf, utf func(string) string, tr Translator, s SessionSummary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, utf(tr.T("section.window")))
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: tr.T("window.start"), value: timeLabel(s.Start)},
		{label: tr.T("window.end"), value: timeLabel(s.End)},
		{label: tr.T("window.duration"), value: fmt.Sprintf("%.3f s", s.Duration)},
		{label: tr.T("window.frames"), value: strconv.FormatUint(s.TotalFrames, 10)},
		{label: tr.T("window.bytes"), value: strconv.FormatUint(s.TotalBytes, 10)},
		{label: tr.T("window.errors"), value: strconv.FormatUint(s.ErrorFrames, 10)},
		{label: tr.T("window.remote"), value: strconv.FormatUint(s.RemoteFrames, 10)},
	}
	for _, item := range items {
		pdf.CellFormat(60, 6, utf(item.label), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, utf(item.value), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addCoverageSection(pdf *gofpdf.Fpdf, utf func(string) string, tr Translator, s SessionSummary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, utf(tr.T("section.coverage")))
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: tr.T("coverage.unique"), value: strconv.Itoa(s.UniqueIDs)},
		{label: tr.T("coverage.decoded"), value: strconv.Itoa(s.DecodedIDs)},
		{label: tr.T("coverage.unknown"), value: strconv.Itoa(s.UnknownIDs)},
		{label: tr.T("coverage.ratio"), value: fmt.Sprintf("%.1f%%", s.Coverage*100)},
	}
	for _, item := range items {
		pdf.CellFormat(60, 6, utf(item.label), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, utf(item.value), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addTalkersSection(pdf *gofpdf.Fpdf, utf func(string) string, tr Translator, rows []IDCount) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, utf(tr.T("section.talkers")))
	pdf.Ln(9)
	renderTrafficTable(pdf, utf, tr, rows)
}

func addTrafficSection(pdf *gofpdf.Fpdf, utf func(string) string, tr Translator, rows []IDCount) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, utf(tr.T("section.traffic")))
	pdf.Ln(9)
	renderTrafficTable(pdf, utf, tr, rows)
}

func renderTrafficTable(pdf *gofpdf.Fpdf, utf func(string) string, tr Translator, rows []IDCount) {
	if len(rows) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, utf(tr.T("traffic.empty")), "", "L", false)
		pdf.Ln(2)
		return
	}

	headers := []string{
		tr.T("col.id"),
		tr.T("col.name"),
		tr.T("col.frames"),
		tr.T("col.bytes"),
		tr.T("col.share"),
	}
	widths := []float64{28, 70, 28, 28, 26}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, utf(h), "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	lineHeight := 5.0
	for _, row := range rows {
		values := []string{
			idLabel(row.ID),
			emptyFallback(row.Name, "-"),
			strconv.FormatUint(row.Frames, 10),
			strconv.FormatUint(row.Bytes, 10),
			fmt.Sprintf("%.1f%%", row.Share*100),
		}
		renderTableRow(pdf, utf, widths, values, lineHeight)
	}
	pdf.Ln(4)
}

func renderTableRow(pdf *gofpdf.Fpdf, utf func(string) string, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(utf(text), widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		cellText := strings.Join(lines, "\n")
		pdf.MultiCell(widths[i], lineHeight, cellText, "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func idLabel(id uint32) string {
	if id > 0x7FF {
		return fmt.Sprintf("0x%08X", id)
	}
	return fmt.Sprintf("0x%03X", id)
}

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
