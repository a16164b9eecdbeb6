package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const (
	// pageWidth is A4 width minus margins, in mm.
	pageWidth = 180.0
	margin    = 15.0
	barWidth  = 100.0
	fontName  = "Arial"
)

type rgb struct{ r, g, b int }

var (
	inkColor    = rgb{33, 37, 41}
	mutedColor  = rgb{108, 117, 125}
	headerFill  = rgb{52, 58, 64}
	sectionFill = rgb{240, 240, 240}
	stripeFill  = rgb{248, 249, 250}
	whiteColor  = rgb{255, 255, 255}
	barColor    = rgb{66, 133, 244}
)

// PDFReport is a single-column A4 document built top to bottom.
type PDFReport struct {
	doc   *gofpdf.Fpdf
	title string
}

// Metric is one labelled figure in a summary block or chart. Text is what
// gets printed, Value only drives bar length.
type Metric struct {
	Label string
	Value float64
	Text  string
}

func NewPDFReport(title string, generatedAt time.Time) *PDFReport {
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.SetMargins(margin, margin, margin)
	doc.SetAutoPageBreak(true, 20)

	r := &PDFReport{doc: doc, title: title}
	// The footer func must be set before the first page is added.
	doc.SetFooterFunc(r.footer)
	r.titlePage(generatedAt)
	return r
}

func (r *PDFReport) font(style string, size float64, c rgb) {
	r.doc.SetFont(fontName, style, size)
	r.doc.SetTextColor(c.r, c.g, c.b)
}

func (r *PDFReport) fill(c rgb) {
	r.doc.SetFillColor(c.r, c.g, c.b)
}

func (r *PDFReport) titlePage(generatedAt time.Time) {
	r.doc.AddPage()

	r.font("B", 20, inkColor)
	r.doc.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.font("", 10, mutedColor)
	stamp := generatedAt.UTC().Format("2 January 2006 15:04 MST")
	r.doc.CellFormat(0, 8, "Generated "+stamp, "", 1, "C", false, 0, "")
	r.doc.Ln(10)
}

func (r *PDFReport) footer() {
	r.doc.SetY(-margin)
	r.font("I", 8, mutedColor)
	r.doc.CellFormat(0, 10, fmt.Sprintf("%s | page %d", r.title, r.doc.PageNo()), "", 0, "C", false, 0, "")
}

func (r *PDFReport) AddSection(title string) {
	r.font("B", 14, inkColor)
	r.fill(sectionFill)
	r.doc.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.doc.Ln(4)
}

func (r *PDFReport) AddParagraph(text string) {
	r.font("", 10, inkColor)
	r.doc.MultiCell(0, 6, text, "", "L", false)
	r.doc.Ln(4)
}

// columnWidths turns fractions of the page width into mm. Missing entries
// share the page equally.
func columnWidths(n int, fractions []float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i < len(fractions) && fractions[i] > 0 {
			out[i] = fractions[i] * pageWidth
			continue
		}
		out[i] = pageWidth / float64(n)
	}
	return out
}

// AddTable draws a striped table with a dark header row.
func (r *PDFReport) AddTable(headers []string, widths []float64, rows [][]string) {
	cols := columnWidths(len(headers), widths)

	r.font("B", 9, whiteColor)
	r.fill(headerFill)
	for i, h := range headers {
		r.doc.CellFormat(cols[i], 8, h, "1", 0, "C", true, 0, "")
	}
	r.doc.Ln(-1)

	r.font("", 9, inkColor)
	for n, row := range rows {
		if n%2 == 1 {
			r.fill(stripeFill)
		} else {
			r.fill(whiteColor)
		}
		for i := range cols {
			var cell string
			if i < len(row) {
				// roughly two characters per mm at 9pt
				cell = truncate(row[i], int(cols[i]/2))
			}
			r.doc.CellFormat(cols[i], 7, cell, "1", 0, "L", true, 0, "")
		}
		r.doc.Ln(-1)
	}
	r.doc.Ln(4)
}

// AddSummaryTable prints label/value pairs, values in bold.
func (r *PDFReport) AddSummaryTable(metrics []Metric) {
	for _, m := range metrics {
		r.font("", 10, mutedColor)
		r.doc.CellFormat(60, 7, m.Label, "", 0, "L", false, 0, "")
		r.font("B", 10, inkColor)
		r.doc.CellFormat(0, 7, m.Text, "", 1, "L", false, 0, "")
	}
	r.doc.Ln(4)
}

// AddChart draws a horizontal bar per metric, scaled to the largest value.
func (r *PDFReport) AddChart(title string, metrics []Metric) {
	if title != "" {
		r.font("B", 11, inkColor)
		r.doc.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	scale := 0.0
	for _, m := range metrics {
		scale = max(scale, m.Value)
	}
	if scale == 0 {
		scale = 1
	}

	r.fill(barColor)
	for _, m := range metrics {
		r.font("", 9, mutedColor)
		r.doc.CellFormat(45, 6, truncate(m.Label, 24), "", 0, "L", false, 0, "")
		if w := m.Value / scale * barWidth; w > 0 {
			r.doc.CellFormat(w, 6, "", "", 0, "L", true, 0, "")
		}
		r.font("", 9, inkColor)
		r.doc.CellFormat(30, 6, " "+m.Text, "", 1, "L", false, 0, "")
	}
	r.doc.Ln(4)
}

func (r *PDFReport) Output() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
