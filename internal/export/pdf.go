package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/alienxp03/soulsync/internal/core"
)

// PDFExporter exports reports to PDF format.
type PDFExporter struct{}

// Export writes the report as PDF.
func (e *PDFExporter) Export(doc *Document, w io.Writer) error {
	report := doc.Report

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.MultiCell(0, 10, e.sanitizeText(report.Recommendation), "", "C", false)
	pdf.Ln(5)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, "Match Information")
	pdf.Ln(8)

	e.addMetadataRow(pdf, "Report:", core.ShortID(report.ID)+"...")
	e.addMetadataRow(pdf, "Compatibility:", fmt.Sprintf("%.1f%%", report.CompatibilityScore))
	e.addMetadataRow(pdf, "Created:", report.CreatedAt.Format("January 2, 2006 at 3:04 PM"))
	if d := report.DimensionScores; d != nil {
		e.addMetadataRow(pdf, "Dimensions:", fmt.Sprintf("humor %d, depth %d, resonance %d, compatibility %d",
			d.Humor, d.Depth, d.Resonance, d.Compatibility))
	}
	pdf.Ln(5)

	if doc.Session == nil {
		pdf.SetFont("Arial", "I", 10)
		pdf.Cell(0, 6, "No transcript recorded.")
		pdf.Ln(6)
		return e.finish(pdf, w)
	}

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, "Participants")
	pdf.Ln(8)
	e.addMetadataRow(pdf, "You:", e.sanitizeText(formatAgent(doc.Session.UserAgent)))
	e.addMetadataRow(pdf, "Match:", e.sanitizeText(formatAgent(doc.Session.Opponent)))
	pdf.Ln(5)

	for _, rs := range doc.Session.Rounds {
		if pdf.GetY() > 250 {
			pdf.AddPage()
		}

		pdf.SetFont("Arial", "B", 12)
		pdf.SetFillColor(230, 220, 255) // lavender
		pdf.CellFormat(0, 8, roundTitle(rs.Round), "", 1, "", true, 0, "")
		if rs.Round.ScoreReason != "" {
			pdf.SetFont("Arial", "I", 9)
			pdf.MultiCell(0, 5, e.sanitizeText(rs.Round.ScoreReason), "", "", false)
		}
		pdf.Ln(2)

		for _, m := range rs.Messages {
			if m.Role == core.RoleSideA {
				pdf.SetFillColor(200, 230, 255) // light blue
			} else {
				pdf.SetFillColor(255, 220, 230) // light pink
			}
			pdf.SetFont("Arial", "B", 10)
			pdf.CellFormat(0, 6, e.sanitizeText(doc.agentName(m.Role)), "", 1, "", true, 0, "")

			pdf.SetFont("Arial", "", 9)
			pdf.SetFillColor(255, 255, 255)
			pdf.MultiCell(0, 5, e.sanitizeText(m.Content), "", "", false)
			pdf.Ln(3)
		}
	}

	return e.finish(pdf, w)
}

func (e *PDFExporter) finish(pdf *gofpdf.Fpdf, w io.Writer) error {
	pdf.SetY(-15)
	pdf.SetFont("Arial", "I", 8)
	pdf.CellFormat(0, 10, "Exported from soulsync", "", 0, "C", false, 0, "")
	return pdf.Output(w)
}

// FileExtension returns the file extension for PDF.
func (e *PDFExporter) FileExtension() string {
	return "pdf"
}

// ContentType returns the MIME type for PDF.
func (e *PDFExporter) ContentType() string {
	return "application/pdf"
}

func (e *PDFExporter) addMetadataRow(pdf *gofpdf.Fpdf, label, value string) {
	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(32, 5, label)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 5, value)
	pdf.Ln(5)
}

// sanitizeText maps characters outside the core fonts' Windows-1252 range.
func (e *PDFExporter) sanitizeText(text string) string {
	replacer := strings.NewReplacer(
		"‘", "'",
		"’", "'",
		"“", "\"",
		"”", "\"",
		"–", "-",
		"—", "--",
		"…", "...",
		"•", "*",
		" ", " ",
	)
	return replacer.Replace(text)
}
