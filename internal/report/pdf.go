// Package report renders audit results as PDF documents.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/orchestrator"
)

// Color scheme - dark slate with severity accents
var (
	colorPrimary   = [3]int{33, 37, 41}    // Near-black slate
	colorCritical  = [3]int{155, 29, 32}   // Deep red
	colorHigh      = [3]int{231, 76, 60}   // Red
	colorMedium    = [3]int{241, 196, 15}  // Yellow
	colorLow       = [3]int{52, 152, 219}  // Blue
	colorInfo      = [3]int{127, 140, 141} // Gray
	colorVerified  = [3]int{46, 204, 113}  // Green
	colorTextDark  = [3]int{44, 62, 80}
	colorTextMuted = [3]int{127, 140, 141}
	colorTableAlt  = [3]int{241, 245, 249}
	colorGridLine  = [3]int{220, 220, 220}
)

func severityColor(s models.Severity) [3]int {
	switch s {
	case models.SeverityCritical:
		return colorCritical
	case models.SeverityHigh:
		return colorHigh
	case models.SeverityMedium:
		return colorMedium
	case models.SeverityLow:
		return colorLow
	}
	return colorInfo
}

// PDFGenerator renders audit reports.
type PDFGenerator struct{}

// NewPDFGenerator creates a new PDF generator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate renders the audit result as a PDF document.
func (g *PDFGenerator) Generate(sess *models.AuditSession, result *orchestrator.Result) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	g.writeCoverPage(pdf, sess, result)

	pdf.AddPage()
	g.addPageHeader(pdf, sess, "Summary")
	g.writeSummary(pdf, result)
	g.writeFindingsTable(pdf, sess, result)

	g.writeFindingDetails(pdf, sess, result)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *PDFGenerator) writeCoverPage(pdf *fpdf.Fpdf, sess *models.AuditSession, result *orchestrator.Result) {
	pdf.AddPage()
	pageWidth, pageHeight := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(50)
	pdf.SetFont("Arial", "B", 32)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 15, "AUDITCORE", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 8, "Security Audit Report", "", 1, "C", false, 0, "")

	pdf.SetY(110)
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 7, "PROJECT", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, sess.ProjectID, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 7, fmt.Sprintf("%s audit - %s", sess.Mode, result.Status), "", 1, "C", false, 0, "")

	// Headline counters
	pdf.SetY(160)
	colWidth := (pageWidth - 40) / 3
	pdf.SetFont("Arial", "B", 26)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.SetX(20)
	pdf.CellFormat(colWidth, 12, fmt.Sprintf("%d", result.Stats.FindingsDetected), "", 0, "C", false, 0, "")
	pdf.SetTextColor(colorVerified[0], colorVerified[1], colorVerified[2])
	pdf.CellFormat(colWidth, 12, fmt.Sprintf("%d", result.Stats.VerifiedVulnerabilities), "", 0, "C", false, 0, "")
	pdf.SetTextColor(colorCritical[0], colorCritical[1], colorCritical[2])
	pdf.CellFormat(colWidth, 12, fmt.Sprintf("%d", result.SeverityCounts[models.SeverityCritical]+result.SeverityCounts[models.SeverityHigh]), "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.SetX(20)
	pdf.CellFormat(colWidth, 6, "findings", "", 0, "C", false, 0, "")
	pdf.CellFormat(colWidth, 6, "verified", "", 0, "C", false, 0, "")
	pdf.CellFormat(colWidth, 6, "critical / high", "", 1, "C", false, 0, "")

	pdf.SetY(pageHeight - 50)
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 at 15:04 MST")), "", 1, "C", false, 0, "")
	if sess.StartedAt != nil && sess.CompletedAt != nil {
		pdf.CellFormat(0, 6, fmt.Sprintf("Audit duration: %s", sess.CompletedAt.Sub(*sess.StartedAt).Round(time.Second)), "", 1, "C", false, 0, "")
	}

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, pageHeight-8, pageWidth, 8, "F")
}

func (g *PDFGenerator) addPageHeader(pdf *fpdf.Fpdf, sess *models.AuditSession, section string) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetDrawColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetLineWidth(0.5)
	pdf.Line(20, 15, pageWidth-20, 15)

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 5, "AUDITCORE SECURITY REPORT", "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, sess.ProjectID, "", 1, "R", false, 0, "")

	pdf.SetY(30)
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, section, "", 1, "L", false, 0, "")
	pdf.Ln(5)
}

func (g *PDFGenerator) writeSummary(pdf *fpdf.Fpdf, result *orchestrator.Result) {
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.MultiCell(0, 6, result.Summary, "", "L", false)
	pdf.Ln(4)

	// Severity distribution bar
	severities := []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow, models.SeverityInfo}
	colWidth := 34.0
	pdf.SetFont("Arial", "B", 9)
	for _, sev := range severities {
		c := severityColor(sev)
		pdf.SetFillColor(c[0], c[1], c[2])
		pdf.SetTextColor(255, 255, 255)
		pdf.CellFormat(colWidth, 7, string(sev), "0", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	for _, sev := range severities {
		pdf.CellFormat(colWidth, 9, fmt.Sprintf("%d", result.SeverityCounts[sev]), "0", 0, "C", false, 0, "")
	}
	pdf.Ln(12)
}

func (g *PDFGenerator) writeFindingsTable(pdf *fpdf.Fpdf, sess *models.AuditSession, result *orchestrator.Result) {
	if len(result.Vulnerabilities) == 0 {
		pdf.SetFont("Arial", "I", 11)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 10, "No findings.", "", 1, "L", false, 0, "")
		return
	}

	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Findings", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	writeHeader := func() {
		pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
		pdf.SetTextColor(255, 255, 255)
		pdf.SetFont("Arial", "B", 8)
		pdf.CellFormat(18, 7, "Severity", "1", 0, "C", true, 0, "")
		pdf.CellFormat(72, 7, "Title", "1", 0, "L", true, 0, "")
		pdf.CellFormat(50, 7, "Location", "1", 0, "L", true, 0, "")
		pdf.CellFormat(15, 7, "Conf.", "1", 0, "C", true, 0, "")
		pdf.CellFormat(15, 7, "Status", "1", 1, "C", true, 0, "")
	}
	writeHeader()

	pdf.SetFont("Arial", "", 8)
	fill := false
	for _, f := range result.Vulnerabilities {
		if f.DuplicateOf != "" {
			continue
		}
		if pdf.GetY() > 260 {
			pdf.AddPage()
			g.addPageHeader(pdf, sess, "Findings (continued)")
			writeHeader()
			pdf.SetFont("Arial", "", 8)
			fill = false
		}

		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}

		c := severityColor(f.Severity)
		pdf.SetTextColor(c[0], c[1], c[2])
		pdf.SetFont("Arial", "B", 8)
		pdf.CellFormat(18, 6, string(f.Severity), "1", 0, "C", fill, 0, "")

		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(72, 6, clip(f.Title, 50), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(50, 6, clip(fmt.Sprintf("%s:%d", f.FilePath, f.LineNumber), 34), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(15, 6, fmt.Sprintf("%.2f", f.Confidence), "1", 0, "C", fill, 0, "")

		status, statusColor := findingStatus(f)
		pdf.SetTextColor(statusColor[0], statusColor[1], statusColor[2])
		pdf.CellFormat(15, 6, status, "1", 1, "C", fill, 0, "")

		fill = !fill
	}
	pdf.Ln(5)
}

func (g *PDFGenerator) writeFindingDetails(pdf *fpdf.Fpdf, sess *models.AuditSession, result *orchestrator.Result) {
	wrote := false
	for _, f := range result.Vulnerabilities {
		if f.DuplicateOf != "" {
			continue
		}
		if !wrote || pdf.GetY() > 220 {
			pdf.AddPage()
			g.addPageHeader(pdf, sess, "Finding Details")
			wrote = true
		}

		c := severityColor(f.Severity)
		pdf.SetFillColor(c[0], c[1], c[2])
		pdf.Rect(20, pdf.GetY(), 3, 8, "F")
		pdf.SetX(26)
		pdf.SetFont("Arial", "B", 12)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(0, 8, clip(f.Title, 70), "", 1, "L", false, 0, "")

		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		meta := fmt.Sprintf("%s | %s:%d | confidence %.2f", f.VulnType, f.FilePath, f.LineNumber, f.Confidence)
		if len(f.References) > 0 {
			meta += " | " + f.References[0].ID
		}
		pdf.CellFormat(0, 5, meta, "", 1, "L", false, 0, "")
		pdf.Ln(1)

		if f.Description != "" {
			pdf.SetFont("Arial", "", 9)
			pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
			pdf.MultiCell(0, 5, clip(f.Description, 900), "", "L", false)
		}
		if f.Remediation != "" {
			pdf.SetFont("Arial", "B", 9)
			pdf.CellFormat(0, 6, "Remediation", "", 1, "L", false, 0, "")
			pdf.SetFont("Arial", "", 9)
			pdf.MultiCell(0, 5, clip(f.Remediation, 600), "", "L", false)
		}

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.Line(20, pdf.GetY()+3, 190, pdf.GetY()+3)
		pdf.SetY(pdf.GetY() + 7)
	}
}

func findingStatus(f models.Finding) (string, [3]int) {
	switch {
	case f.Verified:
		return "verified", colorVerified
	case f.IsFalsePositive:
		return "FP", colorInfo
	case f.NeedsReview:
		return "review", colorMedium
	}
	return "open", colorTextMuted
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
