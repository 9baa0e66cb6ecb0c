package export

import (
	"fmt"
	"io"
	"strings"
)

// MarkdownExporter exports reports to Markdown format.
type MarkdownExporter struct{}

// Export writes the report as Markdown.
func (e *MarkdownExporter) Export(doc *Document, w io.Writer) error {
	var sb strings.Builder
	report := doc.Report

	sb.WriteString(fmt.Sprintf("# %s\n\n", report.Recommendation))

	sb.WriteString("## Match Information\n\n")
	sb.WriteString(fmt.Sprintf("- **Report:** `%s`\n", report.ID))
	sb.WriteString(fmt.Sprintf("- **Session:** `%s`\n", report.SessionID))
	if report.TournamentID != "" {
		sb.WriteString(fmt.Sprintf("- **Tournament:** `%s`\n", report.TournamentID))
	}
	sb.WriteString(fmt.Sprintf("- **Compatibility:** %.1f%%\n", report.CompatibilityScore))
	sb.WriteString(fmt.Sprintf("- **Created:** %s\n", report.CreatedAt.Format("January 2, 2006 at 3:04 PM")))
	if s := doc.Session; s != nil && s.Session.StartedAt != nil && s.Session.FinishedAt != nil {
		sb.WriteString(fmt.Sprintf("- **Duration:** %s\n", formatDuration(*s.Session.StartedAt, *s.Session.FinishedAt)))
	}
	sb.WriteString("\n")

	if d := report.DimensionScores; d != nil {
		sb.WriteString("## Dimensions\n\n")
		sb.WriteString("| Humor | Depth | Resonance | Compatibility |\n")
		sb.WriteString("|-------|-------|-----------|---------------|\n")
		sb.WriteString(fmt.Sprintf("| %d | %d | %d | %d |\n\n", d.Humor, d.Depth, d.Resonance, d.Compatibility))
	}

	if doc.Session == nil {
		sb.WriteString("*No transcript recorded.*\n\n")
	} else {
		sb.WriteString("## Participants\n\n")
		sb.WriteString(fmt.Sprintf("- **You:** %s\n", formatAgent(doc.Session.UserAgent)))
		sb.WriteString(fmt.Sprintf("- **Match:** %s\n\n", formatAgent(doc.Session.Opponent)))

		sb.WriteString("## Conversation\n\n")
		for _, rs := range doc.Session.Rounds {
			sb.WriteString(fmt.Sprintf("### %s\n\n", roundTitle(rs.Round)))
			if rs.Round.ScoreReason != "" {
				sb.WriteString(fmt.Sprintf("> %s\n\n", rs.Round.ScoreReason))
			}
			for _, m := range rs.Messages {
				sb.WriteString(fmt.Sprintf("**%s:** %s\n\n", doc.agentName(m.Role), m.Content))
			}
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("*Exported from soulsync*\n")

	_, err := w.Write([]byte(sb.String()))
	return err
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return "md"
}

// ContentType returns the MIME type for Markdown.
func (e *MarkdownExporter) ContentType() string {
	return "text/markdown; charset=utf-8"
}
