// Package export renders match reports with their transcripts to various formats.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/gosimple/slug"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/scenario"
)

// Format represents an export format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatJSON     Format = "json"
)

// Document is a match report together with the session it summarizes.
type Document struct {
	Report  *core.MatchReport  `json:"report"`
	Session *core.SessionState `json:"session"`
}

// Exporter defines the interface for exporting match reports.
type Exporter interface {
	Export(doc *Document, w io.Writer) error
	FileExtension() string
	ContentType() string
}

// GetExporter returns an exporter for the given format.
func GetExporter(format Format) (Exporter, error) {
	switch format {
	case FormatMarkdown, "md":
		return &MarkdownExporter{}, nil
	case FormatPDF:
		return &PDFExporter{}, nil
	case FormatJSON:
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// GenerateFilename creates a filename for the export.
func GenerateFilename(doc *Document, ext string) string {
	names := "match"
	if s := doc.Session; s != nil && s.UserAgent != nil && s.Opponent != nil {
		names = s.UserAgent.DisplayName + " and " + s.Opponent.DisplayName
	}
	name := slug.Make(names)
	if len(name) > 50 {
		name = name[:50]
	}

	timestamp := doc.Report.CreatedAt.Format("20060102")
	return fmt.Sprintf("report_%s_%s.%s", timestamp, name, ext)
}

// agentName returns the display name for a side of the session.
func (d *Document) agentName(role core.Role) string {
	var agent *core.Agent
	if d.Session != nil {
		agent = d.Session.UserAgent
		if role == core.RoleSideB {
			agent = d.Session.Opponent
		}
	}
	if agent == nil {
		if role == core.RoleSideB {
			return "Opponent"
		}
		return "You"
	}
	return agent.DisplayName
}

func formatAgent(agent *core.Agent) string {
	if agent == nil {
		return "unknown"
	}
	if agent.MBTI == "" {
		return agent.DisplayName
	}
	return fmt.Sprintf("%s (%s)", agent.DisplayName, agent.MBTI)
}

func roundTitle(r *core.Round) string {
	title := scenario.Label(r.Scenario)
	if r.Score != nil {
		title = fmt.Sprintf("%s (%d/100)", title, *r.Score)
	}
	return title
}

func formatDuration(start, end time.Time) string {
	d := end.Sub(start)
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	return fmt.Sprintf("%.1f hours", d.Hours())
}
