package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alienxp03/soulsync/internal/core"
)

func sampleDocument() *Document {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	started := created.Add(-3 * time.Minute)
	score := 78

	return &Document{
		Report: &core.MatchReport{
			ID:                 "report-0001-abcd",
			SessionID:          "session-1",
			UserID:             "user-1",
			CompatibilityScore: 78.5,
			DimensionScores:    &core.DimensionScores{Humor: 70, Depth: 82, Resonance: 75, Compatibility: 80},
			Recommendation:     "Overall compatibility 79%",
			CreatedAt:          created,
		},
		Session: &core.SessionState{
			Session: &core.Session{
				ID:         "session-1",
				UserID:     "user-1",
				Status:     core.SessionCompleted,
				StartedAt:  &started,
				FinishedAt: &created,
			},
			UserAgent: &core.Agent{ID: "me", DisplayName: "Ada Lovelace", MBTI: "INTJ"},
			Opponent:  &core.Agent{ID: "nova", DisplayName: "Nova “Star”", MBTI: "ENFP"},
			Rounds: []*core.RoundState{{
				Round: &core.Round{ID: "r1", Scenario: core.ScenarioIcebreak, Score: &score, ScoreReason: "easy rapport", Result: core.RoundPass},
				Messages: []*core.Message{
					{ID: "m0", Role: core.RoleSideA, Content: "Hi there", Seq: 0},
					{ID: "m1", Role: core.RoleSideB, Content: "Hello — nice to meet you…", Seq: 1},
				},
			}},
		},
	}
}

func TestGetExporter(t *testing.T) {
	tests := []struct {
		format Format
		ext    string
	}{
		{FormatMarkdown, "md"},
		{"md", "md"},
		{FormatJSON, "json"},
		{FormatPDF, "pdf"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			e, err := GetExporter(tt.format)
			if err != nil {
				t.Fatalf("GetExporter failed: %v", err)
			}
			if e.FileExtension() != tt.ext {
				t.Errorf("expected %s, got %s", tt.ext, e.FileExtension())
			}
		})
	}

	if _, err := GetExporter("docx"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestGenerateFilename(t *testing.T) {
	doc := sampleDocument()
	got := GenerateFilename(doc, "pdf")
	if got != "report_20260314_ada-lovelace-and-nova-star.pdf" {
		t.Errorf("unexpected filename: %s", got)
	}

	doc.Session = nil
	if got := GenerateFilename(doc, "md"); got != "report_20260314_match.md" {
		t.Errorf("unexpected fallback filename: %s", got)
	}
}

func TestMarkdownExporter(t *testing.T) {
	var buf bytes.Buffer
	if err := (&MarkdownExporter{}).Export(sampleDocument(), &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"# Overall compatibility 79%",
		"- **Compatibility:** 78.5%",
		"- **Duration:** 3 minutes",
		"| 70 | 82 | 75 | 80 |",
		"- **You:** Ada Lovelace (INTJ)",
		"### Icebreak: interests & taste (78/100)",
		"> easy rapport",
		"**Ada Lovelace:** Hi there",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected markdown to contain %q", want)
		}
	}
}

func TestJSONExporter(t *testing.T) {
	var buf bytes.Buffer
	if err := (&JSONExporter{}).Export(sampleDocument(), &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var decoded struct {
		Report  map[string]any `json:"report"`
		Session struct {
			Rounds []struct {
				Messages []map[string]any `json:"messages"`
			} `json:"rounds"`
		} `json:"session"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Report["compatibility_score"] != 78.5 {
		t.Errorf("unexpected report: %v", decoded.Report)
	}
	if len(decoded.Session.Rounds) != 1 || len(decoded.Session.Rounds[0].Messages) != 2 {
		t.Errorf("expected one round with two messages, got %+v", decoded.Session)
	}
}

func TestPDFExporter(t *testing.T) {
	var buf bytes.Buffer
	if err := (&PDFExporter{}).Export(sampleDocument(), &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Error("expected PDF header")
	}

	t.Run("without transcript", func(t *testing.T) {
		doc := sampleDocument()
		doc.Session = nil
		var buf bytes.Buffer
		if err := (&PDFExporter{}).Export(doc, &buf); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
	})
}

type fakeArchiveStore struct {
	state *core.SessionState
	urls  map[string]string
}

func (s *fakeArchiveStore) GetSessionState(id string) (*core.SessionState, error) {
	return s.state, nil
}

func (s *fakeArchiveStore) SetReportArchiveURL(id, url string) error {
	if s.urls == nil {
		s.urls = make(map[string]string)
	}
	s.urls[id] = url
	return nil
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (p *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.input = params
	p.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiver(t *testing.T) {
	doc := sampleDocument()
	store := &fakeArchiveStore{state: doc.Session}
	putter := &fakePutter{}

	archiver := NewArchiver(store, putter, "matches", "reports/")
	url, err := archiver.Archive(context.Background(), doc.Report)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	wantKey := "reports/report-0_report_20260314_ada-lovelace-and-nova-star.pdf"
	if *putter.input.Key != wantKey || *putter.input.Bucket != "matches" {
		t.Errorf("unexpected object %s/%s", *putter.input.Bucket, *putter.input.Key)
	}
	if *putter.input.ContentType != "application/pdf" || !bytes.HasPrefix(putter.body, []byte("%PDF-")) {
		t.Error("expected a PDF upload")
	}
	if url != "s3://matches/"+wantKey || store.urls[doc.Report.ID] != url || doc.Report.ArchiveURL != url {
		t.Errorf("archive url not recorded: %s", url)
	}

	t.Run("upload failure leaves the report unarchived", func(t *testing.T) {
		store := &fakeArchiveStore{state: doc.Session}
		archiver := NewArchiver(store, &fakePutter{err: errors.New("denied")}, "matches", "")
		archiver.ReportCreated(context.Background(), &core.MatchReport{ID: "r2", SessionID: "session-1", CreatedAt: time.Now()})
		if len(store.urls) != 0 {
			t.Errorf("expected no archive url, got %v", store.urls)
		}
	})
}
