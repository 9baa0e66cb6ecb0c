package scenario

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Line is one transcript entry as presented to the judge.
type Line struct {
	Role    string
	Content string
}

// JudgeSystemPrompt constrains the judge to a bare JSON answer.
const JudgeSystemPrompt = "You are a scoring judge. Output JSON only."

const singleJudgeTemplate = `You are a social matching judge. Read the following conversation between two agents in the "{{.Label}}" scenario.

Transcript:
{{.Transcript}}

Assess how well the two fit each other and output strict JSON (nothing else):
{"score": integer 0-100, "reason": "one-sentence verdict"}`

const multiDimJudgeTemplate = `You are a social matching judge. Read the following conversation between two agents in the "{{.Label}}" scenario.

Transcript:
{{.Transcript}}

Score how well the two fit each other on four dimensions, each 0-100:
1. humor (fun and playfulness): is the conversation fun, relaxed and witty
2. depth (thoughtfulness): does the conversation have depth and show real thinking
3. resonance (emotional connection): do the two sides connect and understand each other
4. compatibility (values and lifestyle fit): do their values and ways of living fit

Output strict JSON (nothing else):
{"humor": 0-100, "depth": 0-100, "resonance": 0-100, "compatibility": 0-100, "reason": "one-sentence overall verdict"}`

var (
	singleJudgeTmpl   = template.Must(template.New("single_judge").Parse(singleJudgeTemplate))
	multiDimJudgeTmpl = template.Must(template.New("multi_dim_judge").Parse(multiDimJudgeTemplate))
)

type judgeData struct {
	Label      string
	Transcript string
}

// FormatTranscript renders lines as "role: content", one per line.
func FormatTranscript(lines []Line) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, fmt.Sprintf("%s: %s", l.Role, l.Content))
	}
	return strings.Join(parts, "\n")
}

// SingleJudgePrompt builds the legacy one-score judge prompt.
func SingleJudgePrompt(label string, lines []Line) (string, error) {
	return render(singleJudgeTmpl, judgeData{Label: label, Transcript: FormatTranscript(lines)})
}

// MultiDimJudgePrompt builds the four-dimension judge prompt.
func MultiDimJudgePrompt(label string, lines []Line) (string, error) {
	return render(multiDimJudgeTmpl, judgeData{Label: label, Transcript: FormatTranscript(lines)})
}

// SpeakerSystemPrompt frames a persona for a roleplayed dialogue turn.
func SpeakerSystemPrompt(persona string, def Definition) string {
	return fmt.Sprintf("%s\nScenario: %s", persona, def.System)
}

// LiveSystemPrompt is sent to a live chat twin on its first turn only.
func LiveSystemPrompt(def Definition) string {
	return "Scenario: " + def.System
}

// LiveOpeningPrompt asks a live chat twin to open the conversation.
func LiveOpeningPrompt(def Definition) string {
	return fmt.Sprintf("You are taking part in a social matching event. Scenario: %s\nPlease start the conversation and show your true personality.", def.System)
}

// LiveReplyPrompt asks a live chat twin to answer the other side's opening line.
func LiveReplyPrompt(def Definition, opening string) string {
	return fmt.Sprintf("You are taking part in a social matching event. Scenario: %s\nThe other side said: %s\nPlease reply naturally.", def.System, opening)
}

// GameSystemPrompt frames a persona answering a game question on its own.
func GameSystemPrompt(persona string, def Definition) string {
	return fmt.Sprintf("%s\nScenario: %s\nAnswer the following question independently, without referring to anyone else's answer.", persona, def.System)
}

// GameQuestionPrompt renders one game question with its options.
func GameQuestionPrompt(q GameQuestion) string {
	return fmt.Sprintf("%s\nOptions: %s\nChoose one option and briefly explain why (2-3 sentences).", q.Question, strings.Join(q.Options, ", "))
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
