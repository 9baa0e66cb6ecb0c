package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/alienxp03/soulsync/internal/scenario"
)

// MockProvider produces deterministic simulated replies for offline runs.
// Judge requests get a JSON verdict derived from a hash of the prompt.
type MockProvider struct {
	delay time.Duration
}

// NewMockProvider creates a mock provider that waits delay before answering.
func NewMockProvider(delay time.Duration) *MockProvider {
	return &MockProvider{delay: delay}
}

// Name returns the provider identifier.
func (p *MockProvider) Name() string { return "mock" }

// Complete returns a simulated reply.
func (p *MockProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.delay):
		}
	}

	prompt := lastContent(req.Turns)
	if req.System == scenario.JudgeSystemPrompt {
		return mockVerdict(prompt), nil
	}

	if prompt == "" {
		return fmt.Sprintf("Hi there! %s", truncate(firstLine(req.System), 60)), nil
	}
	return fmt.Sprintf("Interesting, you said %q. Tell me more.", truncate(prompt, 60)), nil
}

// HealthCheck always reports the mock as available.
func (p *MockProvider) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Available: true, CheckedAt: time.Now()}
}

func mockVerdict(prompt string) string {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	sum := h.Sum32()

	score := func(shift uint) int { return 50 + int((sum>>shift)%46) }
	if strings.Contains(prompt, `"humor"`) {
		return fmt.Sprintf(`{"humor": %d, "depth": %d, "resonance": %d, "compatibility": %d, "reason": "simulated verdict"}`,
			score(0), score(8), score(16), score(24))
	}
	return fmt.Sprintf(`{"score": %d, "reason": "simulated verdict"}`, score(0))
}

func lastContent(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Content
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
