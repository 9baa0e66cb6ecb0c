// Package provider contains the text completion abstraction used to voice
// agents and judge conversations.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TurnRole is the speaker of a prior turn, from the generating agent's view.
type TurnRole string

const (
	RoleAssistant TurnRole = "assistant"
	RoleUser      TurnRole = "user"
)

// Turn is one prior utterance passed to the completion service.
type Turn struct {
	Role    TurnRole
	Content string
}

// Request is a single completion call.
type Request struct {
	System string
	Turns  []Turn

	// Zero values and a nil Temperature fall back to the provider defaults.
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Temperature returns t as a request temperature.
func Temperature(t float64) *float64 {
	return &t
}

// Completer turns a system prompt and transcript into one reply.
type Completer interface {
	// Name returns the provider's identifier.
	Name() string

	// Complete returns the generated text. Failures are returned, never swallowed.
	Complete(ctx context.Context, req Request) (string, error)
}

// HealthStatus is the outcome of a provider health probe.
type HealthStatus struct {
	Available    bool          `json:"available"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// HealthChecker is implemented by providers that can be probed cheaply.
type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthStatus
}

// Registry manages named completion providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Completer
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Completer),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Completer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Completer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
