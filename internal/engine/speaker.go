package engine

import (
	"context"
	"fmt"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/provider"
	"github.com/alienxp03/soulsync/internal/scenario"
	"github.com/alienxp03/soulsync/internal/secondme"
)

// SpeakRequest is everything a speaker may condition one utterance on.
type SpeakRequest struct {
	Definition scenario.Definition
	Agent      *core.Agent
	Side       core.Role
	Turn       int
	Transcript []*core.Message
}

// Speaker produces one side's next utterance.
type Speaker interface {
	Speak(ctx context.Context, req SpeakRequest) (string, error)
}

// Chatter is the streaming persona chat service. secondme.Client implements it.
type Chatter interface {
	Chat(ctx context.Context, token, message string, opts secondme.ChatOptions) (secondme.ChatReply, error)
}

// CompletionSpeaker roleplays an agent's persona through the completion service.
type CompletionSpeaker struct {
	completer   provider.Completer
	temperature *float64
	maxTokens   int
}

// NewCompletionSpeaker creates a persona roleplay speaker. A nil temperature
// and zero max tokens use the provider defaults.
func NewCompletionSpeaker(completer provider.Completer, temperature *float64, maxTokens int) *CompletionSpeaker {
	return &CompletionSpeaker{completer: completer, temperature: temperature, maxTokens: maxTokens}
}

// Speak relabels the transcript from the speaker's side and asks for the next line.
func (s *CompletionSpeaker) Speak(ctx context.Context, req SpeakRequest) (string, error) {
	turns := make([]provider.Turn, 0, len(req.Transcript))
	for _, m := range req.Transcript {
		role := provider.RoleUser
		if m.Role == req.Side {
			role = provider.RoleAssistant
		}
		turns = append(turns, provider.Turn{Role: role, Content: m.Content})
	}

	reply, err := s.completer.Complete(ctx, provider.Request{
		System:      scenario.SpeakerSystemPrompt(req.Agent.PromptPersona, req.Definition),
		Turns:       turns,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("completion for %s failed: %w", req.Agent.ID, err)
	}
	return reply, nil
}

// LiveSpeaker voices a side through its owner's live chat twin. It keeps the
// chat continuation handle across turns, so use one per side per round.
type LiveSpeaker struct {
	chatter   Chatter
	token     string
	sessionID string
}

// NewLiveSpeaker creates a live speaker authorized by token.
func NewLiveSpeaker(chatter Chatter, token string) *LiveSpeaker {
	return &LiveSpeaker{chatter: chatter, token: token}
}

// Speak sends the framing prompt on the first turn and the other side's last line afterwards.
func (s *LiveSpeaker) Speak(ctx context.Context, req SpeakRequest) (string, error) {
	var last string
	if n := len(req.Transcript); n > 0 {
		last = req.Transcript[n-1].Content
	}

	message := last
	opts := secondme.ChatOptions{SessionID: s.sessionID}
	if req.Turn == 0 {
		opts.SystemPrompt = scenario.LiveSystemPrompt(req.Definition)
		if req.Side == core.RoleSideA {
			message = scenario.LiveOpeningPrompt(req.Definition)
		} else {
			message = scenario.LiveReplyPrompt(req.Definition, last)
		}
	}

	reply, err := s.chatter.Chat(ctx, s.token, message, opts)
	if err != nil {
		return "", fmt.Errorf("live chat for %s failed: %w", req.Side, err)
	}
	if reply.SessionID != "" {
		s.sessionID = reply.SessionID
	}
	return reply.Reply, nil
}
