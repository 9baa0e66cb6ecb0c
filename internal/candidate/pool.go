// Package candidate selects opponents for a user's agent from registered
// users, the public directory and the built-in seeds, in that order.
package candidate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/persona"
	"github.com/alienxp03/soulsync/internal/secondme"
)

// BookAgentPrefix prefixes agent ids created from directory profiles.
const BookAgentPrefix = "book_"

// PoolCandidate is one selected opponent.
type PoolCandidate struct {
	AgentID string
	Source  core.AgentSource
	UserID  string

	// LiveToken is set for registered users with a valid live chat token.
	// It never leaves the server.
	LiveToken string `json:"-"`
}

// Store is the persistence the pool needs.
type Store interface {
	ListMatchableUsers(excludeUserID string, limit int) ([]*core.User, error)
	UpsertAgent(agent *core.Agent) error
	ListAgents(source core.AgentSource) ([]*core.Agent, error)
}

// Directory lists public profiles to fill the pool.
type Directory interface {
	BookUsers(ctx context.Context, token string, count int) ([]secondme.BookUser, error)
	BookUserDetail(ctx context.Context, token, userID string) (secondme.BookUser, error)
}

// Pool selects candidates layer by layer. A failing layer is logged and skipped.
type Pool struct {
	store     Store
	tokens    secondme.TokenSource
	directory Directory
	shuffle   func(agents []*core.Agent)
}

// NewPool creates a pool. A nil directory skips the directory layer.
func NewPool(store Store, tokens secondme.TokenSource, directory Directory) *Pool {
	if tokens == nil {
		tokens = secondme.NoTokens{}
	}
	return &Pool{
		store:     store,
		tokens:    tokens,
		directory: directory,
		shuffle: func(agents []*core.Agent) {
			rand.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })
		},
	}
}

// SelectCandidates returns up to count distinct opponents for userID.
// userToken authorizes directory lookups and may be empty.
func (p *Pool) SelectCandidates(ctx context.Context, userID, userToken string, count int) []PoolCandidate {
	if count <= 0 {
		return nil
	}

	var result []PoolCandidate
	chosen := make(map[string]bool)
	add := func(c PoolCandidate) {
		chosen[c.AgentID] = true
		result = append(result, c)
	}

	p.addRegistered(ctx, userID, count, chosen, add)

	if len(result) < count {
		p.addDirectory(ctx, userToken, count-len(result), chosen, add)
	}

	if len(result) < count {
		p.addSeeds(count-len(result), chosen, add)
	}

	slog.Debug("Candidates selected",
		"user_id", userID,
		"requested", count,
		"selected", len(result))
	return result
}

func (p *Pool) addRegistered(ctx context.Context, userID string, count int, chosen map[string]bool, add func(PoolCandidate)) {
	users, err := p.store.ListMatchableUsers(userID, count*2)
	if err != nil {
		slog.Error("Failed to query registered users", "error", err)
		return
	}

	added := 0
	for _, u := range users {
		if added >= count {
			break
		}
		if u.AgentID == "" || chosen[u.AgentID] {
			continue
		}
		token := p.tokens.ValidToken(ctx, u.ID)
		if token == "" {
			continue
		}
		add(PoolCandidate{AgentID: u.AgentID, Source: core.SourceRegistered, UserID: u.ID, LiveToken: token})
		added++
	}
}

func (p *Pool) addDirectory(ctx context.Context, userToken string, needed int, chosen map[string]bool, add func(PoolCandidate)) {
	if p.directory == nil || userToken == "" {
		return
	}

	users, err := p.directory.BookUsers(ctx, userToken, needed+5)
	if err != nil {
		slog.Error("Failed to fetch directory users", "error", err)
		return
	}

	added := 0
	for _, bu := range users {
		if added >= needed {
			break
		}
		agentID := BookAgentPrefix + bu.ID
		if chosen[agentID] {
			continue
		}

		detail, err := p.directory.BookUserDetail(ctx, userToken, bu.ID)
		if err != nil {
			slog.Error("Failed to fetch directory profile", "book_user_id", bu.ID, "error", err)
			return
		}

		agent := &core.Agent{
			ID:            agentID,
			DisplayName:   detail.Nickname,
			PromptPersona: persona.BuildPersonaFromBio(detail.Nickname, detail.Bio, detail.SelfIntroduction),
			MBTI:          persona.ExtractMBTI(detail.Bio),
			Source:        core.SourceBook,
			AvatarURL:     detail.Avatar,
			CreatedAt:     time.Now(),
		}
		if err := p.store.UpsertAgent(agent); err != nil {
			slog.Error("Failed to upsert directory agent", "agent_id", agentID, "error", err)
			return
		}

		add(PoolCandidate{AgentID: agentID, Source: core.SourceBook})
		added++
	}
}

func (p *Pool) addSeeds(needed int, chosen map[string]bool, add func(PoolCandidate)) {
	seeds, err := p.store.ListAgents(core.SourceSeed)
	if err != nil {
		slog.Error("Failed to query seed agents", "error", err)
		return
	}

	var available []*core.Agent
	for _, s := range seeds {
		if !chosen[s.ID] {
			available = append(available, s)
		}
	}
	p.shuffle(available)

	for i := 0; i < needed && i < len(available); i++ {
		add(PoolCandidate{AgentID: available[i].ID, Source: core.SourceSeed})
	}
}

// EnsureSeeds stores the built-in seed personas so the last layer always has
// something to offer.
func EnsureSeeds(store Store) (int, error) {
	now := time.Now()
	seeds := persona.DefaultSeeds()
	for _, s := range seeds {
		agent := &core.Agent{
			ID:            s.ID,
			DisplayName:   s.DisplayName,
			PromptPersona: s.Prompt(),
			MBTI:          s.MBTI,
			Intent:        s.Intent,
			Source:        core.SourceSeed,
			CreatedAt:     now,
		}
		if err := store.UpsertAgent(agent); err != nil {
			return 0, fmt.Errorf("failed to seed agent %s: %w", s.ID, err)
		}
	}
	return len(seeds), nil
}
