package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/judge"
	"github.com/alienxp03/soulsync/internal/storage"
)

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  any
}

// Projector turns stored state into frames a reader has not seen yet.
type Projector interface {
	// Poll returns the new frames since the previous poll.
	Poll(ctx context.Context) ([]Frame, error)
	// Done reports whether the stream has ended.
	Done() bool
}

// cursor remembers what a reader has been sent.
type cursor struct {
	lastSeq  int64
	messages map[string]bool
	rounds   map[string]bool
	done     bool
}

func newCursor() cursor {
	return cursor{messages: make(map[string]bool), rounds: make(map[string]bool)}
}

// events returns log entries after the cursor and advances it.
func (c *cursor) events(store storage.Storage, streamID string) ([]Frame, error) {
	events, err := store.ListEvents(streamID, c.lastSeq)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(events))
	for _, ev := range events {
		frames = append(frames, Frame{Event: ev.Name, Data: ev.Data})
		c.lastSeq = ev.Seq
	}
	return frames, nil
}

// ErrorFrame is the payload of an error frame.
type ErrorFrame struct {
	Message string `json:"message"`
}

// CandidateMessage is a transcript line of one candidate's session.
type CandidateMessage struct {
	CandidateID string        `json:"candidateId"`
	DisplayName string        `json:"displayName"`
	SessionID   string        `json:"sessionId"`
	Scenario    core.Scenario `json:"scenario"`
	MessageID   string        `json:"messageId"`
	Role        core.Role     `json:"role"`
	Content     string        `json:"content"`
	Seq         int           `json:"seq"`
}

// CandidateRound is a finished round of one candidate's session.
type CandidateRound struct {
	CandidateID string                `json:"candidateId"`
	DisplayName string                `json:"displayName"`
	SessionID   string                `json:"sessionId"`
	RoundID     string                `json:"roundId"`
	Scenario    core.Scenario         `json:"scenario"`
	Score       *int                  `json:"score"`
	ScoreReason string                `json:"scoreReason"`
	ScoreDetail *core.DimensionScores `json:"scoreDetail"`
	Result      core.RoundResult      `json:"result"`
}

// FinalRanking is one row of the closing tournament frame.
type FinalRanking struct {
	Rank        int                  `json:"rank"`
	CandidateID string               `json:"candidateId"`
	DisplayName string               `json:"displayName"`
	MBTI        string               `json:"mbti"`
	TotalScore  int                  `json:"totalScore"`
	Status      core.CandidateStatus `json:"status"`
}

// TournamentDone closes a tournament stream.
type TournamentDone struct {
	Status   core.TournamentStatus `json:"status"`
	WinnerID string                `json:"winnerId,omitempty"`
	Rankings []FinalRanking        `json:"rankings"`
}

// TournamentProjector follows one tournament.
type TournamentProjector struct {
	store  storage.Storage
	id     string
	userID string
	cursor cursor
}

// NewTournamentProjector creates a projector. A non-empty userID restricts
// the stream to that user's tournament.
func NewTournamentProjector(store storage.Storage, tournamentID, userID string) *TournamentProjector {
	return &TournamentProjector{store: store, id: tournamentID, userID: userID, cursor: newCursor()}
}

// Done reports whether the closing frame has been produced.
func (p *TournamentProjector) Done() bool { return p.cursor.done }

// Poll returns new log events, then unseen messages and finished rounds in
// candidate, round and seq order, then the closing frame once terminal.
func (p *TournamentProjector) Poll(ctx context.Context) ([]Frame, error) {
	if p.cursor.done {
		return nil, nil
	}

	state, err := p.store.GetTournamentState(p.id)
	if err != nil {
		return nil, fmt.Errorf("failed to load tournament: %w", err)
	}
	if state == nil || (p.userID != "" && state.Tournament.UserID != p.userID) {
		p.cursor.done = true
		return []Frame{{Event: "error", Data: ErrorFrame{Message: "tournament not found"}}}, nil
	}

	logged, err := p.cursor.events(p.store, p.id)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(logged))
	for _, f := range logged {
		if f.Event == "candidate_round" {
			if id := loggedRoundID(f.Data); id != "" {
				if p.cursor.rounds[id] {
					continue
				}
				p.cursor.rounds[id] = true
			}
		}
		frames = append(frames, f)
	}
	terminal := state.Tournament.Status.IsTerminal()

	for _, cs := range state.Candidates {
		if cs.Session == nil {
			continue
		}
		name := candidateName(cs)
		for _, rs := range cs.Session.Rounds {
			for _, m := range rs.Messages {
				if p.cursor.messages[m.ID] {
					continue
				}
				p.cursor.messages[m.ID] = true
				frames = append(frames, Frame{Event: "candidate_message", Data: CandidateMessage{
					CandidateID: cs.Candidate.ID,
					DisplayName: name,
					SessionID:   cs.Session.Session.ID,
					Scenario:    rs.Round.Scenario,
					MessageID:   m.ID,
					Role:        m.Role,
					Content:     m.Content,
					Seq:         m.Seq,
				}})
			}

			r := rs.Round
			if r.Result == core.RoundPending || p.cursor.rounds[r.ID] {
				continue
			}
			// Dialogue rounds are scored on dimensions after they finish.
			if r.ScoreDetail == nil && !terminal {
				continue
			}
			p.cursor.rounds[r.ID] = true
			score := r.Score
			if r.ScoreDetail != nil {
				weighted := judge.Weighted(r.Scenario, *r.ScoreDetail)
				score = &weighted
			}
			frames = append(frames, Frame{Event: "candidate_round", Data: CandidateRound{
				CandidateID: cs.Candidate.ID,
				DisplayName: name,
				SessionID:   cs.Session.Session.ID,
				RoundID:     r.ID,
				Scenario:    r.Scenario,
				Score:       score,
				ScoreReason: r.ScoreReason,
				ScoreDetail: r.ScoreDetail,
				Result:      r.Result,
			}})
		}
	}

	if terminal {
		p.cursor.done = true
		frames = append(frames, Frame{Event: "done", Data: finalRankings(state)})
	}
	return frames, nil
}

// loggedRoundID reads the round id of a logged candidate_round event.
func loggedRoundID(data any) string {
	raw, ok := data.(json.RawMessage)
	if !ok {
		return ""
	}
	var ev struct {
		RoundID string `json:"roundId"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ""
	}
	return ev.RoundID
}

func finalRankings(state *core.TournamentState) TournamentDone {
	ranked := slices.Clone(state.Candidates)
	slices.SortStableFunc(ranked, func(a, b *core.CandidateState) int {
		return b.Candidate.TotalScore - a.Candidate.TotalScore
	})

	rankings := make([]FinalRanking, 0, len(ranked))
	for i, cs := range ranked {
		var mbti string
		if cs.Agent != nil {
			mbti = cs.Agent.MBTI
		}
		rankings = append(rankings, FinalRanking{
			Rank:        i + 1,
			CandidateID: cs.Candidate.ID,
			DisplayName: candidateName(cs),
			MBTI:        mbti,
			TotalScore:  cs.Candidate.TotalScore,
			Status:      cs.Candidate.Status,
		})
	}
	return TournamentDone{Status: state.Tournament.Status, WinnerID: state.Tournament.WinnerID, Rankings: rankings}
}

func candidateName(cs *core.CandidateState) string {
	if cs.Agent != nil {
		return cs.Agent.DisplayName
	}
	return cs.Candidate.AgentID
}

// SessionMessage is a transcript line of a session.
type SessionMessage struct {
	MessageID string        `json:"messageId"`
	RoundID   string        `json:"roundId"`
	Scenario  core.Scenario `json:"scenario"`
	Role      core.Role     `json:"role"`
	Content   string        `json:"content"`
	Seq       int           `json:"seq"`
}

// SessionRound is a finished round of a session.
type SessionRound struct {
	RoundID     string                `json:"roundId"`
	Scenario    core.Scenario         `json:"scenario"`
	Score       *int                  `json:"score"`
	ScoreReason string                `json:"scoreReason"`
	ScoreDetail *core.DimensionScores `json:"scoreDetail,omitempty"`
	Result      core.RoundResult      `json:"result"`
	RoundCount  int                   `json:"roundCount"`
}

// SessionDone closes a session stream.
type SessionDone struct {
	Status          core.SessionStatus `json:"status"`
	OverallScore    *float64           `json:"overallScore"`
	Matched         *bool              `json:"matched"`
	TerminateReason string             `json:"terminateReason"`
}

// SessionProjector follows one conversation session.
type SessionProjector struct {
	store  storage.Storage
	id     string
	userID string
	cursor cursor
}

// NewSessionProjector creates a projector. A non-empty userID restricts the
// stream to that user's session.
func NewSessionProjector(store storage.Storage, sessionID, userID string) *SessionProjector {
	return &SessionProjector{store: store, id: sessionID, userID: userID, cursor: newCursor()}
}

// Done reports whether the closing frame has been produced.
func (p *SessionProjector) Done() bool { return p.cursor.done }

// Poll returns new log events, unseen messages, finished rounds and the
// closing frame once the session is terminal.
func (p *SessionProjector) Poll(ctx context.Context) ([]Frame, error) {
	if p.cursor.done {
		return nil, nil
	}

	state, err := p.store.GetSessionState(p.id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if state == nil || (p.userID != "" && state.Session.UserID != p.userID) {
		p.cursor.done = true
		return []Frame{{Event: "error", Data: ErrorFrame{Message: "session not found"}}}, nil
	}

	frames, err := p.cursor.events(p.store, p.id)
	if err != nil {
		return nil, err
	}

	for _, rs := range state.Rounds {
		r := rs.Round
		for _, m := range rs.Messages {
			if p.cursor.messages[m.ID] {
				continue
			}
			p.cursor.messages[m.ID] = true
			frames = append(frames, Frame{Event: "message", Data: SessionMessage{
				MessageID: m.ID,
				RoundID:   r.ID,
				Scenario:  r.Scenario,
				Role:      m.Role,
				Content:   m.Content,
				Seq:       m.Seq,
			}})
		}

		if r.Result == core.RoundPending || p.cursor.rounds[r.ID] {
			continue
		}
		p.cursor.rounds[r.ID] = true
		frames = append(frames, Frame{Event: "round", Data: SessionRound{
			RoundID:     r.ID,
			Scenario:    r.Scenario,
			Score:       r.Score,
			ScoreReason: r.ScoreReason,
			ScoreDetail: r.ScoreDetail,
			Result:      r.Result,
			RoundCount:  r.RoundCount,
		}})
	}

	s := state.Session
	if s.Status.IsTerminal() {
		p.cursor.done = true
		frames = append(frames, Frame{Event: "done", Data: SessionDone{
			Status:          s.Status,
			OverallScore:    s.OverallScore,
			Matched:         s.Matched,
			TerminateReason: s.TerminateReason,
		}})
	}
	return frames, nil
}

// MarshalData returns the frame payload as JSON. Raw log payloads pass through.
func (f Frame) MarshalData() ([]byte, error) {
	if raw, ok := f.Data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(f.Data)
}
