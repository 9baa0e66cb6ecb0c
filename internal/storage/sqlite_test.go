package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alienxp03/soulsync/internal/core"
)

func setupTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "soulsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewSQLiteStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Initialize(); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	return store
}

func seedAgent(t *testing.T, store *SQLiteStorage, id string, source core.AgentSource) *core.Agent {
	t.Helper()
	agent := &core.Agent{
		ID:            id,
		DisplayName:   "Agent " + id,
		PromptPersona: "You are " + id,
		MBTI:          "INFP",
		Source:        source,
		CreatedAt:     time.Now(),
	}
	if err := store.UpsertAgent(agent); err != nil {
		t.Fatalf("failed to upsert agent: %v", err)
	}
	return agent
}

func seedSession(t *testing.T, store *SQLiteStorage, id, userAgent, opponent string) *core.Session {
	t.Helper()
	session := &core.Session{
		ID:              id,
		UserID:          "user-1",
		UserAgentID:     userAgent,
		OpponentAgentID: opponent,
		Status:          core.SessionQueued,
		CreatedAt:       time.Now(),
	}
	if err := store.CreateSession(session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func TestUsersAndAgents(t *testing.T) {
	store := setupTestStorage(t)
	now := time.Now()

	seedAgent(t, store, "agent-a", core.SourceRegistered)
	seedAgent(t, store, "agent-b", core.SourceRegistered)
	seedAgent(t, store, "seed_one", core.SourceSeed)

	users := []*core.User{
		{ID: "u1", DisplayName: "Requester", AgentID: "agent-a", Matchable: true, LastActiveAt: now, CreatedAt: now},
		{ID: "u2", DisplayName: "Other", AgentID: "agent-b", Matchable: true, LastActiveAt: now.Add(time.Minute), CreatedAt: now},
		{ID: "u3", DisplayName: "Hidden", AgentID: "agent-b", Matchable: false, LastActiveAt: now, CreatedAt: now},
	}
	for _, u := range users {
		if err := store.UpsertUser(u); err != nil {
			t.Fatalf("failed to upsert user: %v", err)
		}
	}

	t.Run("GetUser", func(t *testing.T) {
		got, err := store.GetUser("u1")
		if err != nil {
			t.Fatalf("failed to get user: %v", err)
		}
		if got == nil || got.AgentID != "agent-a" {
			t.Fatalf("unexpected user: %+v", got)
		}

		missing, err := store.GetUser("nope")
		if err != nil || missing != nil {
			t.Errorf("expected nil user, got %+v (err %v)", missing, err)
		}
	})

	t.Run("UpdateUserTokens", func(t *testing.T) {
		expires := now.Add(time.Hour).Truncate(time.Second)
		if err := store.UpdateUserTokens("u2", "access", "refresh", expires); err != nil {
			t.Fatalf("failed to update tokens: %v", err)
		}
		got, _ := store.GetUser("u2")
		if got.AccessToken != "access" || got.RefreshToken != "refresh" {
			t.Errorf("tokens not stored: %+v", got)
		}
		if !got.TokenExpiresAt.Equal(expires) {
			t.Errorf("expiry mismatch: got %v, want %v", got.TokenExpiresAt, expires)
		}

		err := store.UpdateUserTokens("ghost", "a", "b", expires)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListMatchableUsers", func(t *testing.T) {
		got, err := store.ListMatchableUsers("u1", 10)
		if err != nil {
			t.Fatalf("failed to list users: %v", err)
		}
		if len(got) != 1 || got[0].ID != "u2" {
			t.Errorf("expected only u2, got %d users", len(got))
		}
	})

	t.Run("ListAgentsBySource", func(t *testing.T) {
		all, err := store.ListAgents("")
		if err != nil {
			t.Fatalf("failed to list agents: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 agents, got %d", len(all))
		}

		seeds, _ := store.ListAgents(core.SourceSeed)
		if len(seeds) != 1 || seeds[0].ID != "seed_one" {
			t.Errorf("expected seed_one only, got %d", len(seeds))
		}
	})

	t.Run("UpsertAgentOverwrites", func(t *testing.T) {
		agent := seedAgent(t, store, "seed_one", core.SourceSeed)
		agent.DisplayName = "Renamed"
		if err := store.UpsertAgent(agent); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
		got, _ := store.GetAgent("seed_one")
		if got.DisplayName != "Renamed" {
			t.Errorf("display name not updated: %s", got.DisplayName)
		}
	})
}

func TestSessionsRoundsMessages(t *testing.T) {
	store := setupTestStorage(t)
	seedAgent(t, store, "agent-a", core.SourceRegistered)
	seedAgent(t, store, "agent-b", core.SourceSeed)
	session := seedSession(t, store, "session-1", "agent-a", "agent-b")

	t.Run("UpdateSession", func(t *testing.T) {
		score := 72.5
		matched := true
		started := time.Now()
		session.Status = core.SessionCompleted
		session.OverallScore = &score
		session.Matched = &matched
		session.StartedAt = &started
		if err := store.UpdateSession(session); err != nil {
			t.Fatalf("failed to update session: %v", err)
		}

		got, err := store.GetSession(session.ID)
		if err != nil {
			t.Fatalf("failed to get session: %v", err)
		}
		if got.Status != core.SessionCompleted {
			t.Errorf("status mismatch: %s", got.Status)
		}
		if got.OverallScore == nil || *got.OverallScore != 72.5 {
			t.Errorf("overall score mismatch: %v", got.OverallScore)
		}
		if got.Matched == nil || !*got.Matched {
			t.Errorf("matched mismatch: %v", got.Matched)
		}
		if got.FinishedAt != nil {
			t.Errorf("expected nil finished_at")
		}
	})

	round := &core.Round{
		ID:         "round-1",
		SessionID:  session.ID,
		Scenario:   core.ScenarioIcebreak,
		Result:     core.RoundPending,
		RoundCount: 2,
		CreatedAt:  time.Now(),
	}
	if err := store.CreateRound(round); err != nil {
		t.Fatalf("failed to create round: %v", err)
	}

	t.Run("MessagesOrderedBySeq", func(t *testing.T) {
		for _, seq := range []int{2, 0, 3, 1} {
			role := core.RoleSideA
			if seq%2 == 1 {
				role = core.RoleSideB
			}
			msg := &core.Message{ID: core.GenerateID(), RoundID: round.ID, Role: role, Content: "hello", Seq: seq, CreatedAt: time.Now()}
			if err := store.AddMessage(msg); err != nil {
				t.Fatalf("failed to add message: %v", err)
			}
		}

		msgs, err := store.ListMessages(round.ID)
		if err != nil {
			t.Fatalf("failed to list messages: %v", err)
		}
		for i, m := range msgs {
			if m.Seq != i {
				t.Errorf("message %d has seq %d", i, m.Seq)
			}
		}
	})

	t.Run("DuplicateSeqRejected", func(t *testing.T) {
		dup := &core.Message{ID: core.GenerateID(), RoundID: round.ID, Role: core.RoleSideA, Content: "again", Seq: 0, CreatedAt: time.Now()}
		if err := store.AddMessage(dup); err == nil {
			t.Error("expected duplicate seq to fail")
		}
	})

	t.Run("FinalizeRoundOnce", func(t *testing.T) {
		score := 66
		round.Score = &score
		round.ScoreReason = "nice"
		round.Result = core.RoundPass
		if err := store.FinalizeRound(round); err != nil {
			t.Fatalf("failed to finalize: %v", err)
		}

		round.Result = core.RoundStopLowScore
		if err := store.FinalizeRound(round); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected second finalize to miss, got %v", err)
		}

		got, _ := store.GetRound(round.ID)
		if got.Result != core.RoundPass || got.Score == nil || *got.Score != 66 {
			t.Errorf("unexpected round: %+v", got)
		}
	})

	t.Run("SetRoundDetail", func(t *testing.T) {
		detail := core.DimensionScores{Humor: 70, Depth: 60, Resonance: 80, Compatibility: 90}
		if err := store.SetRoundDetail(round.ID, detail); err != nil {
			t.Fatalf("failed to set detail: %v", err)
		}
		got, _ := store.LatestRound(session.ID, core.ScenarioIcebreak)
		if got == nil || got.ScoreDetail == nil || *got.ScoreDetail != detail {
			t.Errorf("detail not stored: %+v", got)
		}
	})

	t.Run("LatestRoundMissing", func(t *testing.T) {
		got, err := store.LatestRound(session.ID, core.ScenarioGame)
		if err != nil || got != nil {
			t.Errorf("expected nil round, got %+v (err %v)", got, err)
		}
	})

	t.Run("GetSessionState", func(t *testing.T) {
		state, err := store.GetSessionState(session.ID)
		if err != nil {
			t.Fatalf("failed to get state: %v", err)
		}
		if state.UserAgent == nil || state.Opponent == nil {
			t.Fatal("expected both agents")
		}
		if len(state.Rounds) != 1 || len(state.Rounds[0].Messages) != 4 {
			t.Errorf("unexpected state shape: %d rounds", len(state.Rounds))
		}
	})
}

func TestTournaments(t *testing.T) {
	store := setupTestStorage(t)
	seedAgent(t, store, "agent-a", core.SourceRegistered)

	now := time.Now()
	tournament := &core.Tournament{
		ID:             "tour-1",
		UserID:         "user-1",
		UserAgentID:    "agent-a",
		CandidateCount: 3,
		Status:         core.TournamentPending,
		CreatedAt:      now,
	}
	var candidates []*core.Candidate
	for i, id := range []string{"c-2", "c-0", "c-1"} {
		agentID := "opp-" + id
		seedAgent(t, store, agentID, core.SourceSeed)
		candidates = append(candidates, &core.Candidate{
			ID:        id,
			AgentID:   agentID,
			Source:    core.SourceSeed,
			Position:  []int{2, 0, 1}[i],
			Status:    core.CandidateActive,
			CreatedAt: now,
		})
	}

	if err := store.CreateTournament(tournament, candidates); err != nil {
		t.Fatalf("failed to create tournament: %v", err)
	}

	t.Run("CandidatesByPosition", func(t *testing.T) {
		got, err := store.ListCandidates(tournament.ID)
		if err != nil {
			t.Fatalf("failed to list candidates: %v", err)
		}
		want := []string{"c-0", "c-1", "c-2"}
		for i, c := range got {
			if c.ID != want[i] {
				t.Errorf("position %d: got %s, want %s", i, c.ID, want[i])
			}
			if c.TournamentID != tournament.ID {
				t.Errorf("candidate %s not linked", c.ID)
			}
		}
	})

	t.Run("UpdateCandidate", func(t *testing.T) {
		session := seedSession(t, store, "s-c-0", "agent-a", "opp-c-0")
		c := candidates[1]
		c.SessionID = session.ID
		c.Status = core.CandidateEliminated
		c.TotalScore = 55
		c.EliminatedAtPhase = "Icebreak"
		c.Rank = 3
		if err := store.UpdateCandidate(c); err != nil {
			t.Fatalf("failed to update candidate: %v", err)
		}

		state, err := store.GetTournamentState(tournament.ID)
		if err != nil {
			t.Fatalf("failed to get tournament state: %v", err)
		}
		first := state.Candidates[0]
		if first.Candidate.Status != core.CandidateEliminated || first.Candidate.Rank != 3 {
			t.Errorf("candidate not updated: %+v", first.Candidate)
		}
		if first.Session == nil || first.Session.Session.ID != session.ID {
			t.Error("expected nested session state")
		}
		if first.Agent == nil || first.Agent.ID != "opp-c-0" {
			t.Error("expected nested agent")
		}
		if state.Candidates[1].Session != nil {
			t.Error("candidate without session should have nil session state")
		}
	})

	t.Run("SnapshotAndStatus", func(t *testing.T) {
		snap := &core.PhaseSnapshot{Event: "phase_start", Data: []byte(`{"phase":0}`), Timestamp: now}
		if err := store.SetTournamentSnapshot(tournament.ID, snap); err != nil {
			t.Fatalf("failed to set snapshot: %v", err)
		}

		finished := time.Now()
		tournament.Status = core.TournamentCompleted
		tournament.WinnerID = "opp-c-1"
		tournament.FinishedAt = &finished
		if err := store.UpdateTournament(tournament); err != nil {
			t.Fatalf("failed to update tournament: %v", err)
		}

		got, _ := store.GetTournament(tournament.ID)
		if got.CurrentPhase == nil || got.CurrentPhase.Event != "phase_start" {
			t.Errorf("snapshot missing: %+v", got.CurrentPhase)
		}
		if got.Status != core.TournamentCompleted || got.WinnerID != "opp-c-1" || got.FinishedAt == nil {
			t.Errorf("unexpected tournament: %+v", got)
		}
	})

	t.Run("MissingTournament", func(t *testing.T) {
		got, err := store.GetTournamentState("nope")
		if err != nil || got != nil {
			t.Errorf("expected nil state, got %+v (err %v)", got, err)
		}
	})
}

func TestReports(t *testing.T) {
	store := setupTestStorage(t)
	dims := &core.DimensionScores{Humor: 60, Depth: 70, Resonance: 80, Compatibility: 90}
	report := &core.MatchReport{
		ID:                 "report-1",
		SessionID:          "session-1",
		UserID:             "user-1",
		CompatibilityScore: 75,
		DimensionScores:    dims,
		Recommendation:     "Strong match",
		CreatedAt:          time.Now(),
	}
	if err := store.CreateReport(report); err != nil {
		t.Fatalf("failed to create report: %v", err)
	}

	if err := store.CreateReport(&core.MatchReport{ID: "report-2", SessionID: "session-1", UserID: "user-1", Recommendation: "dup", CreatedAt: time.Now()}); err == nil {
		t.Error("expected a second report for the same session to fail")
	}

	if err := store.SetReportArchiveURL(report.ID, "s3://bucket/report.pdf"); err != nil {
		t.Fatalf("failed to set archive url: %v", err)
	}

	got, err := store.GetReportBySession("session-1")
	if err != nil {
		t.Fatalf("failed to get report: %v", err)
	}
	if got.DimensionScores == nil || *got.DimensionScores != *dims {
		t.Errorf("dimension scores mismatch: %+v", got.DimensionScores)
	}
	if got.ArchiveURL != "s3://bucket/report.pdf" {
		t.Errorf("archive url mismatch: %s", got.ArchiveURL)
	}

	missing, err := store.GetReportBySession("other")
	if err != nil || missing != nil {
		t.Errorf("expected nil report, got %+v (err %v)", missing, err)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStorage(t)

	t.Run("SequenceIsPerStream", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			ev, err := store.AppendEvent("stream-a", "message", []byte(`{}`))
			if err != nil {
				t.Fatalf("failed to append: %v", err)
			}
			if ev.Seq != int64(i+1) {
				t.Errorf("expected seq %d, got %d", i+1, ev.Seq)
			}
		}
		ev, _ := store.AppendEvent("stream-b", "round", []byte(`{"x":1}`))
		if ev.Seq != 1 {
			t.Errorf("expected independent sequence, got %d", ev.Seq)
		}
	})

	t.Run("ListAfterCursor", func(t *testing.T) {
		events, err := store.ListEvents("stream-a", 1)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 2 || events[0].Seq != 2 || events[1].Seq != 3 {
			t.Errorf("unexpected events after cursor: %d", len(events))
		}
	})

	t.Run("PruneKeepsLiveStreams", func(t *testing.T) {
		now := time.Now()
		live := &core.Tournament{ID: "live", UserID: "u", UserAgentID: "a", CandidateCount: 3, Status: core.TournamentRunning, CreatedAt: now}
		if err := store.CreateTournament(live, nil); err != nil {
			t.Fatalf("failed to create tournament: %v", err)
		}
		if _, err := store.AppendEvent("live", "phase_start", []byte(`{}`)); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		n, err := store.PruneEvents(time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("failed to prune: %v", err)
		}
		if n != 4 {
			t.Errorf("expected 4 pruned events, got %d", n)
		}

		remaining, _ := store.ListEvents("live", 0)
		if len(remaining) != 1 {
			t.Errorf("expected live stream to survive, got %d events", len(remaining))
		}
	})
}
