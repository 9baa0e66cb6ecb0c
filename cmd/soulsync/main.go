package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/alienxp03/soulsync/internal/candidate"
	"github.com/alienxp03/soulsync/internal/config"
	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/export"
	"github.com/alienxp03/soulsync/internal/persona"
	"github.com/alienxp03/soulsync/internal/progress"
	"github.com/alienxp03/soulsync/internal/scenario"
	"github.com/alienxp03/soulsync/web/handlers"
)

var (
	dbPath    string
	cfgPath   string
	debug     bool
	appConfig *config.Config
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	winnerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	summaryStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render(err.Error()))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "soulsync",
	Short: "AI agent matchmaking",
	Long: `soulsync pairs a user's AI persona with candidate agents, lets them talk
through scripted scenarios and scores the conversations.

Run a single classic match with "simulate" or an elimination tournament with
"tournament". "serve" exposes the same operations over HTTP with live progress
streams.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgPath != "" {
			appConfig, err = config.LoadFrom(cfgPath)
		} else {
			appConfig, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		setupLogging(debug, appConfig.LogLevel, cmd.Name() == serveCmd.Name())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: ~/.soulsync/soulsync.db)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file path (default: $SOULSYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(tournamentCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// SERVE
// ============================================================================

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := candidate.EnsureSeeds(a.store)
		if err != nil {
			return err
		}
		slog.Info("Seed agents ready", "count", n)

		sweeper := progress.NewSweeper(a.store, a.metrics, appConfig.Events.Retention, appConfig.Events.SweepInterval)
		if err := sweeper.Start(); err != nil {
			return err
		}
		defer sweeper.Stop()

		h := handlers.New(handlers.Options{
			Storage:      a.store,
			Simulations:  a.simulations,
			Tournaments:  a.tournaments,
			Registry:     a.registry,
			Metrics:      a.metrics.Handler(),
			PollInterval: appConfig.Engine.PollInterval,
		})

		addr := appConfig.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("Starting soulsync server", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
			slog.Info("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Graceful shutdown failed", "error", err)
				server.Close()
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":8182", "Listen address")
}

// ============================================================================
// AGENTS
// ============================================================================

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store the built-in seed personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := getStorage(appConfig)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := candidate.EnsureSeeds(store)
		if err != nil {
			return err
		}
		fmt.Printf("Stored %s seed agents\n", passStyle.Render(fmt.Sprint(n)))
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentListSource string

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := getStorage(appConfig)
		if err != nil {
			return err
		}
		defer store.Close()

		agents, err := store.ListAgents(core.AgentSource(strings.ToUpper(agentListSource)))
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents found. Run \"soulsync seed\" to add the built-in personas.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMBTI\tSOURCE\tUSER")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", core.ShortID(a.ID), a.DisplayName, a.MBTI, a.Source, a.UserID)
		}
		return w.Flush()
	},
}

var (
	agentUser   string
	agentName   string
	agentMBTI   string
	agentIntent string
)

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or replace a user's agent",
	Long: `Create the agent a user competes with.

Examples:
  soulsync agent create --user alice --mbti INTJ --intent "long-term partner"
  soulsync agent create --user bob --name Bob --mbti ENFP --intent "new friends"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if agentMBTI == "" || agentIntent == "" {
			return errors.New("--mbti and --intent are required")
		}
		store, err := getStorage(appConfig)
		if err != nil {
			return err
		}
		defer store.Close()

		user, err := store.GetUser(agentUser)
		if err != nil {
			return err
		}
		now := time.Now()
		if user == nil {
			user = &core.User{ID: agentUser, CreatedAt: now}
		}
		if agentName != "" {
			user.DisplayName = agentName
		}
		if user.DisplayName == "" {
			user.DisplayName = agentUser
		}

		agent, err := saveAgent(store, user, agentMBTI, agentIntent, persona.BuildAgentPersona(strings.ToUpper(agentMBTI), agentIntent, user.DisplayName))
		if err != nil {
			return err
		}
		fmt.Printf("Agent %s saved for %s\n", titleStyle.Render(agent.DisplayName), user.ID)
		return nil
	},
}

func init() {
	agentListCmd.Flags().StringVar(&agentListSource, "source", "", "Filter by source (seed, book, registered)")

	agentCreateCmd.Flags().StringVarP(&agentUser, "user", "u", "", "User ID")
	agentCreateCmd.Flags().StringVar(&agentName, "name", "", "Display name")
	agentCreateCmd.Flags().StringVar(&agentMBTI, "mbti", "", "MBTI type")
	agentCreateCmd.Flags().StringVar(&agentIntent, "intent", "", "What the user is looking for")
	agentCreateCmd.MarkFlagRequired("user")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentCreateCmd)
}

type agentStore interface {
	UpsertAgent(agent *core.Agent) error
	UpsertUser(user *core.User) error
}

func saveAgent(store agentStore, user *core.User, mbti, intent, prompt string) (*core.Agent, error) {
	now := time.Now()
	agent := &core.Agent{
		ID:            user.AgentID,
		DisplayName:   user.DisplayName,
		PromptPersona: prompt,
		MBTI:          strings.ToUpper(mbti),
		Intent:        intent,
		Source:        core.SourceRegistered,
		UserID:        user.ID,
		CreatedAt:     now,
	}
	if agent.ID == "" {
		agent.ID = core.GenerateID()
	}
	if err := store.UpsertAgent(agent); err != nil {
		return nil, err
	}

	user.AgentID = agent.ID
	user.LastActiveAt = now
	if err := store.UpsertUser(user); err != nil {
		return nil, err
	}
	return agent, nil
}

var (
	registerToken     string
	registerRefresh   string
	registerMatchable bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a live persona account",
	Long: `Register a user from a live persona access token. The profile's bio
becomes the agent persona and the tokens are stored for live chat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerToken == "" {
			return errors.New("--token is required")
		}
		a, err := newApp(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.client.Enabled() {
			return errors.New("secondme.base_url is not configured")
		}
		info, err := a.client.UserInfo(cmd.Context(), registerToken)
		if err != nil {
			return err
		}

		user, err := a.store.GetUser(info.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		if user == nil {
			user = &core.User{ID: info.ID, CreatedAt: now}
		}
		user.DisplayName = info.Name
		user.Matchable = registerMatchable
		user.AccessToken = registerToken
		user.RefreshToken = registerRefresh
		user.TokenExpiresAt = now.Add(time.Hour)

		mbti := persona.ExtractMBTI(info.Bio)
		prompt := persona.BuildPersonaFromBio(info.Name, info.Bio, info.SelfIntroduction)
		agent, err := saveAgent(a.store, user, mbti, "", prompt)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (%s) with agent %s\n", titleStyle.Render(user.DisplayName), user.ID, core.ShortID(agent.ID))
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerToken, "token", "", "Access token")
	registerCmd.Flags().StringVar(&registerRefresh, "refresh-token", "", "Refresh token")
	registerCmd.Flags().BoolVar(&registerMatchable, "matchable", true, "Offer this agent to other users' tournaments")
}

// ============================================================================
// MATCHES
// ============================================================================

var simulateUser string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a classic match against one opponent",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := candidate.EnsureSeeds(a.store); err != nil {
			return err
		}

		sim, err := a.simulations.CreateSimulation(ctx, simulateUser)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n\n", labelStyle.Render("Opponent:"), titleStyle.Render(sim.Opponent.DisplayName), sim.Opponent.MBTI)

		if err := a.simulations.RunSimulation(ctx, sim.Session.ID, sim.TokenA, sim.TokenB); err != nil {
			return err
		}

		state, err := a.store.GetSessionState(sim.Session.ID)
		if err != nil {
			return err
		}
		showSession(state)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&simulateUser, "user", "u", "", "User ID")
	simulateCmd.MarkFlagRequired("user")
}

func showSession(state *core.SessionState) {
	for _, rs := range state.Rounds {
		r := rs.Round
		result := passStyle.Render(string(r.Result))
		if r.Result != core.RoundPass {
			result = failStyle.Render(string(r.Result))
		}
		score := "-"
		if r.Score != nil {
			score = fmt.Sprint(*r.Score)
		}
		fmt.Printf("%s  %s/100  %s\n", titleStyle.Render(scenario.Label(r.Scenario)), score, result)
		for _, m := range rs.Messages {
			name := state.UserAgent.DisplayName
			if m.Role == core.RoleSideB {
				name = state.Opponent.DisplayName
			}
			fmt.Printf("  %s %s\n", labelStyle.Render(name+":"), m.Content)
		}
		if r.ScoreReason != "" {
			fmt.Printf("  %s\n", labelStyle.Render(r.ScoreReason))
		}
		fmt.Println()
	}

	s := state.Session
	verdict := failStyle.Render("no match")
	if s.Matched != nil && *s.Matched {
		verdict = passStyle.Render("match")
	}
	overall := 0.0
	if s.OverallScore != nil {
		overall = *s.OverallScore
	}
	body := fmt.Sprintf("Status: %s\nOverall: %.1f\nResult: %s", s.Status, overall, verdict)
	if s.TerminateReason != "" {
		body += "\nReason: " + s.TerminateReason
	}
	fmt.Println(summaryStyle.Render(body))
	fmt.Printf("Session: %s\n", s.ID)
}

var (
	tournamentUser   string
	tournamentCount  int
	tournamentFollow bool
)

var tournamentCmd = &cobra.Command{
	Use:   "tournament",
	Short: "Run an elimination tournament",
	Long: `Source candidates for the user's agent and run them through the
icebreak, values, empathy and rapport phases, eliminating the weakest after
each phase.

Examples:
  soulsync tournament --user alice --candidates 5
  soulsync tournament --user alice --candidates 3 --follow`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := candidate.EnsureSeeds(a.store); err != nil {
			return err
		}

		started, err := a.tournaments.StartTournament(ctx, tournamentUser, tournamentCount)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", labelStyle.Render("Tournament:"), started.Tournament.ID)
		for _, c := range started.Candidates {
			fmt.Printf("  %s (%s, %s)\n", c.DisplayName, c.MBTI, strings.ToLower(string(c.Source)))
		}
		fmt.Println()

		if tournamentFollow {
			p := progress.NewTournamentProjector(a.store, started.Tournament.ID, "")
			if err := progress.Stream(ctx, p, os.Stdout, appConfig.Engine.PollInterval); err != nil {
				return err
			}
		}
		a.tournaments.Wait()

		state, err := a.store.GetTournamentState(started.Tournament.ID)
		if err != nil {
			return err
		}
		showTournament(state)
		return nil
	},
}

func init() {
	tournamentCmd.Flags().StringVarP(&tournamentUser, "user", "u", "", "User ID")
	tournamentCmd.Flags().IntVarP(&tournamentCount, "candidates", "n", 5, "Number of candidates (3, 5 or 10)")
	tournamentCmd.Flags().BoolVarP(&tournamentFollow, "follow", "f", false, "Print progress events while the tournament runs")
	tournamentCmd.MarkFlagRequired("user")
}

func showTournament(state *core.TournamentState) {
	t := state.Tournament
	if t.Status == core.TournamentFailed {
		fmt.Println(failStyle.Render("Tournament failed: " + t.ErrorMessage))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tCANDIDATE\tMBTI\tSCORE\tSTATUS")
	for _, cs := range state.Candidates {
		c := cs.Candidate
		name, mbti := c.AgentID, ""
		if cs.Agent != nil {
			name, mbti = cs.Agent.DisplayName, cs.Agent.MBTI
		}
		if c.AgentID == t.WinnerID {
			name = winnerStyle.Render(name)
		}
		rank := "-"
		if c.Rank > 0 {
			rank = fmt.Sprint(c.Rank)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", rank, name, mbti, c.TotalScore, c.Status)
	}
	w.Flush()
	fmt.Printf("\nStatus: %s\n", t.Status)
}

// ============================================================================
// REPORTS
// ============================================================================

var reportCmd = &cobra.Command{
	Use:   "report [session-id] [format]",
	Short: "Export a match report",
	Long: `Export the match report of a finished session to markdown, PDF or JSON.

Examples:
  soulsync report 0b7c... markdown
  soulsync report 0b7c... pdf -o match.pdf`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := getStorage(appConfig)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.GetReportBySession(args[0])
		if err != nil {
			return err
		}
		if report == nil {
			return fmt.Errorf("no report for session %s", args[0])
		}
		state, err := store.GetSessionState(args[0])
		if err != nil {
			return err
		}

		exporter, err := export.GetExporter(export.Format(strings.ToLower(args[1])))
		if err != nil {
			return err
		}
		doc := &export.Document{Report: report, Session: state}

		outputPath, _ := cmd.Flags().GetString("output")
		if outputPath == "" {
			outputPath = export.GenerateFilename(doc, exporter.FileExtension())
		}

		file, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		defer file.Close()

		if err := exporter.Export(doc, file); err != nil {
			return fmt.Errorf("failed to export: %w", err)
		}
		fmt.Printf("Exported to: %s\n", outputPath)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringP("output", "o", "", "Output file path")
}

// ============================================================================
// CONFIG
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := appConfig
		fmt.Println(titleStyle.Render("Current settings"))
		fmt.Printf("  %s %s\n", labelStyle.Render("Server:"), c.Server.Addr)
		fmt.Printf("  %s %s\n", labelStyle.Render("Database:"), c.Database.Path)
		fmt.Printf("  %s %s (%s)\n", labelStyle.Render("LLM:"), c.LLM.Provider, c.LLM.Model)
		fmt.Printf("  %s pass %d, match %.0f\n", labelStyle.Render("Thresholds:"), c.Engine.PassThreshold, c.Engine.MatchThreshold)
		fmt.Printf("  %s classic %d, icebreak %d, values %d, empathy %d\n", labelStyle.Render("Turns:"),
			c.Engine.ClassicTurns, c.Engine.Turns.Icebreak, c.Engine.Turns.DeepValue, c.Engine.Turns.Empathy)
		live := "disabled"
		if c.SecondMe.BaseURL != "" {
			live = c.SecondMe.BaseURL
		}
		fmt.Printf("  %s %s\n", labelStyle.Render("Live chat:"), live)
		archive := "disabled"
		if c.Archive.Enabled {
			archive = "s3://" + c.Archive.Bucket + "/" + c.Archive.Prefix
		}
		fmt.Printf("  %s %s\n", labelStyle.Render("Archive:"), archive)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create example config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(config.GenerateExample()), 0644); err != nil {
			return err
		}

		fmt.Printf("Created config at: %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
