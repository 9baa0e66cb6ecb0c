package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alienxp03/soulsync/internal/candidate"
	"github.com/alienxp03/soulsync/internal/config"
	"github.com/alienxp03/soulsync/internal/engine"
	"github.com/alienxp03/soulsync/internal/export"
	"github.com/alienxp03/soulsync/internal/judge"
	"github.com/alienxp03/soulsync/internal/metrics"
	"github.com/alienxp03/soulsync/internal/progress"
	"github.com/alienxp03/soulsync/internal/provider"
	"github.com/alienxp03/soulsync/internal/secondme"
	"github.com/alienxp03/soulsync/internal/storage"
	"github.com/alienxp03/soulsync/internal/tournament"
)

// app holds the wired services shared by every command.
type app struct {
	store       storage.Storage
	registry    *provider.Registry
	metrics     *metrics.Manager
	client      *secondme.Client
	simulations *engine.Engine
	tournaments *tournament.Orchestrator
}

// setupLogging installs the default logger: JSON on stdout for the server,
// text on stderr for CLI runs.
func setupLogging(debug bool, level string, server bool) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if level != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(level)); err == nil {
			opts.Level = l
		}
	}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if server {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

func getStorage(cfg *config.Config) (storage.Storage, error) {
	path := dbPath
	if path == "" {
		path = cfg.Database.Path
	}
	if path == "" {
		path = storage.DefaultDBPath()
	}

	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := getStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	registry, err := cfg.CreateRegistry()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize provider registry: %w", err)
	}
	name := cfg.LLM.Provider
	if name == "" {
		name = "openai"
	}
	completer, err := registry.Get(name)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := metrics.NewManager()
	client := secondme.NewClient(secondme.Options{
		BaseURL:     cfg.SecondMe.BaseURL,
		BookBaseURL: cfg.SecondMe.BookBaseURL,
		Timeout:     cfg.SecondMe.Timeout,
	})

	var (
		chatter   engine.Chatter
		directory candidate.Directory
		tokens    secondme.TokenSource = secondme.NoTokens{}
	)
	if client.Enabled() {
		chatter = client
		tokens = secondme.NewTokenManager(store, client)
	}
	if cfg.SecondMe.BookBaseURL != "" {
		directory = client
	}

	var sink engine.ReportSink
	if cfg.Archive.Enabled {
		s3Client, err := export.NewS3Client(ctx, export.S3Options{
			Endpoint:        cfg.Archive.Endpoint,
			Region:          cfg.Archive.Region,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize report archive: %w", err)
		}
		sink = export.NewArchiver(store, s3Client, cfg.Archive.Bucket, cfg.Archive.Prefix)
		slog.Info("Report archiving enabled", "bucket", cfg.Archive.Bucket)
	}

	j := judge.New(completer, judge.WithTemperature(cfg.LLM.JudgeTemperature), judge.WithObserver(m))
	runner := engine.NewRunner(store, completer, j, chatter, engine.RunnerOptions{
		PassThreshold: cfg.Engine.PassThreshold,
		Temperature:   provider.Temperature(cfg.LLM.Temperature),
		MaxTokens:     cfg.LLM.MaxTokens,
	})
	pool := candidate.NewPool(store, tokens, directory)

	sims := engine.New(store, runner, pool, engine.Settings{
		PassThreshold:  cfg.Engine.PassThreshold,
		MatchThreshold: cfg.Engine.MatchThreshold,
		Turns:          cfg.Engine.ClassicTurns,
	}, engine.WithTokens(tokens), engine.WithReportSink(sink), engine.WithRecorder(m))

	orch := tournament.New(store, runner, pool, progress.NewLog(store, m), tournament.Settings{
		MatchThreshold: cfg.Engine.MatchThreshold,
		Turns:          cfg.Engine.TurnsFor,
	}, tournament.WithTokens(tokens), tournament.WithReportSink(sink), tournament.WithRecorder(m))

	return &app{
		store:       store,
		registry:    registry,
		metrics:     m,
		client:      client,
		simulations: sims,
		tournaments: orch,
	}, nil
}

// Close waits for background runs and releases storage.
func (a *app) Close() {
	a.simulations.Wait()
	a.tournaments.Wait()
	a.store.Close()
}
