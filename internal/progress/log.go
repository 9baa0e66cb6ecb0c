// Package progress publishes run events to an append-only log and projects
// stored state into server-sent event frames for polling readers.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/storage"
)

// Recorder counts published and pruned events. metrics.Manager implements it.
type Recorder interface {
	RecordEventPublished(name string)
	RecordEventsPruned(n int64)
}

type noopRecorder struct{}

func (noopRecorder) RecordEventPublished(string) {}
func (noopRecorder) RecordEventsPruned(int64)    {}

// Log appends events per stream. For tournament streams it also keeps the
// tournament's last-event snapshot current.
type Log struct {
	store    storage.Storage
	recorder Recorder

	// mu keeps append and snapshot in the same order across publishers.
	mu sync.Mutex
}

// NewLog creates an event log. A nil recorder disables metrics.
func NewLog(store storage.Storage, recorder Recorder) *Log {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Log{store: store, recorder: recorder}
}

// Publish appends name with the JSON encoding of payload to the stream.
func (l *Log) Publish(ctx context.Context, streamID, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev, err := l.store.AppendEvent(streamID, name, data)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", name, err)
	}

	snap := &core.PhaseSnapshot{Event: name, Data: data, Timestamp: ev.CreatedAt}
	if err := l.store.SetTournamentSnapshot(streamID, snap); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}

	l.recorder.RecordEventPublished(name)
	slog.Debug("Event published", "stream_id", streamID, "event", name, "seq", ev.Seq)
	return nil
}

// Sweeper periodically deletes events of finished streams past the retention window.
type Sweeper struct {
	store     storage.Storage
	recorder  Recorder
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	scheduler gocron.Scheduler
}

// NewSweeper creates a retention sweeper. Start schedules it.
func NewSweeper(store storage.Storage, recorder Recorder, retention, interval time.Duration) *Sweeper {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Sweeper{
		store:     store,
		recorder:  recorder,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

// Sweep deletes expired events once and returns how many went.
func (s *Sweeper) Sweep() (int64, error) {
	n, err := s.store.PruneEvents(s.now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.recorder.RecordEventsPruned(n)
		slog.Info("Pruned expired events", "count", n)
	}
	return n, nil
}

// Start schedules Sweep every interval until Stop.
func (s *Sweeper) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(); err != nil {
				slog.Error("Event sweep failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		sched.Shutdown()
		return fmt.Errorf("failed to schedule event sweep: %w", err)
	}

	sched.Start()
	s.scheduler = sched
	return nil
}

// Stop shuts the scheduler down and waits for a running sweep.
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}
