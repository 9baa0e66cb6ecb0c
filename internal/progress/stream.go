package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultPollInterval is how often Stream polls its projector.
const DefaultPollInterval = time.Second

// Stream writes frames from p to w as server-sent events until the projector
// is done or ctx ends. The first poll happens immediately.
func Stream(ctx context.Context, p Projector, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frames, err := p.Poll(ctx)
		if err != nil {
			slog.Error("Stream poll failed", "error", err)
		}
		for _, f := range frames {
			if err := WriteFrame(w, f); err != nil {
				return err
			}
		}
		if len(frames) > 0 && flusher != nil {
			flusher.Flush()
		}
		if p.Done() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WriteFrame writes a single event in SSE wire format.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := f.MarshalData()
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", f.Event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write SSE data: %w", err)
	}
	return nil
}
