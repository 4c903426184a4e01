// Package archive copies persisted day summaries to secondary destinations
// (Mongo, Google Sheets, email). Postgres stays the source of truth.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dairyfarm/backend/internal/balance"
)

// Sink stores or forwards one day summary.
type Sink interface {
	Name() string
	Save(ctx context.Context, s balance.Summary) error
}

const defaultSinkTimeout = 15 * time.Second

// Fanout publishes a summary to every sink. A failing or stalled sink does not
// stop the others; all failures are joined into the returned error.
type Fanout struct {
	sinks       []Sink
	sinkTimeout time.Duration
	logger      *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out, sinkTimeout: defaultSinkTimeout, logger: logger}
}

// SetSinkTimeout bounds each sink's Save call. Non-positive values are ignored.
func (f *Fanout) SetSinkTimeout(d time.Duration) {
	if d > 0 {
		f.sinkTimeout = d
	}
}

func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Publish(ctx context.Context, s balance.Summary) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := f.save(ctx, sink, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		f.logger.Debug("summary archived", zap.String("sink", sink.Name()), zap.String("date", s.Date))
	}
	return errors.Join(errs...)
}

func (f *Fanout) save(ctx context.Context, sink Sink, s balance.Summary) error {
	ctx, cancel := context.WithTimeout(ctx, f.sinkTimeout)
	defer cancel()
	return sink.Save(ctx, s)
}
