// Package batch fans a set of raw messages out over parser workers and
// reassembles the outcomes in discovery order.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dmarcwatch/internal/parser"
	"dmarcwatch/internal/report"
)

// Message is one raw mailbox message queued for parsing.
type Message struct {
	ID  string
	Raw []byte
}

// ParserFactory builds a parser for one worker. Parsers hold a private
// enrichment cache and must not be shared, so the dispatcher asks for a
// fresh one per worker.
type ParserFactory func() (*parser.Parser, error)

// Dispatcher runs message parsing across a fixed worker pool.
type Dispatcher struct {
	workers int
	factory ParserFactory
	logger  *zap.Logger
}

// New creates a dispatcher. Worker counts below one are raised to one.
func New(workers int, factory ParserFactory, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		workers: workers,
		factory: factory,
		logger:  logger,
	}
}

// Process parses every message and returns one outcome per input, in input
// order. A message that panics its worker becomes a failure outcome in its
// own slot; the only error Process itself returns is context cancellation or
// a parser that could not be constructed.
func (d *Dispatcher) Process(ctx context.Context, messages []Message, source string) ([]*report.Outcome, error) {
	outcomes := make([]*report.Outcome, len(messages))
	if len(messages) == 0 {
		return outcomes, nil
	}

	workers := d.workers
	if workers > len(messages) {
		workers = len(messages)
	}

	type job struct {
		index   int
		message Message
	}
	jobs := make(chan job)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			p, err := d.factory()
			if err != nil {
				return fmt.Errorf("building parser: %w", err)
			}
			for j := range jobs {
				// Slots are disjoint per index, so workers write
				// without coordination.
				outcomes[j.index] = d.parseOne(p, j.message, source)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for i, message := range messages {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case jobs <- job{index: i, message: message}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// parseOne parses a single message, converting a worker panic into that
// message's failure outcome so the rest of the batch survives.
func (d *Dispatcher) parseOne(p *parser.Parser, message Message, source string) (outcome *report.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Parser panicked",
				zap.String("message_id", message.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = &report.Outcome{
				MessageID: message.ID,
				Failure: &report.ParseFailure{
					MessageID: message.ID,
					Reason:    fmt.Sprintf("parser panic: %v", r),
				},
			}
		}
	}()
	return p.ParseMessage(message.ID, message.Raw, source)
}
