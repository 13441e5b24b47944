package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/eml2pdf/config"
	"github.com/dhcgn/eml2pdf/filter"
	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/state"
	"github.com/dhcgn/eml2pdf/stats"
)

var ErrMessageIDMissing = errors.New("message missing id")

type StageFunc func(context.Context) error

// ProducerFunc streams messages from one source into out. Per-message read
// failures are sent as envelopes with Err set; a returned error stops the run.
type ProducerFunc func(ctx context.Context, out chan<- model.Envelope) error

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	jobs     chan model.Message
	events   chan stats.Event

	filter  *filter.Filter
	tracker state.Tracker

	producerWG sync.WaitGroup
	workWG     sync.WaitGroup
	statsWG    sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeJobsOnce   sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

// New prepares a runner. The state tracker is only opened when a state
// directory is configured; without it every message is converted.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	var tracker state.Tracker
	if cfg.StateDir != "" {
		ft, err := state.NewFileTracker(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("state tracker: %w", err)
		}
		logger.Info("state loaded", "path", ft.Path(), "processed", ft.Snapshot().Processed)
		tracker = ft
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		jobs:     make(chan model.Message, 32),
		events:   make(chan stats.Event, 128),
		filter:   f,
		tracker:  tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

// Tracker returns the state tracker, nil when no state directory is configured.
func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Filter returns the compiled message filter.
func (r *Runner) Filter() *filter.Filter {
	return r.filter
}

// Jobs delivers the messages that survived filtering and deduplication.
func (r *Runner) Jobs() <-chan model.Message {
	return r.jobs
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// AddProducer registers a message source. The shared message channel is
// closed once every producer has returned.
func (r *Runner) AddProducer(name string, fn ProducerFunc) {
	r.producerWG.Add(1)
	r.AddStage(name, func(ctx context.Context) error {
		defer r.producerWG.Done()
		return fn(ctx, r.messages)
	})
}

// Start blocks until all stages finished and returns the first fatal error.
func (r *Runner) Start() error {
	r.since = time.Now()

	go func() {
		r.producerWG.Wait()
		close(r.messages)
	}()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if r.tracker != nil {
		if err := r.tracker.Close(); err != nil {
			r.logger.Error("state close failed", "err", err)
			r.fail(err)
		}
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeJobs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.logger.Warn("message could not be read", "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, MessageID: envelope.Message.ID, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, MessageID: msg.ID})

			if msg.ID == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: ErrMessageIDMissing})
				continue
			}

			if !r.filter.AllowsMessage(msg.Raw) {
				r.logger.Debug("message filtered", "id", msg.ID)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, MessageID: msg.ID})
				continue
			}

			if r.tracker != nil && msg.Hash != "" && r.tracker.AlreadyProcessed(msg.Hash) {
				r.logger.Debug("message already converted", "id", msg.ID)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.jobs <- msg:
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeEnqueued, MessageID: msg.ID})
			}
		}
	}
}

func (r *Runner) closeJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
