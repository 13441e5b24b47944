package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhcgn/eml2pdf/runner"
	"github.com/dhcgn/eml2pdf/stats"
)

// NewStage starts workers goroutines converting the runner's jobs. A failed
// message is reported as an event and never stops the batch.
func NewStage(r *runner.Runner, c *Converter, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.AddStage(fmt.Sprintf("convert-%d", i), func(ctx context.Context) error {
			return work(ctx, r, c)
		})
	}
}

func work(ctx context.Context, r *runner.Runner, c *Converter) error {
	jobs := r.Jobs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-jobs:
			if !ok {
				return nil
			}

			c.logger.Debug("converting", "id", msg.ID, "size", msg.Size)
			res, err := c.Convert(ctx, msg)
			if res.Retried {
				r.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeRetried, MessageID: msg.ID})
			}

			switch {
			case err == nil:
				c.logger.Info("converted", "id", msg.ID, "output", res.Path, "attachments", res.Attachments, "images", res.Images)
				r.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeConverted, MessageID: msg.ID, Detail: res.Path})
			case errors.Is(err, ErrNoContent):
				c.logger.Warn("no html or plain text content, skipping", "id", msg.ID)
				r.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeSkipped, MessageID: msg.ID, Err: err})
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				c.logger.Error("conversion failed", "id", msg.ID, "err", err)
				r.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, MessageID: msg.ID, Err: fmt.Errorf("%s: %w", msg.ID, err)})
			}
		}
	}
}
