package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

const (
	DefaultMaxBatchSize = 50
	DefaultBatchDelay   = 100 * time.Millisecond
)

// ErrDispatchStopped is returned with a partial summary when the dispatch
// context is cancelled between batches.
var ErrDispatchStopped = errors.New("dispatch stopped before all batches were sent")

// DispatcherConfig bounds the send rate: at most MaxBatchSize concurrent sends,
// followed by BatchDelay before the next batch.
type DispatcherConfig struct {
	MaxBatchSize int
	BatchDelay   time.Duration
}

// Dispatcher sends one campaign to a recipient list in rate-limited batches.
type Dispatcher struct {
	transport transport.Transport
	vars      *VariableBuilder
	config    DispatcherConfig
	log       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(t transport.Transport, vars *VariableBuilder, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}
	if vars == nil {
		vars = NewVariableBuilder("")
	}
	return &Dispatcher{
		transport: t,
		vars:      vars,
		config:    cfg,
		log:       log,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

func (d *Dispatcher) Transport() transport.Transport { return d.transport }

// Dispatch renders and sends the campaign to every recipient. Recipients of one
// batch are sent concurrently; a batch starts only after the previous one has
// fully drained and the batch delay has elapsed.
//
// A failed recipient is recorded in the summary and never stops the dispatch.
// A non-nil error means the pipeline itself stopped (transport unusable or ctx
// cancelled); the returned summary then covers the batches that did run.
func (d *Dispatcher) Dispatch(ctx context.Context, c *model.Campaign, recipients []model.Recipient, onProgress ProgressFunc) (*model.SendSummary, error) {
	summary := &model.SendSummary{
		CycleID:   uuid.NewString(),
		Total:     len(recipients),
		Errors:    []model.SendError{},
		StartTime: d.now(),
	}
	log := d.log.With(zap.String("campaign_id", c.ID), zap.String("cycle_id", summary.CycleID))

	if len(recipients) == 0 {
		d.finish(summary, nil, nil)
		return summary, nil
	}

	if err := d.verify(ctx); err != nil {
		log.Error("Transport unusable, dispatch not started", zap.Error(err))
		d.finish(summary, nil, nil)
		return summary, err
	}

	size := d.config.MaxBatchSize
	batches := batchCount(len(recipients), size)
	outcomes := make([]model.SendOutcome, len(recipients))
	agg := newProgressAggregator(len(recipients), onProgress)

	// In-flight sends are never aborted; cancellation only prevents new batches.
	sendCtx := context.WithoutCancel(ctx)

	log.Info("Dispatch started",
		zap.Int("recipients", len(recipients)),
		zap.Int("batches", batches),
		zap.Int("batch_size", size),
		zap.String("transport", d.transport.Name()))

	processed := 0
	var stopErr error
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			stopErr = fmt.Errorf("%w: %v", ErrDispatchStopped, err)
			break
		}

		start := b * size
		end := min(start+size, len(recipients))
		batchStart := time.Now()

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				return d.sendOne(sendCtx, c, recipients[i], &outcomes[i], agg)
			})
		}
		err := g.Wait()
		processed = end

		batchDuration.Observe(time.Since(batchStart).Seconds())
		log.Debug("Batch completed",
			zap.Int("batch", b+1),
			zap.Int("size", end-start),
			zap.Duration("elapsed", time.Since(batchStart)))

		if err != nil {
			stopErr = err
			log.Error("Fatal transport error, no further batches will start",
				zap.Int("batch", b+1), zap.Error(err))
			break
		}

		if b < batches-1 {
			if err := d.sleep(ctx, d.config.BatchDelay); err != nil {
				stopErr = fmt.Errorf("%w: %v", ErrDispatchStopped, err)
				break
			}
		}
	}

	d.finish(summary, outcomes[:processed], agg)
	log.Info("Dispatch finished",
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
		zap.Bool("complete", stopErr == nil))

	return summary, stopErr
}

func (d *Dispatcher) verify(ctx context.Context) error {
	if d.transport == nil {
		return transport.ErrNotConfigured
	}
	v, ok := d.transport.(transport.Verifier)
	if !ok {
		return nil
	}
	if err := v.Verify(ctx); err != nil {
		if transport.IsFatal(err) {
			return err
		}
		return fmt.Errorf("%w: %v", transport.ErrNotConfigured, err)
	}
	return nil
}

// sendOne performs the single attempt for one recipient. It returns an error
// only for fatal transport failures; the outcome is always written.
func (d *Dispatcher) sendOne(ctx context.Context, c *model.Campaign, r model.Recipient, out *model.SendOutcome, agg *progressAggregator) error {
	vars := d.vars.Variables(r)
	body := RenderTemplate(c.TemplateContent, vars)
	msg := &transport.Message{
		To:       r.Email,
		From:     c.FromEmail,
		FromName: c.FromName,
		Subject:  RenderTemplate(c.Subject, vars),
		HTML:     body,
		Text:     transport.HTMLToText(body),
	}

	started := time.Now()
	receipt, err := d.send(ctx, msg)
	sendDuration.WithLabelValues(d.transport.Name()).Observe(time.Since(started).Seconds())

	*out = model.SendOutcome{Recipient: r.Email}
	if err != nil {
		out.Error = err.Error()
		emailsProcessed.WithLabelValues(d.transport.Name(), model.OutboundFailed).Inc()
		agg.record(false)
		if transport.IsFatal(err) {
			return err
		}
		return nil
	}

	out.Success = true
	if receipt != nil {
		out.MessageID = receipt.MessageID
	}
	emailsProcessed.WithLabelValues(d.transport.Name(), model.OutboundSent).Inc()
	agg.record(true)
	return nil
}

// send isolates a panicking transport to the recipient that triggered it.
func (d *Dispatcher) send(ctx context.Context, msg *transport.Message) (receipt *transport.Receipt, err error) {
	defer func() {
		if p := recover(); p != nil {
			receipt, err = nil, fmt.Errorf("transport panic: %v", p)
		}
	}()
	return d.transport.Send(ctx, msg)
}

func (d *Dispatcher) finish(summary *model.SendSummary, outcomes []model.SendOutcome, agg *progressAggregator) {
	if agg != nil {
		snap := agg.snapshot()
		summary.Sent, summary.Failed = snap.Sent, snap.Failed
	}
	summary.Outcomes = outcomes
	for _, o := range outcomes {
		if !o.Success {
			summary.Errors = append(summary.Errors, model.SendError{Recipient: o.Recipient, Error: o.Error})
		}
	}
	summary.EndTime = d.now()
	summary.Duration = summary.EndTime.Sub(summary.StartTime)
}

func batchCount(n, size int) int {
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
