// Package dispatch drains the campaign queue and turns its messages into
// send requests: address messages are aggregated through the campaign
// buffer, request messages are delivered as-is. A supervisor wraps the
// dispatcher with single-run locking and completion probing.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-mailer/internal/campaign"
	"github.com/ignite/campaign-mailer/internal/mailer"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/queue"
	"github.com/ignite/campaign-mailer/internal/status"
)

const (
	DefaultWorkers        = 10
	DefaultReceiveBatch   = 10
	DefaultEmptyPollDelay = time.Second
	DefaultIdleExit       = time.Minute
	DefaultCooldown       = 10 * time.Second
)

// DefaultProbeSchedule is the escalating wait-then-recheck sequence run
// after the workers go idle, covering in-flight messages the depth probe
// has not caught up with yet.
var DefaultProbeSchedule = []time.Duration{60 * time.Second, 180 * time.Second, 500 * time.Second}

// Broker is the queue surface the dispatcher needs.
type Broker interface {
	Receive(ctx context.Context, max int) ([]queue.Message, error)
	Complete(ctx context.Context, msg queue.Message) error
	Abandon(ctx context.Context, msg queue.Message) error
	Publish(ctx context.Context, msgs []queue.Outgoing) error
	HasMessages(ctx context.Context) (bool, error)
}

// Sender delivers one batch and classifies the outcome.
type Sender interface {
	Send(ctx context.Context, cmp *campaign.Campaign, recipients campaign.Recipients, operationID string) mailer.Outcome
}

// Recorder persists per-recipient delivery status.
type Recorder interface {
	Upsert(ctx context.Context, recipient, operationID, campaignID string, st status.Status) error
}

// Options tune the dispatcher; zero values take the package defaults.
type Options struct {
	Workers        int
	ReceiveBatch   int
	EmptyPollDelay time.Duration
	IdleExit       time.Duration
	Cooldown       time.Duration
	ProbeSchedule  []time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.ReceiveBatch <= 0 {
		o.ReceiveBatch = DefaultReceiveBatch
	}
	if o.EmptyPollDelay <= 0 {
		o.EmptyPollDelay = DefaultEmptyPollDelay
	}
	if o.IdleExit <= 0 {
		o.IdleExit = DefaultIdleExit
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.ProbeSchedule == nil {
		o.ProbeSchedule = DefaultProbeSchedule
	}
	return o
}

// Stats tallies one dispatch run.
type Stats struct {
	Sent     int64 // recipients delivered
	Failed   int64 // recipients permanently failed
	Retried  int64 // batches re-enqueued after a transient failure
	Poisoned int64 // unparseable messages removed
	Foreign  int64 // messages for another campaign, returned to the queue
}

// Dispatcher runs the receive/aggregate/deliver loop for one campaign.
type Dispatcher struct {
	broker   Broker
	sender   Sender
	recorder Recorder
	cmp      *campaign.Campaign
	opts     Options

	sent     atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64
	poisoned atomic.Int64
	foreign  atomic.Int64

	quit chan struct{}
}

// NewDispatcher creates a dispatcher bound to one campaign run.
func NewDispatcher(broker Broker, sender Sender, recorder Recorder, cmp *campaign.Campaign, opts Options) *Dispatcher {
	return &Dispatcher{
		broker:   broker,
		sender:   sender,
		recorder: recorder,
		cmp:      cmp,
		opts:     opts.withDefaults(),
		quit:     make(chan struct{}),
	}
}

// Run drives the campaign to completion: worker pools drain the queue
// until idle, then the probe schedule rechecks for stragglers, restarting
// the workers if any appear. Returns once the queue stays empty through
// the whole schedule or the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) Stats {
	var deliverWG sync.WaitGroup
	deliverWG.Add(1)
	go func() {
		defer deliverWG.Done()
		d.deliverLoop(ctx)
	}()

	for {
		d.runWorkers(ctx)
		if ctx.Err() != nil {
			break
		}
		if !d.probeForMore(ctx) {
			break
		}
		logger.Info("queue has more messages, resuming workers", "campaign_id", d.cmp.ID)
	}

	d.cmp.Buffer().Close()
	close(d.quit)
	deliverWG.Wait()

	return Stats{
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
		Retried:  d.retried.Load(),
		Poisoned: d.poisoned.Load(),
		Foreign:  d.foreign.Load(),
	}
}

// runWorkers blocks until every worker has idle-exited.
func (d *Dispatcher) runWorkers(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

// worker polls the queue until it has seen nothing for the idle-exit
// window. Receive errors do not count toward idleness; the queue may be
// fine again on the next poll.
func (d *Dispatcher) worker(ctx context.Context, id int) {
	var emptySince time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := d.broker.Receive(ctx, d.opts.ReceiveBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive failed", "worker", fmt.Sprintf("%d", id), "error", err.Error())
			d.sleep(ctx, d.opts.EmptyPollDelay)
			continue
		}
		if len(msgs) == 0 {
			if emptySince.IsZero() {
				emptySince = time.Now()
			} else if time.Since(emptySince) >= d.opts.IdleExit {
				return
			}
			d.sleep(ctx, d.opts.EmptyPollDelay)
			continue
		}
		emptySince = time.Time{}
		for _, m := range msgs {
			d.handle(ctx, m)
		}
	}
}

// handle routes one received message. Unparseable messages are removed so
// they cannot poison the queue; messages belonging to another campaign are
// returned for whichever run owns them.
func (d *Dispatcher) handle(ctx context.Context, msg queue.Message) {
	switch msg.Type {
	case queue.TypeAddress:
		var env campaign.AddressEnvelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			d.discard(ctx, msg, err)
			return
		}
		if env.CampaignID != d.cmp.ID {
			d.bounce(ctx, msg, env.CampaignID)
			return
		}
		d.cmp.Buffer().Add(campaign.Item{Recipient: env.Recipient, Message: msg})

	case queue.TypeRequest:
		var env campaign.RequestEnvelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			d.discard(ctx, msg, err)
			return
		}
		if env.CampaignID != d.cmp.ID {
			d.bounce(ctx, msg, env.CampaignID)
			return
		}
		d.deliver(ctx, env.Recipients, env.OperationID, []queue.Message{msg}, false)

	default:
		d.discard(ctx, msg, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (d *Dispatcher) discard(ctx context.Context, msg queue.Message, cause error) {
	d.poisoned.Add(1)
	logger.Warn("discarding poison message", "message_id", msg.ID, "error", cause.Error())
	if err := d.broker.Complete(ctx, msg); err != nil {
		logger.Error("failed to remove poison message", "message_id", msg.ID, "error", err.Error())
	}
}

func (d *Dispatcher) bounce(ctx context.Context, msg queue.Message, owner string) {
	d.foreign.Add(1)
	logger.Debug("returning message for another campaign", "message_id", msg.ID, "campaign_id", owner)
	if err := d.broker.Abandon(ctx, msg); err != nil {
		logger.Error("failed to return message", "message_id", msg.ID, "error", err.Error())
	}
}

// deliverLoop consumes emitted aggregation batches. Each batch gets a fresh
// operation id at the moment of its first send attempt; retries reuse it.
func (d *Dispatcher) deliverLoop(ctx context.Context) {
	batches := d.cmp.Buffer().Batches()
	for {
		select {
		case batch := <-batches:
			d.deliverBatch(ctx, batch)
		case <-d.quit:
			for {
				select {
				case batch := <-batches:
					d.deliverBatch(ctx, batch)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliverBatch(ctx context.Context, batch campaign.Batch) {
	operationID := uuid.NewString()
	logger.Debug("delivering batch",
		"campaign_id", d.cmp.ID,
		"operation_id", operationID,
		"kind", batch.Kind.String(),
		"size", fmt.Sprintf("%d", len(batch.Items)))
	d.deliver(ctx, d.cmp.Recipients(batch.Addresses()), operationID, batch.Messages(), true)
}

// deliver issues one send and settles the source messages per the outcome.
// fromBuffer distinguishes aggregated address messages (settled here, with
// transient retries re-enqueued as request messages under the same
// operation id) from request messages (abandoned so the broker redelivers
// the identical envelope).
func (d *Dispatcher) deliver(ctx context.Context, recipients campaign.Recipients, operationID string, msgs []queue.Message, fromBuffer bool) {
	outcome := d.sender.Send(ctx, d.cmp, recipients, operationID)

	switch outcome.Class {
	case mailer.Success:
		d.record(ctx, recipients, operationID, status.Completed)
		d.complete(ctx, msgs)
		d.sent.Add(int64(recipients.Count()))
		logger.Info("batch delivered",
			"campaign_id", d.cmp.ID,
			"operation_id", operationID,
			"recipients", fmt.Sprintf("%d", recipients.Count()))

	case mailer.Permanent:
		d.record(ctx, recipients, operationID, status.Failed)
		d.complete(ctx, msgs)
		d.failed.Add(int64(recipients.Count()))
		logger.Error("batch rejected",
			"campaign_id", d.cmp.ID,
			"operation_id", operationID,
			"code", outcome.ErrorCode,
			"error", outcome.ErrorMessage)

	case mailer.Transient:
		d.retried.Add(1)
		d.record(ctx, recipients, operationID, status.InProgress)
		logger.Warn("transient send failure, cooling down",
			"campaign_id", d.cmp.ID,
			"operation_id", operationID,
			"code", outcome.ErrorCode)
		d.sleep(ctx, d.opts.Cooldown)
		if fromBuffer {
			d.requeue(ctx, recipients, operationID, msgs)
		} else {
			d.abandon(ctx, msgs)
		}

	default:
		// Leave the messages unacknowledged; the broker's visibility
		// timeout will redeliver them.
		logger.Error("unclassified send failure",
			"campaign_id", d.cmp.ID,
			"operation_id", operationID,
			"error", outcome.ErrorMessage)
	}
}

// requeue converts an aggregated batch into a request message carrying the
// same operation id, then settles the original address messages. If the
// publish fails the originals stay unacknowledged and redeliver instead.
func (d *Dispatcher) requeue(ctx context.Context, recipients campaign.Recipients, operationID string, msgs []queue.Message) {
	body, err := json.Marshal(campaign.RequestEnvelope{
		CampaignID:  d.cmp.ID,
		Recipients:  recipients,
		OperationID: operationID,
	})
	if err != nil {
		logger.Error("failed to marshal retry request", "operation_id", operationID, "error", err.Error())
		return
	}
	err = d.broker.Publish(ctx, []queue.Outgoing{{
		Type:    queue.TypeRequest,
		Body:    body,
		DedupID: uuid.NewString(),
		GroupID: d.cmp.ID,
	}})
	if err != nil {
		logger.Error("failed to re-enqueue batch", "operation_id", operationID, "error", err.Error())
		return
	}
	d.complete(ctx, msgs)
}

func (d *Dispatcher) record(ctx context.Context, recipients campaign.Recipients, operationID string, st status.Status) {
	for _, addr := range recipients.All() {
		if err := d.recorder.Upsert(ctx, addr.Address, operationID, d.cmp.ID, st); err != nil {
			logger.Error("failed to record status",
				"operation_id", operationID,
				"recipient", addr.Address,
				"error", err.Error())
		}
	}
}

func (d *Dispatcher) complete(ctx context.Context, msgs []queue.Message) {
	for _, m := range msgs {
		if err := d.broker.Complete(ctx, m); err != nil {
			logger.Error("failed to complete message", "message_id", m.ID, "error", err.Error())
		}
	}
}

func (d *Dispatcher) abandon(ctx context.Context, msgs []queue.Message) {
	for _, m := range msgs {
		if err := d.broker.Abandon(ctx, m); err != nil {
			logger.Error("failed to abandon message", "message_id", m.ID, "error", err.Error())
		}
	}
}

// probeForMore walks the wait-then-recheck schedule after the workers go
// idle. The depth figure is approximate, so a single empty reading is not
// trusted; only a queue that stays empty through the whole schedule ends
// the run.
func (d *Dispatcher) probeForMore(ctx context.Context) bool {
	for _, delay := range d.opts.ProbeSchedule {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		has, err := d.broker.HasMessages(ctx)
		if err != nil {
			logger.Warn("depth probe failed", "campaign_id", d.cmp.ID, "error", err.Error())
			continue
		}
		if has {
			return true
		}
	}
	return false
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
