// Package ingest fans a campaign's recipient list out onto the queue,
// filtering suppressed addresses and packing messages into transport-sized
// publish batches.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-mailer/internal/blocklist"
	"github.com/ignite/campaign-mailer/internal/campaign"
	"github.com/ignite/campaign-mailer/internal/crm"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/queue"
)

// DefaultPageSize is how many list members are fetched per CRM page.
const DefaultPageSize = 500

// Publish retry tiers. Quota exhaustion backs off much longer than plain
// broker congestion.
const (
	DefaultBusyBackoff     = 10 * time.Second
	DefaultQuotaBackoff    = 5 * time.Minute
	DefaultMaxPublishTries = 10
)

// Publisher is the queue surface the ingestor needs.
type Publisher interface {
	Publish(ctx context.Context, msgs []queue.Outgoing) error
}

// PageSource supplies recipients as a restartable sequence of pages.
type PageSource interface {
	ResolveList(ctx context.Context, name string) (crm.ListInfo, error)
	FetchPage(ctx context.Context, listID, pageToken string, pageSize int) (crm.Page, error)
}

// Options tune the ingestor; zero values take the package defaults.
type Options struct {
	PageSize        int
	BusyBackoff     time.Duration
	QuotaBackoff    time.Duration
	MaxPublishTries int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.BusyBackoff <= 0 {
		o.BusyBackoff = DefaultBusyBackoff
	}
	if o.QuotaBackoff <= 0 {
		o.QuotaBackoff = DefaultQuotaBackoff
	}
	if o.MaxPublishTries <= 0 {
		o.MaxPublishTries = DefaultMaxPublishTries
	}
	return o
}

// Result tallies one ingestion run.
type Result struct {
	Total     int // list members seen
	Blocked   int // suppressed by the blocklist
	Published int // enqueued
	Dropped   int // lost to fatal publish failures
}

// Ingestor walks a campaign list and publishes one queue message per
// eligible recipient.
type Ingestor struct {
	publisher Publisher
	source    PageSource
	blocked   *blocklist.List
	opts      Options
}

// New creates an ingestor. A nil blocklist means nothing is suppressed.
func New(publisher Publisher, source PageSource, blocked *blocklist.List, opts Options) *Ingestor {
	if blocked == nil {
		blocked = blocklist.New(nil)
	}
	return &Ingestor{
		publisher: publisher,
		source:    source,
		blocked:   blocked,
		opts:      opts.withDefaults(),
	}
}

// Run resolves the named list and fans its members out onto the queue.
// Batching-mode campaigns enqueue one address message per recipient for
// downstream aggregation; otherwise each recipient becomes a fully-formed
// send request with its own operation id. A fatal publish failure drops
// that batch only; later pages still run.
func (i *Ingestor) Run(ctx context.Context, cmp *campaign.Campaign, listName string) (Result, error) {
	var res Result

	list, err := i.source.ResolveList(ctx, listName)
	if err != nil {
		return res, fmt.Errorf("resolving list %q: %w", listName, err)
	}
	logger.Info("ingestion started",
		"campaign_id", cmp.ID,
		"list_id", list.ID,
		"dynamic", fmt.Sprintf("%t", list.Dynamic))

	builder := queue.NewBatchBuilder()
	token := ""
	for {
		page, err := i.source.FetchPage(ctx, list.ID, token, i.opts.PageSize)
		if err != nil {
			return res, fmt.Errorf("fetching list page: %w", err)
		}

		for _, rcpt := range page.Recipients {
			res.Total++
			if i.blocked.Blocked(rcpt.Address) {
				res.Blocked++
				logger.Debug("recipient suppressed", "campaign_id", cmp.ID, "recipient", rcpt.Address)
				continue
			}

			msg, err := i.envelope(cmp, rcpt)
			if err != nil {
				return res, err
			}
			if builder.TryAdd(msg) {
				continue
			}
			// Full batch; publish and start the next with the refused message.
			res.Published += i.flush(ctx, cmp.ID, builder, &res)
			if !builder.TryAdd(msg) {
				return res, fmt.Errorf("message for campaign %s exceeds transport limits", cmp.ID)
			}
		}

		if !page.HasMore {
			break
		}
		token = page.NextToken
	}
	res.Published += i.flush(ctx, cmp.ID, builder, &res)

	logger.Info("ingestion finished",
		"campaign_id", cmp.ID,
		"total", fmt.Sprintf("%d", res.Total),
		"blocked", fmt.Sprintf("%d", res.Blocked),
		"published", fmt.Sprintf("%d", res.Published),
		"dropped", fmt.Sprintf("%d", res.Dropped))
	return res, ctx.Err()
}

// envelope builds the queue message for one recipient.
func (i *Ingestor) envelope(cmp *campaign.Campaign, rcpt crm.Recipient) (queue.Outgoing, error) {
	addr := campaign.EmailAddress{Address: rcpt.Address, DisplayName: rcpt.DisplayName}

	if cmp.BatchingEnabled() {
		body, err := json.Marshal(campaign.AddressEnvelope{
			CampaignID: cmp.ID,
			Recipient:  addr,
		})
		if err != nil {
			return queue.Outgoing{}, fmt.Errorf("marshaling address envelope: %w", err)
		}
		return queue.Outgoing{
			Type:    queue.TypeAddress,
			Body:    body,
			DedupID: dedupID(rcpt.Address, cmp.ID),
			GroupID: cmp.ID,
		}, nil
	}

	body, err := json.Marshal(campaign.RequestEnvelope{
		CampaignID:  cmp.ID,
		Recipients:  cmp.Recipients([]campaign.EmailAddress{addr}),
		OperationID: uuid.NewString(),
	})
	if err != nil {
		return queue.Outgoing{}, fmt.Errorf("marshaling request envelope: %w", err)
	}
	return queue.Outgoing{
		Type:    queue.TypeRequest,
		Body:    body,
		DedupID: dedupID(rcpt.Address, cmp.ID),
		GroupID: cmp.ID,
	}, nil
}

// dedupID is stable per (recipient, campaign) so a re-run of ingestion
// cannot double-enqueue a recipient within the broker's dedup window.
func dedupID(address, campaignID string) string {
	return fmt.Sprintf("%s_%s", address, campaignID)
}

// flush publishes the builder's contents with retry and resets it. Returns
// the number of messages that made it onto the queue; fatal failures are
// tallied as dropped.
func (i *Ingestor) flush(ctx context.Context, campaignID string, builder *queue.BatchBuilder, res *Result) int {
	n := builder.Len()
	if n == 0 {
		return 0
	}
	err := i.publishWithRetry(ctx, builder.Messages())
	builder.Reset()
	if err != nil {
		res.Dropped += n
		logger.Error("publish batch dropped",
			"campaign_id", campaignID,
			"count", fmt.Sprintf("%d", n),
			"error", err.Error())
		return 0
	}
	return n
}

// publishWithRetry retries transient publish failures on tiered backoff:
// quota exhaustion waits the long tier, broker congestion the short one.
// Attempts are bounded so a poisoned batch cannot wedge ingestion forever.
func (i *Ingestor) publishWithRetry(ctx context.Context, msgs []queue.Outgoing) error {
	var err error
	for attempt := 1; attempt <= i.opts.MaxPublishTries; attempt++ {
		err = i.publisher.Publish(ctx, msgs)
		if err == nil {
			return nil
		}

		var wait time.Duration
		switch queue.ClassifyPublishError(err) {
		case queue.PublishRetryQuota:
			wait = i.opts.QuotaBackoff
		case queue.PublishRetryBusy:
			wait = i.opts.BusyBackoff
		default:
			return err
		}

		logger.Warn("publish failed, backing off",
			"attempt", fmt.Sprintf("%d", attempt),
			"wait", wait.String(),
			"error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("publish gave up after %d attempts: %w", i.opts.MaxPublishTries, err)
}
