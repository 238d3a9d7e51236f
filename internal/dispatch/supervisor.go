package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/campaign-mailer/internal/campaign"
	"github.com/ignite/campaign-mailer/internal/ingest"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
)

// ErrRunActive means a run for the campaign is already in flight, here or
// on another instance.
var ErrRunActive = errors.New("campaign run already active")

// Lock is one acquired-or-not distributed lock.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory builds a lock for a key. The factory owns TTL policy.
type LockFactory func(key string) Lock

// IngestRunner fans a campaign's recipient list onto the queue.
type IngestRunner interface {
	Run(ctx context.Context, cmp *campaign.Campaign, listName string) (ingest.Result, error)
}

// RunRequest describes one campaign run. SkipIngestion starts dispatch
// against whatever the queue already holds, which is how a crashed run is
// resumed without re-reading the list.
type RunRequest struct {
	Campaign      *campaign.Campaign
	ListName      string
	SkipIngestion bool
}

// Supervisor serializes campaign runs: at most one active run per campaign
// id across all instances, enforced by a distributed lock plus a local
// registry. Runs execute in the background; StartRun only blocks for lock
// acquisition.
type Supervisor struct {
	broker   Broker
	sender   Sender
	recorder Recorder
	ingestor IngestRunner
	newLock  LockFactory
	opts     Options

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// NewSupervisor wires a supervisor over the run dependencies.
func NewSupervisor(broker Broker, sender Sender, recorder Recorder, ingestor IngestRunner, newLock LockFactory, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		broker:   broker,
		sender:   sender,
		recorder: recorder,
		ingestor: ingestor,
		newLock:  newLock,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
		active:   make(map[string]struct{}),
	}
}

// StartRun claims the campaign and launches its run in the background.
// Returns ErrRunActive when the campaign is already running anywhere.
func (s *Supervisor) StartRun(ctx context.Context, req RunRequest) error {
	id := req.Campaign.ID

	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		return ErrRunActive
	}
	s.active[id] = struct{}{}
	s.mu.Unlock()

	lock := s.newLock(fmt.Sprintf("campaign:%s", id))
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("acquiring campaign lock: %w", err)
		}
		return ErrRunActive
	}

	s.wg.Add(1)
	go s.run(req, lock)
	return nil
}

// Active reports whether this instance is running the campaign.
func (s *Supervisor) Active(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[campaignID]
	return ok
}

// Shutdown cancels every in-flight run and waits for them to settle.
// In-flight messages stay unacknowledged and redeliver on the next run.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every launched run has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) run(req RunRequest, lock Lock) {
	id := req.Campaign.ID
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()

		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Error("failed to release campaign lock", "campaign_id", id, "error", err.Error())
		}
	}()

	logger.Info("campaign run started", "campaign_id", id, "skip_ingestion", fmt.Sprintf("%t", req.SkipIngestion))
	started := time.Now()

	if !req.SkipIngestion {
		res, err := s.ingestor.Run(s.baseCtx, req.Campaign, req.ListName)
		if err != nil {
			// Dispatch still runs: earlier pages may be queued, and a
			// previous run may have left messages behind.
			logger.Error("ingestion failed", "campaign_id", id, "error", err.Error())
		}
		logger.Info("ingestion summary",
			"campaign_id", id,
			"total", fmt.Sprintf("%d", res.Total),
			"blocked", fmt.Sprintf("%d", res.Blocked),
			"published", fmt.Sprintf("%d", res.Published))
	}

	d := NewDispatcher(s.broker, s.sender, s.recorder, req.Campaign, s.opts)
	stats := d.Run(s.baseCtx)

	logger.Info("campaign run finished",
		"campaign_id", id,
		"sent", fmt.Sprintf("%d", stats.Sent),
		"failed", fmt.Sprintf("%d", stats.Failed),
		"retried", fmt.Sprintf("%d", stats.Retried),
		"poisoned", fmt.Sprintf("%d", stats.Poisoned),
		"duration", time.Since(started).Truncate(time.Millisecond).String())
}
