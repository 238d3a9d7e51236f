package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-mailer/internal/campaign"
	"github.com/ignite/campaign-mailer/internal/ingest"
)

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	refuse   bool
	releases int
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse || l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.releases++
	return nil
}

type fakeIngestor struct {
	mu    sync.Mutex
	calls []string
	block chan struct{} // optional; Run waits on it when set
}

func (f *fakeIngestor) Run(ctx context.Context, cmp *campaign.Campaign, listName string) (ingest.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, listName)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return ingest.Result{Total: 3, Published: 3}, nil
}

func (f *fakeIngestor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func supervisorFixture(t *testing.T, lock *fakeLock, ing *fakeIngestor) *Supervisor {
	t.Helper()
	broker := newMemBroker()
	opts := fastOptions()
	opts.IdleExit = 20 * time.Millisecond
	return NewSupervisor(broker, &scriptSender{}, newMemRecorder(), ing, func(key string) Lock {
		return lock
	}, opts)
}

func TestStartRunRunsIngestionThenDispatch(t *testing.T) {
	lock := &fakeLock{}
	ing := &fakeIngestor{}
	s := supervisorFixture(t, lock, ing)
	cmp := testCampaign(t, 2, 10*time.Millisecond)

	err := s.StartRun(context.Background(), RunRequest{Campaign: cmp, ListName: "Spring Promo"})
	require.NoError(t, err)
	assert.True(t, s.Active("cmp-1"))

	s.Wait()
	assert.Equal(t, 1, ing.callCount())
	assert.False(t, s.Active("cmp-1"))
	assert.Equal(t, 1, lock.releases)
}

func TestStartRunSkipsIngestion(t *testing.T) {
	lock := &fakeLock{}
	ing := &fakeIngestor{}
	s := supervisorFixture(t, lock, ing)
	cmp := testCampaign(t, 2, 10*time.Millisecond)

	err := s.StartRun(context.Background(), RunRequest{Campaign: cmp, SkipIngestion: true})
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 0, ing.callCount())
	assert.Equal(t, 1, lock.releases)
}

func TestStartRunRejectsConcurrentRun(t *testing.T) {
	lock := &fakeLock{}
	ing := &fakeIngestor{block: make(chan struct{})}
	s := supervisorFixture(t, lock, ing)

	cmpA := testCampaign(t, 2, 10*time.Millisecond)
	require.NoError(t, s.StartRun(context.Background(), RunRequest{Campaign: cmpA, ListName: "L"}))

	cmpB := testCampaign(t, 2, 10*time.Millisecond)
	err := s.StartRun(context.Background(), RunRequest{Campaign: cmpB, ListName: "L"})
	assert.ErrorIs(t, err, ErrRunActive)

	close(ing.block)
	s.Wait()

	// With the first run finished the campaign can start again.
	cmpC := testCampaign(t, 2, 10*time.Millisecond)
	require.NoError(t, s.StartRun(context.Background(), RunRequest{Campaign: cmpC, SkipIngestion: true}))
	s.Wait()
}

func TestStartRunRejectsWhenLockHeldElsewhere(t *testing.T) {
	lock := &fakeLock{refuse: true}
	ing := &fakeIngestor{}
	s := supervisorFixture(t, lock, ing)
	cmp := testCampaign(t, 2, 10*time.Millisecond)

	err := s.StartRun(context.Background(), RunRequest{Campaign: cmp, ListName: "L"})
	assert.ErrorIs(t, err, ErrRunActive)
	assert.False(t, s.Active("cmp-1"))
	assert.Equal(t, 0, lock.releases)
}

func TestShutdownStopsRuns(t *testing.T) {
	lock := &fakeLock{}
	ing := &fakeIngestor{}
	s := supervisorFixture(t, lock, ing)

	cmp := testCampaign(t, 2, 10*time.Millisecond)
	require.NoError(t, s.StartRun(context.Background(), RunRequest{Campaign: cmp, SkipIngestion: true}))

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, 1, lock.releases)
}
