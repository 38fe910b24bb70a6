package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pulldeck/PullDeck/internal/pkg/billing"
	"github.com/pulldeck/PullDeck/internal/pkg/metrics/counter"
)

// retryBatchSize bounds how many due items one pass touches, keeping ticks
// short even when a backlog built up.
const retryBatchSize = 10

// DefaultInterval is how often the in-process manager scans for due retries.
// An external job runner can instead call RunOnce on its own cadence.
const DefaultInterval = time.Minute

// Manager runs the webhook retry scheduler as a periodic background task.
// All scheduling state lives in the webhook_retry_items table; the manager
// holds no in-memory job registry, so restarts neither lose nor double-fire
// scheduled work.
type Manager struct {
	repo       billing.Repository
	svc        *billing.Service
	dispatcher *billing.Dispatcher

	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	now func() time.Time
}

// NewManager creates a retry scheduler over the shared billing components.
func NewManager(repo billing.Repository, svc *billing.Service, dispatcher *billing.Dispatcher) *Manager {
	return &Manager{
		repo:       repo,
		svc:        svc,
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start begins periodic retry scans.
func (m *Manager) Start(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	// Recreate stop channel each start cycle so the manager can be restarted.
	m.stopCh = make(chan struct{})
	m.running = true
	m.ticker = time.NewTicker(interval)

	log.Infof("[RetryScheduler] Starting (interval=%s, batch=%d)", interval, retryBatchSize)
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the periodic scans and waits for an in-flight pass to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[RetryScheduler] Stopping...")
	close(m.stopCh)
	m.ticker.Stop()
	m.running = false
	m.wg.Wait()
	log.Info("[RetryScheduler] Stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.ticker.C:
			if err := m.RunOnce(context.Background()); err != nil {
				log.Errorf("[RetryScheduler] Pass failed: %v", err)
			}
		}
	}
}

// RunOnce performs one scan-and-process pass: fetch due retry items (bounded
// batch) and re-dispatch each one sequentially. This is also the entry point
// for an external job runner. Per-item failures are handled inside the pass;
// only the scan itself can fail.
func (m *Manager) RunOnce(ctx context.Context) error {
	items, err := m.repo.DueRetryItems(m.now(), retryBatchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	log.Infof("[RetryScheduler] Processing %d due retry item(s)", len(items))
	for _, item := range items {
		m.processItem(ctx, item.WebhookEventID)
	}
	return nil
}

func (m *Manager) processItem(ctx context.Context, eventID uint) {
	ev, err := m.repo.GetEventByID(eventID)
	if err != nil {
		log.Errorf("[RetryScheduler] Event %d vanished from audit log: %v", eventID, err)
		return
	}
	if ev.Processed {
		// Stale item (e.g. a concurrent fresh delivery already succeeded).
		if err := m.repo.DeleteRetryItem(ev.ID); err != nil {
			log.Errorf("[RetryScheduler] Failed to drop stale retry item for event %d: %v", ev.ID, err)
		}
		return
	}

	dispatchErr := m.dispatcher.Dispatch(ctx, ev)
	if dispatchErr == nil {
		log.Infof("[RetryScheduler] Event %d processed on retry %d", ev.ID, ev.ErrorCount+1)
		_ = counter.AddWebhookOutcome(counter.WebhookProcessed)
		return
	}

	retryable := billing.IsRetryable(dispatchErr)
	permanent, err := m.svc.LogError(ctx, ev.ID, dispatchErr, retryable)
	if err != nil {
		log.Errorf("[RetryScheduler] Failed to record error for event %d: %v", ev.ID, err)
		return
	}
	if !permanent {
		_ = counter.AddWebhookOutcome(counter.WebhookRetryScheduled)
		return
	}

	if retryable {
		if err := m.svc.FailPermanently(ctx, ev.ID, dispatchErr); err != nil {
			log.Errorf("[RetryScheduler] Failed to finalize event %d: %v", ev.ID, err)
			return
		}
	} else if err := m.repo.DeleteRetryItem(ev.ID); err != nil {
		log.Errorf("[RetryScheduler] Failed to drop retry item for event %d: %v", ev.ID, err)
		return
	}
	_ = counter.AddWebhookOutcome(counter.WebhookFailedFinal)
}
