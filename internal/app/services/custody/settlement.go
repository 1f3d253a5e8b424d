package custody

import (
	"context"
	"sync"
	"time"

	domain "github.com/method-app/custody/internal/app/domain/custody"
	"github.com/method-app/custody/internal/app/storage"
	"github.com/method-app/custody/internal/app/system"
	"github.com/method-app/custody/pkg/logger"
)

var _ system.Service = (*SettlementPoller)(nil)

// SettlementPoller re-drives deposits left mid-pipeline: records still
// Pending or Verified are pushed through verify/credit/sweep again, and
// initiated sweeps whose confirmation loop died with the process get a fresh
// confirmation budget. This is what makes the pipeline resumable after a
// crash.
type SettlementPoller struct {
	store    storage.CustodyStore
	service  *Service
	sweeper  *Sweeper
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

// NewSettlementPoller creates the recovery poller.
func NewSettlementPoller(store storage.CustodyStore, service *Service, sweeper *Sweeper, interval time.Duration, log *logger.Logger) *SettlementPoller {
	if log == nil {
		log = logger.NewDefault("custody-settlement")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SettlementPoller{
		store:       store,
		service:     service,
		sweeper:     sweeper,
		interval:    interval,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *SettlementPoller) Name() string { return "custody-settlement" }

func (p *SettlementPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("deposit settlement poller started")
	return nil
}

func (p *SettlementPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (p *SettlementPoller) tick(ctx context.Context) {
	records, err := p.store.ListUnsettledDeposits(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list unsettled deposits failed")
		return
	}

	now := time.Now()
	for _, rec := range records {
		if !p.shouldAttempt(rec.Key, now) {
			continue
		}

		switch rec.Status {
		case domain.StatusPending, domain.StatusVerified, domain.StatusCredited:
			if err := p.service.Resume(ctx, rec); err != nil {
				p.log.WithError(err).Warnf("resume deposit %s failed", rec.Key)
			}
		case domain.StatusSweepInitiated:
			acct, err := p.store.GetCustodialAccount(ctx, rec.AccountID)
			if err != nil {
				p.log.WithError(err).Warnf("load account for sweep %s failed", rec.Key)
				break
			}
			p.sweeper.Confirm(ctx, acct, rec.Key)
		}

		p.scheduleNext(rec.Key, p.interval)
	}
}

func (p *SettlementPoller) shouldAttempt(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[key]
	return !ok || now.After(next)
}

func (p *SettlementPoller) scheduleNext(key string, after time.Duration) {
	p.mu.Lock()
	p.nextAttempt[key] = time.Now().Add(after)
	p.mu.Unlock()
}
