package custody

import (
	"context"
	"sync"
	"time"

	"github.com/method-app/custody/internal/app/metrics"
	"github.com/method-app/custody/internal/app/storage"
	"github.com/method-app/custody/internal/app/system"
	"github.com/method-app/custody/pkg/logger"
)

var _ system.Service = (*Scanner)(nil)

// CandidateHandler receives classified deposit candidates. The service
// implements it with a detached pipeline so the scanner never blocks on
// verification.
type CandidateHandler interface {
	HandleCandidate(ctx context.Context, userID string, candidate Candidate)
}

// Scanner advances the persisted block cursor one block per tick, dispatching
// each transaction through the classifier. At most one tick runs at a time;
// overlapping ticks are dropped.
type Scanner struct {
	ledger     Ledger
	cursor     storage.CursorStore
	classifier *Classifier
	index      *AddressIndex
	handler    CandidateHandler
	interval   time.Duration
	log        *logger.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	scanning bool
}

// NewScanner creates a lifecycle-managed chain scanner.
func NewScanner(ledger Ledger, cursor storage.CursorStore, classifier *Classifier, index *AddressIndex, handler CandidateHandler, interval time.Duration, log *logger.Logger) *Scanner {
	if log == nil {
		log = logger.NewDefault("custody-scanner")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Scanner{
		ledger:     ledger,
		cursor:     cursor,
		classifier: classifier,
		index:      index,
		handler:    handler,
		interval:   interval,
		log:        log,
	}
}

func (s *Scanner) Name() string { return "custody-scanner" }

func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()

	s.log.Info("chain scanner started")
	return nil
}

func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("chain scanner stopped")
	return nil
}

// Tick processes at most one unprocessed block. It is exported so tests can
// drive the scanner without the ticker.
func (s *Scanner) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return
	}
	s.scanning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	s.scan(ctx)
}

func (s *Scanner) scan(ctx context.Context) {
	height, err := s.ledger.GetMasterchainHeight(ctx)
	if err != nil {
		s.log.WithError(err).Warn("masterchain height query failed")
		return
	}

	cursor, err := s.cursor.Cursor(ctx)
	if err != nil {
		s.log.WithError(err).Warn("cursor read failed")
		return
	}
	if height <= cursor {
		return
	}

	// One block per tick, never a range. A fetch error leaves the cursor
	// untouched so the next tick retries the same block.
	next := cursor + 1
	txs, err := s.ledger.GetBlockTransactions(ctx, next)
	if err != nil {
		s.log.WithError(err).Warnf("block %d fetch failed", next)
		return
	}

	for _, tx := range txs {
		candidate, ok := s.classifier.Classify(tx)
		if !ok {
			continue
		}

		userID, custodial, err := s.index.Lookup(ctx, candidate.Recipient)
		if err != nil {
			// Per-transaction errors do not roll back the block advance;
			// the pending-deposit poller picks up anything recorded, and
			// a user retry re-creates anything that was not.
			s.log.WithError(err).Warnf("address lookup failed in block %d", next)
			continue
		}
		if !custodial {
			continue
		}

		s.log.WithField("key", candidate.Memo.Key).Infof("deposit candidate in block %d", next)
		s.handler.HandleCandidate(ctx, userID, candidate)
	}

	if err := s.cursor.SetCursor(ctx, next); err != nil {
		s.log.WithError(err).Warnf("cursor persist failed at %d", next)
		return
	}
	metrics.RecordBlockScanned(next)
}
