// Package app ties the custody services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/method-app/custody/internal/app/services/custody"
	"github.com/method-app/custody/internal/app/storage"
	"github.com/method-app/custody/internal/app/storage/memory"
	"github.com/method-app/custody/internal/app/system"
	"github.com/method-app/custody/internal/config"
	"github.com/method-app/custody/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users   storage.UserStore
	Custody storage.CustodyStore
	Cursor  storage.CursorStore
}

// Application wires the deposit pipeline and manages its lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Custody *custody.Service
	Sweeper *custody.Sweeper
	Scanner *custody.Scanner
}

// New builds a fully initialised application with the provided stores and
// ledger client.
func New(stores Stores, ledger custody.Ledger, confirm custody.ConfirmationSource, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Custody == nil {
		stores.Custody = mem
	}
	if stores.Cursor == nil {
		stores.Cursor = mem
	}

	manager := system.NewManager()

	verifier := custody.NewVerifier(ledger, stores.Custody, confirm, custody.VerifierConfig{
		Attempts:     cfg.Verifier.Attempts,
		InitialDelay: cfg.Verifier.InitialDelay.Std(),
		Delay:        cfg.Verifier.Delay.Std(),
		Freshness:    cfg.Verifier.FreshnessWindow.Std(),
		HistoryLimit: cfg.Verifier.HistoryLimit,
	}, log)

	sweeper := custody.NewSweeper(stores.Custody, ledger, custody.SweeperConfig{
		OperatingAddress: cfg.Sweep.OperatingAddress,
		FeeReserve:       cfg.Sweep.FeeReserve,
		MinTransfer:      cfg.Sweep.MinTransfer,
		DustThreshold:    cfg.Sweep.DustThreshold,
		TransferTTL:      cfg.Sweep.TransferTTL.Std(),
		ConfirmAttempts:  cfg.Sweep.ConfirmAttempts,
		ConfirmDelay:     cfg.Sweep.ConfirmDelay.Std(),
	}, log)

	service := custody.New(stores.Users, stores.Custody, verifier, sweeper, log)

	classifier := custody.NewClassifier(cfg.Memo.Tags)
	index := custody.NewAddressIndex(stores.Users)
	scanner := custody.NewScanner(ledger, stores.Cursor, classifier, index, service, cfg.Scanner.Interval.Std(), log)
	settlement := custody.NewSettlementPoller(stores.Custody, service, sweeper, cfg.Sweep.SettleInterval.Std(), log)

	for _, svc := range []system.Service{scanner, settlement} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager: manager,
		log:     log,
		Custody: service,
		Sweeper: sweeper,
		Scanner: scanner,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
