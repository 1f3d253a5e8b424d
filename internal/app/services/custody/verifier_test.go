package custody

import (
	"context"
	"testing"
	"time"

	domain "github.com/method-app/custody/internal/app/domain/custody"
	"github.com/method-app/custody/internal/app/storage/memory"
	"github.com/method-app/custody/internal/ton"
)

func testVerifier(t *testing.T, ledger Ledger, store *memory.Store, confirm ConfirmationSource, attempts int) *Verifier {
	t.Helper()
	v := NewVerifier(ledger, store, confirm, VerifierConfig{
		Attempts:     attempts,
		InitialDelay: time.Millisecond,
		Delay:        time.Millisecond,
		Freshness:    30 * time.Minute,
		HistoryLimit: 20,
	}, nil)
	v.sleep = noSleep
	return v
}

func TestVerifyFindsDeposit(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	ledger.addAccountTx("addr1", incomingTx("h1", "addr1", "buy:5:k1", 100))

	v := testVerifier(t, ledger, store, &fakeConfirm{seen: true}, 3)
	result, err := v.Verify(context.Background(), acct, Memo{Tag: "buy", Amount: 5, Key: "k1"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Confirmed {
		t.Fatal("expected confirmed")
	}
	if result.TxHash != "h1" {
		t.Errorf("tx hash = %q", result.TxHash)
	}
}

func TestVerifyRetriesUntilFound(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	v := testVerifier(t, ledger, store, nil, 5)
	attempts := 0
	v.sleep = func(context.Context, time.Duration) error {
		attempts++
		if attempts == 3 {
			ledger.addAccountTx("addr1", incomingTx("h2", "addr1", "buy:5:k2", 100))
		}
		return nil
	}

	result, err := v.Verify(context.Background(), acct, Memo{Tag: "buy", Amount: 5, Key: "k2"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Confirmed {
		t.Fatal("expected confirmed after retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestVerifyExhaustionIsPendingNotError(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	v := testVerifier(t, ledger, store, nil, 3)
	result, err := v.Verify(context.Background(), acct, Memo{Tag: "buy", Amount: 5, Key: "missing"})
	if err != nil {
		t.Fatalf("exhaustion must not error: %v", err)
	}
	if result.Confirmed {
		t.Fatal("expected unconfirmed")
	}
}

func TestVerifyRejectsStaleTransaction(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	stale := incomingTx("h3", "addr1", "buy:5:k3", 100)
	stale.Utime = time.Now().Add(-2 * time.Hour).Unix()
	ledger.addAccountTx("addr1", stale)

	v := testVerifier(t, ledger, store, nil, 2)
	result, err := v.Verify(context.Background(), acct, Memo{Tag: "buy", Amount: 5, Key: "k3"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Confirmed {
		t.Fatal("stale transaction must not confirm")
	}
}

func TestVerifyIgnoresOutgoing(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	ledger.addAccountTx("addr1", outgoingTx("h4", "elsewhere", "k4", 100))

	v := testVerifier(t, ledger, store, nil, 2)
	result, err := v.Verify(context.Background(), acct, Memo{Tag: "buy", Amount: 5, Key: "k4"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Confirmed {
		t.Fatal("outgoing transfer must not confirm a deposit")
	}
}

func TestVerifyShortCircuitsCreditedKey(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	if _, err := store.CreateDepositRecord(context.Background(), domain.DepositRecord{
		Key:         "k5",
		UserID:      "u1",
		AccountID:   "a1",
		Status:      domain.StatusCredited,
		ChainTxHash: "earlier-hash",
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	v := testVerifier(t, ledger, store, nil, 3)
	result, err := v.Verify(context.Background(), acct, Memo{Tag: "buy", Amount: 5, Key: "k5"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Confirmed {
		t.Fatal("credited key must short-circuit to confirmed")
	}
	if result.TxHash != "earlier-hash" {
		t.Errorf("tx hash = %q", result.TxHash)
	}
	if ledger.accountCalls != 0 {
		t.Errorf("expected no network calls, got %d", ledger.accountCalls)
	}
}

func TestVerifyConfirmationSourceBlocks(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	ledger.addAccountTx("addr1", incomingTx("h6", "addr1", "buy:5:k6", 100))

	// The corroboration source never sees the transaction, so the verifier
	// exhausts its budget without confirming.
	v := testVerifier(t, ledger, store, &fakeConfirm{seen: false}, 3)
	result, err := v.Verify(context.Background(), acct, Memo{Tag: "buy", Amount: 5, Key: "k6"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Confirmed {
		t.Fatal("unconfirmed corroboration must not verify")
	}
}

func TestVerifyContextCancellation(t *testing.T) {
	ledger := newFakeLedger()
	store := memory.New()
	acct := domain.CustodialAccount{ID: "a1", UserID: "u1", Address: "addr1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewVerifier(ledger, store, nil, VerifierConfig{
		Attempts:     3,
		InitialDelay: time.Hour,
		Delay:        time.Hour,
		Freshness:    time.Hour,
		HistoryLimit: 20,
	}, nil)

	if _, err := v.Verify(ctx, acct, Memo{Tag: "buy", Amount: 5, Key: "k7"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestLocateMatchesKeyOnly(t *testing.T) {
	v := testVerifier(t, newFakeLedger(), memory.New(), nil, 1)

	txs := []ton.Transaction{
		incomingTx("other", "addr1", "buy:9:other-key", 100),
		incomingTx("match", "addr1", "topup:9:k8", 100),
	}

	// The tag was validated at classification; locate matches on the key.
	hash, found := v.locate(txs, Memo{Tag: "buy", Amount: 5, Key: "k8"})
	if !found || hash != "match" {
		t.Fatalf("locate = (%q, %t)", hash, found)
	}
}
