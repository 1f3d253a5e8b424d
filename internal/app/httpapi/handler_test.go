package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	custodysvc "github.com/method-app/custody/internal/app/services/custody"
	"github.com/method-app/custody/internal/app/storage/memory"
	"github.com/method-app/custody/internal/ton"
)

// stubLedger satisfies the chain interfaces without a network.
type stubLedger struct{}

func (stubLedger) GetMasterchainHeight(context.Context) (uint64, error) { return 0, nil }
func (stubLedger) GetBlockTransactions(context.Context, uint64) ([]ton.Transaction, error) {
	return nil, nil
}
func (stubLedger) GetAccountTransactions(context.Context, string, int) ([]ton.Transaction, error) {
	return nil, nil
}
func (stubLedger) GetBalance(context.Context, string) (int64, error) { return 0, nil }
func (stubLedger) GetSeqno(context.Context, string) (uint32, error)  { return 0, nil }
func (stubLedger) SendBoc(context.Context, []byte) (string, error)   { return "", nil }

func testHandler(t *testing.T, secret string) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	verifier := custodysvc.NewVerifier(stubLedger{}, store, nil, custodysvc.VerifierConfig{
		Attempts:     1,
		InitialDelay: time.Millisecond,
		Delay:        time.Millisecond,
		Freshness:    time.Minute,
		HistoryLimit: 5,
	}, nil)
	sweeper := custodysvc.NewSweeper(store, stubLedger{}, custodysvc.DefaultSweeperConfig("op-addr"), nil)
	svc := custodysvc.New(store, store, verifier, sweeper, nil)
	return NewHandler(svc, secret), store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header http.Header) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Body.String(), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthz(t *testing.T) {
	h, _ := testHandler(t, "")
	rec, body := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	h, store := testHandler(t, "")
	store.SetBalance("u1", 42)

	rec, body := doJSON(t, h, http.MethodGet, "/v1/users/u1/balance", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["ticket_balance"] != float64(42) {
		t.Fatalf("body = %v", body)
	}
}

func TestDepositAddressEndpoint(t *testing.T) {
	h, _ := testHandler(t, "")

	rec, body := doJSON(t, h, http.MethodGet, "/v1/users/u1/deposit-address", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	address, _ := body["address"].(string)
	if address == "" {
		t.Fatal("empty address")
	}

	// Stable across calls.
	_, again := doJSON(t, h, http.MethodGet, "/v1/users/u1/deposit-address", "", nil)
	if again["address"] != address {
		t.Fatal("address changed between calls")
	}
}

func TestPaymentNotificationIdempotent(t *testing.T) {
	h, _ := testHandler(t, "")
	payload := `{"user_id":"u1","idempotency_key":"n1","amount":3}`

	rec, body := doJSON(t, h, http.MethodPost, "/v1/payments/notifications", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["ticket_balance"] != float64(3) || body["already_processed"] != false {
		t.Fatalf("first body = %v", body)
	}

	rec, body = doJSON(t, h, http.MethodPost, "/v1/payments/notifications", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["ticket_balance"] != float64(3) || body["already_processed"] != true {
		t.Fatalf("duplicate body = %v", body)
	}
}

func TestPaymentNotificationRejectsBadBody(t *testing.T) {
	h, _ := testHandler(t, "")

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/payments/notifications", `{"amount":-1,"user_id":"u1","idempotency_key":"k"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount status = %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/payments/notifications", `{"unknown_field":1}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestSweepStatusNotFound(t *testing.T) {
	h, _ := testHandler(t, "")
	rec, _ := doJSON(t, h, http.MethodGet, "/v1/sweeps/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRetrySweepNotFound(t *testing.T) {
	h, _ := testHandler(t, "")
	rec, _ := doJSON(t, h, http.MethodPost, "/v1/sweeps/ghost/retry", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	h, store := testHandler(t, secret)
	store.SetBalance("u1", 7)

	rec, _ := doJSON(t, h, http.MethodGet, "/v1/users/u1/balance", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/users/u1/balance", "", http.Header{
		"Authorization": {"Bearer garbage"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}

	token, err := IssueToken(secret, "u1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec, body := doJSON(t, h, http.MethodGet, "/v1/users/u1/balance", "", http.Header{
		"Authorization": {"Bearer " + token},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["ticket_balance"] != float64(7) {
		t.Fatalf("body = %v", body)
	}

	// A token signed with the wrong secret is rejected.
	wrong, err := IssueToken("other-secret", "u1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/users/u1/balance", "", http.Header{
		"Authorization": {"Bearer " + wrong},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d", rec.Code)
	}

	// Health stays open.
	rec, _ = doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h, store := testHandler(t, "")
	ctx := context.Background()
	if _, _, err := store.AtomicCreditIfNotProcessed(ctx, "u1", "k1", 5, "purchase"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/users/u1/history", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var entries []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0]["idempotency_key"] != "k1" || entries[0]["amount"] != float64(5) {
		t.Fatalf("entry = %v", entries[0])
	}
}
