// Package httpapi exposes the custody service REST surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/method-app/custody/internal/app/metrics"
	custodysvc "github.com/method-app/custody/internal/app/services/custody"
	"github.com/method-app/custody/internal/app/storage"
)

// handler bundles HTTP endpoints for the custody service.
type handler struct {
	svc *custodysvc.Service
}

// NewHandler returns a router exposing the custody REST API. jwtSecret
// enables bearer auth on user-facing routes; empty disables it.
func NewHandler(svc *custodysvc.Service, jwtSecret string) http.Handler {
	h := &handler{svc: svc}

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(metrics.InstrumentHandler))

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	if jwtSecret != "" {
		api.Use(authMiddleware(jwtSecret))
	}
	api.HandleFunc("/users/{id}/balance", h.balance).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/deposit-address", h.depositAddress).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/history", h.history).Methods(http.MethodGet)
	api.HandleFunc("/payments/notifications", h.paymentNotification).Methods(http.MethodPost)
	api.HandleFunc("/sweeps/{key}", h.sweepStatus).Methods(http.MethodGet)
	api.HandleFunc("/sweeps/{key}/retry", h.retrySweep).Methods(http.MethodPost)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        userID,
		"ticket_balance": balance,
	})
}

func (h *handler) depositAddress(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	address, err := h.svc.GetDepositAddress(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": userID,
		"address": address,
	})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	entries, err := h.svc.History(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	type entry struct {
		Key       string `json:"idempotency_key"`
		Type      string `json:"type"`
		Amount    int64  `json:"amount"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{
			Key:       e.Key,
			Type:      e.Type,
			Amount:    e.Amount,
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) paymentNotification(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID         string `json:"user_id"`
		IdempotencyKey string `json:"idempotency_key"`
		Amount         int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.svc.OnExternalPaymentNotification(r.Context(), payload.UserID, payload.IdempotencyKey, payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_balance":    result.Balance,
		"already_processed": result.AlreadyProcessed,
	})
}

func (h *handler) sweepStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	st, err := h.svc.GetSweepStatus(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"idempotency_key": st.Key,
		"state":           st.State,
		"amount":          st.Amount,
		"tx_hash":         st.TxHash,
		"reason":          st.Reason,
	})
}

func (h *handler) retrySweep(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	result, err := h.svc.RetrySweep(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcome": result.Outcome,
		"amount":  result.Amount,
		"tx_hash": result.TxHash,
		"reason":  result.Reason,
	})
}

func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
