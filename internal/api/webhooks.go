package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fintlabs/payment-reconciler/internal/order"
	"github.com/fintlabs/payment-reconciler/internal/poller"
	"github.com/fintlabs/payment-reconciler/internal/webhook"
)

// RegisterWebhookRoutes mounts the provider webhook endpoint and the
// account-refresh signal that drives the polling fallback.
func RegisterWebhookRoutes(mux *http.ServeMux, proc *webhook.Processor, pol *poller.Poller, callbackToken string) {
	mux.Handle("/webhooks/payment", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		processProviderWebhook(proc, callbackToken, w, r)
	}), "payment-webhook"))

	mux.Handle("/api/account/refreshed", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAccountRefreshed(pol, w, r)
	}), "account-refreshed"))
}

func processProviderWebhook(proc *webhook.Processor, callbackToken string, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if callbackToken != "" && r.Header.Get("x-callback-token") != callbackToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	if err := proc.Process(r.Context(), payload); err != nil {
		var verr *webhook.ValidationError
		switch {
		case errors.As(err, &verr):
			http.Error(w, verr.Error(), http.StatusBadRequest)
		case errors.Is(err, order.ErrNotFound):
			log.Printf("[Webhook] no order for event: %v", err)
			http.Error(w, "order not found", http.StatusNotFound)
		default:
			log.Printf("[Webhook] failed to process event: %v", err)
			http.Error(w, "failed to process event", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "received"})
}

func handleAccountRefreshed(pol *poller.Poller, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		ContinuousFetch bool `json:"continuous_fetch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := pol.OnAccountRefreshed(r.Context(), payload.ContinuousFetch); err != nil {
		log.Printf("[Webhook] failed to start fetch cycle: %v", err)
		http.Error(w, "failed to schedule fetch", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "scheduled"})
}
