package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fintlabs/payment-reconciler/internal/dupguard"
	"github.com/fintlabs/payment-reconciler/internal/order"
)

// SessionRegistry holds one processing-order marker per checkout session.
// Entries live for the duration of the process; a production deployment
// would back this with the session store of the surrounding shop.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*dupguard.Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[string]*dupguard.Session{}}
}

func (r *SessionRegistry) Session(id string) *dupguard.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = dupguard.NewSession()
		r.sessions[id] = s
	}
	return s
}

// RegisterCheckoutRoutes mounts the duplicate-payment check invoked by
// the checkout flow before it creates a new charge.
func RegisterCheckoutRoutes(mux *http.ServeMux, guard *dupguard.Guard, store order.Store, sessions *SessionRegistry) {
	mux.Handle("/api/checkout/payment-attempt", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePaymentAttempt(guard, store, sessions, w, r)
	}), "checkout-payment-attempt"))
}

func handlePaymentAttempt(guard *dupguard.Guard, store order.Store, sessions *SessionRegistry, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		SessionID string `json:"session_id"`
		OrderID   string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.SessionID == "" || payload.OrderID == "" {
		http.Error(w, "session_id and order_id are required", http.StatusBadRequest)
		return
	}

	o, err := store.OrderFromOrderID(r.Context(), payload.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		log.Printf("[Checkout] failed to load order %s: %v", payload.OrderID, err)
		http.Error(w, "failed to load order", http.StatusInternalServerError)
		return
	}

	sess := sessions.Session(payload.SessionID)
	redirect, err := guard.CheckSession(r.Context(), sess, o)
	if err != nil {
		log.Printf("[Checkout] duplicate session check failed for %s: %v", o.ID, err)
		http.Error(w, "duplicate check failed", http.StatusInternalServerError)
		return
	}
	if redirect == nil {
		redirect, err = guard.CheckAttachedIntent(r.Context(), o)
		if err != nil {
			log.Printf("[Checkout] attached intent check failed for %s: %v", o.ID, err)
			http.Error(w, "duplicate check failed", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if redirect != nil {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"redirect":                redirect.URL,
			"paid_for_previous_order": redirect.PaidForPreviousOrder,
		})
		return
	}

	// No duplicate found: this attempt proceeds, so it becomes the
	// session's in-flight payment.
	guard.MarkPaymentAttempt(sess, o)
	_ = json.NewEncoder(w).Encode(map[string]any{"proceed": true})
}
