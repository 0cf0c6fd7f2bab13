package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"campaignd/internal/domain"
	"campaignd/internal/webhook"
)

type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (domain.Instance, bool, error)
}

// Webhook is the gateway callback ingress. Verification happens against the
// raw body before any parsing; an instance with no configured secret accepts
// unsigned callbacks.
type Webhook struct {
	Store      InstanceStore
	Reconciler *webhook.Reconciler
	// MaxBodyBytes bounds callback payload size; 0 means 256KB.
	MaxBodyBytes int64
}

func (h *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/instances/{id}", h.handleEvent).Methods(http.MethodPost)
}

func (h *Webhook) handleEvent(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]
	inst, found, err := h.Store.GetInstance(r.Context(), instanceID)
	if err != nil {
		slog.Error("webhook instance lookup failed", "err", err, "instance_id", instanceID)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	maxBytes := h.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 256 << 10
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		http.Error(w, ErrBadBody, http.StatusBadRequest)
		return
	}

	if inst.WebhookSecret != "" {
		if !webhook.VerifySignature(inst.WebhookSecret, body, r.Header.Get("X-Signature")) {
			http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
			return
		}
	}

	if err := h.Reconciler.Process(r.Context(), instanceID, body); err != nil {
		slog.Warn("webhook event rejected", "err", err, "instance_id", instanceID)
		http.Error(w, ErrBadBody, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
