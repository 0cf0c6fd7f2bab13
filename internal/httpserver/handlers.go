package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"campaignd/internal/instance"
	"campaignd/internal/scheduler"
	"campaignd/internal/service"
)

// API is the admin surface consumed by the administration tooling: campaign
// status and commands, instance operations, the alert stream.
type API struct {
	Engine *service.Engine
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/{command}", a.handleCampaignCommand).Methods(http.MethodPost)
	mux.HandleFunc("/v1/instances", a.handleListInstances).Methods(http.MethodGet)
	mux.HandleFunc("/v1/instances/{id}", a.handleGetInstance).Methods(http.MethodGet)
	mux.HandleFunc("/v1/instances/{id}/{command}", a.handleInstanceCommand).Methods(http.MethodPost)
	mux.HandleFunc("/v1/alerts", a.handleListAlerts).Methods(http.MethodGet)
	mux.HandleFunc("/v1/alerts/{id}/read", a.handleMarkAlertRead).Methods(http.MethodPost)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, found, err := a.Engine.GetCampaign(r.Context(), id)
	if err != nil {
		slog.Error("get campaign failed", "err", err, "campaign_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCampaignCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, command := vars["id"], vars["command"]
	known, err := a.Engine.Command(r.Context(), command, id)
	if !known {
		http.Error(w, ErrUnknownCommand, http.StatusNotFound)
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNotFound):
			http.Error(w, ErrNotFound, http.StatusNotFound)
		case errors.Is(err, scheduler.ErrBadTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			slog.Error("campaign command failed", "err", err, "campaign_id", id, "command", command)
			http.Error(w, ErrDependency, http.StatusBadGateway)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	views, err := a.Engine.ListInstances(r.Context())
	if err != nil {
		slog.Error("list instances failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, found, err := a.Engine.GetInstance(r.Context(), id)
	if err != nil {
		slog.Error("get instance failed", "err", err, "instance_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleInstanceCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, command := vars["id"], vars["command"]
	known, err := a.Engine.InstanceCommand(r.Context(), command, id)
	if !known {
		http.Error(w, ErrUnknownCommand, http.StatusNotFound)
		return
	}
	if err != nil {
		if errors.Is(err, instance.ErrUnknownInstance) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("instance command failed", "err", err, "instance_id", id, "command", command)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, ErrBadQuery, http.StatusBadRequest)
			return
		}
		limit = n
	}
	alerts, err := a.Engine.ListAlerts(r.Context(), unreadOnly, limit)
	if err != nil {
		slog.Error("list alerts failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *API) handleMarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, err := a.Engine.MarkAlertRead(r.Context(), id)
	if err != nil {
		slog.Error("mark alert read failed", "err", err, "alert_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
