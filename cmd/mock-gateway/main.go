// mock-gateway is a dev stand-in for the WhatsApp gateway: it implements the
// connector API the engine calls and pushes signed status webhooks back.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"campaignd/internal/config"
	"campaignd/internal/logging"
)

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type event struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type server struct {
	cfg    config.MockGatewayConfig
	client *http.Client

	idx   uint64
	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	connected map[string]bool
}

func main() {
	cfg := config.LoadMockGateway()
	logging.Init("mock-gateway", cfg.LogFormat)

	s := &server{
		cfg:       cfg,
		client:    &http.Client{Timeout: 5 * time.Second},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		connected: make(map[string]bool),
	}

	router := mux.NewRouter()
	router.HandleFunc("/instances/{id}", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}/messages", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/typing", s.handleTyping).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/connect", s.handleConnect).Methods(http.MethodPost)
	router.HandleFunc("/instances/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status := "disconnected"
	if s.isConnected(id) {
		status = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	s.connected[id] = true
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	s.emitEvent(id, "connection-update", map[string]string{"status": "connected"}, 0)
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	s.connected[id] = false
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	s.emitEvent(id, "connection-update", map[string]string{"status": "disconnected"}, 0)
}

func (s *server) handleTyping(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.isConnected(id) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "not_connected", Message: "instance is not connected"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_recipient", Message: "to and body are required"})
		return
	}
	if !s.isConnected(id) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "not_connected", Message: "instance is not connected"})
		return
	}

	if s.cfg.SendLatency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.SendLatency):
		}
	}

	roll := s.roll()
	switch {
	case roll < s.cfg.RateLimitRate:
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate_limited", Message: "slow down"})
		return
	case roll < s.cfg.RateLimitRate+s.cfg.FailureRate:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "busy", Message: "provider busy"})
		return
	}

	msgID := fmt.Sprintf("wamid.%06d", atomic.AddUint64(&s.idx, 1))
	writeJSON(w, http.StatusCreated, sendResponse{MessageID: msgID, Status: "sent"})
	s.emitEvent(id, "message-status", map[string]string{"messageId": msgID, "status": "delivered"}, s.cfg.DeliveryDelay)
}

func (s *server) isConnected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[id]
}

func (s *server) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// emitEvent posts a signed callback to the engine after the given delay.
func (s *server) emitEvent(instanceID, name string, data any, delay time.Duration) {
	if s.cfg.EngineWebhookURL == "" {
		return
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		body, err := json.Marshal(event{
			ID:    fmt.Sprintf("evt_mock_%d", atomic.AddUint64(&s.idx, 1)),
			Event: name,
			Data:  data,
		})
		if err != nil {
			return
		}
		url := s.cfg.EngineWebhookURL + "/v1/webhooks/instances/" + instanceID
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			slog.Error("mock gateway webhook build failed", "err", err, "url", url)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.WebhookSecret != "" {
			mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
			mac.Write(body)
			req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			slog.Error("mock gateway webhook post failed", "err", err, "url", url)
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			slog.Warn("mock gateway webhook rejected", "status", resp.StatusCode, "event", name)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
