package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendMessageRoundTrip(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody sendBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(sendResult{MessageID: "wamid.42", Status: "sent"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "tok", HTTP: srv.Client()}
	msgID, err := c.Instance("inst_1").SendMessage(context.Background(), "+551100", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msgID != "wamid.42" {
		t.Fatalf("msgID = %q", msgID)
	}
	if gotPath != "/instances/inst_1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody.To != "+551100" || gotBody.Body != "hello" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestErrorResponseCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errorBody{Error: CodeRateLimited, Message: "slow down"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := c.Instance("inst_1").SendMessage(context.Background(), "+551100", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *CallError", err)
	}
	if ce.Code != CodeRateLimited || ce.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("call error = %+v", ce)
	}
	if !IsRateLimited(err) || !ShouldRetry(err) {
		t.Fatal("rate-limited error misclassified")
	}
}

func TestStateRejectsUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "sideways"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	if _, err := c.Instance("inst_1").State(context.Background()); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestShouldRetryClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"busy", &CallError{Code: CodeBusy}, true},
		{"network", &CallError{Code: CodeNetwork}, true},
		{"rate limited", &CallError{Code: CodeRateLimited}, true},
		{"invalid recipient", &CallError{Code: CodeInvalidRecipient, HTTPStatus: 400}, false},
		{"template rejected", &CallError{Code: CodeTemplateRejected, HTTPStatus: 422}, false},
		{"opted out", &CallError{Code: CodeOptedOut, HTTPStatus: 403}, false},
		{"bare 500", &CallError{HTTPStatus: 500}, true},
		{"bare 503", &CallError{HTTPStatus: 503}, true},
		{"bare 429", &CallError{HTTPStatus: 429}, true},
		{"bare 400", &CallError{HTTPStatus: 400}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldRetry(tc.err); got != tc.want {
				t.Fatalf("ShouldRetry = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsNotConnected(t *testing.T) {
	if !IsNotConnected(&CallError{Code: CodeNotConnected, HTTPStatus: 409}) {
		t.Fatal("not_connected not detected")
	}
	if IsNotConnected(&CallError{Code: CodeBusy}) || IsNotConnected(errors.New("boom")) {
		t.Fatal("false positive")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 200 * time.Millisecond
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second, // capped at 10x base
		2 * time.Second,
	}
	for attempt, w := range want {
		if got := Backoff(base, attempt); got != w {
			t.Fatalf("Backoff(%v, %d) = %v, want %v", base, attempt, got, w)
		}
	}
	// zero base falls back to the default
	if got := Backoff(0, 0); got != 200*time.Millisecond {
		t.Fatalf("Backoff(0, 0) = %v", got)
	}
}
