package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func completionHandler(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"test-model","choices":[{"text":%q}]}`, text)
	}
}

func TestPredictSuccess(t *testing.T) {
	srv := httptest.NewServer(completionHandler("the answer"))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 10*time.Millisecond)
	resp, err := c.Predict(context.Background(), Request{Model: "m", Prompt: "q"})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if resp.Content != "the answer" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Model != "test-model" {
		t.Errorf("Model = %q", resp.Model)
	}
}

func TestPredict4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 10*time.Millisecond)
	_, err := c.Predict(context.Background(), Request{Prompt: "q"})

	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ue.Kind != ErrorHTTP4xx {
		t.Errorf("Kind = %s, want http_4xx", ue.Kind)
	}
	if ue.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", ue.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried: %d calls", calls.Load())
	}
}

func TestPredict5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 10*time.Millisecond)
	_, err := c.Predict(context.Background(), Request{Prompt: "q"})

	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != ErrorHTTP5xx {
		t.Fatalf("expected http_5xx error, got %v", err)
	}
}

func TestPredictRetriesRefusedOnce(t *testing.T) {
	// A closed listener port refuses connections.
	srv := httptest.NewServer(completionHandler("x"))
	addr := srv.URL
	srv.Close()

	c := NewClient(addr, 200*time.Millisecond, 5*time.Millisecond)
	start := time.Now()
	_, err := c.Predict(context.Background(), Request{Prompt: "q"})
	elapsed := time.Since(start)

	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != ErrorRefused {
		t.Fatalf("expected refused error, got %v", err)
	}
	// The retry backoff must have been taken exactly once.
	if elapsed < 5*time.Millisecond {
		t.Errorf("no backoff observed, elapsed %v", elapsed)
	}
}

func TestPredictTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Predict(ctx, Request{Prompt: "q"})
	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != ErrorTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestPredictEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"m","choices":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 5*time.Millisecond)
	if _, err := c.Predict(context.Background(), Request{Prompt: "q"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
