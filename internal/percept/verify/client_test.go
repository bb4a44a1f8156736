package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1e100/drawer/internal/percept"
)

func writeCrop(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crop_0.jpg")
	if err := os.WriteFile(path, []byte("not really a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func verifyRequest(t *testing.T) Request {
	return Request{
		TrackID:         "track_001",
		Labels:          []string{"door", "cabinet door"},
		Fit:             &percept.ArticulationFit{Motion: percept.MotionRevolute, Axis: percept.Vec3{Z: 1}, Residual: 0.05},
		CropPaths:       []string{writeCrop(t)},
		MergeCandidates: []string{"track_002"},
	}
}

func completionBody(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestVerifyTrack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 {
			t.Fatalf("got %d messages", len(req.Messages))
		}
		user := req.Messages[1]
		if len(user.Content) != 2 {
			t.Fatalf("user message has %d parts, want text + image", len(user.Content))
		}
		if !strings.Contains(user.Content[0].Text, "track_001") {
			t.Errorf("summary text missing track id: %q", user.Content[0].Text)
		}
		if user.Content[1].ImageURL == nil || !strings.HasPrefix(user.Content[1].ImageURL.URL, "data:image/jpeg;base64,") {
			t.Errorf("image part = %+v", user.Content[1])
		}
		// The model wraps its JSON in a code fence; the client must cope.
		w.Write([]byte(completionBody("```json\n{\"verdict\": \"confirm\", \"name\": \"cabinet door\", \"confidence\": 0.9}\n```")))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	decision, err := client.VerifyTrack(context.Background(), verifyRequest(t))
	if err != nil {
		t.Fatalf("VerifyTrack: %v", err)
	}
	if decision.Verdict != VerdictConfirm || decision.Name != "cabinet door" {
		t.Errorf("decision = %+v", decision)
	}
}

func TestVerifyTrackRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(completionBody(`{"verdict": "reject", "confidence": 0.8}`)))
	}))
	defer srv.Close()

	var slept []time.Duration
	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL},
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	decision, err := client.VerifyTrack(context.Background(), verifyRequest(t))
	if err != nil {
		t.Fatalf("VerifyTrack: %v", err)
	}
	if decision.Verdict != VerdictReject {
		t.Errorf("decision = %+v", decision)
	}
	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("slept %v, want the Retry-After duration", slept)
	}
}

func TestVerifyTrackBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"message": "invalid model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL},
		WithSleeper(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.VerifyTrack(context.Background(), verifyRequest(t))
	var svcErr *percept.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want ServiceError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("bad request retried %d times", got)
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	var cfgErr *percept.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if !percept.IsFatal(err) {
		t.Error("a missing API key must be fatal")
	}
}

func TestDecodeModelJSON(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", `{"verdict": "confirm"}`, false},
		{"fenced", "```json\n{\"verdict\": \"confirm\"}\n```", false},
		{"prose", `Sure, here is my decision: {"verdict": "confirm"} Hope that helps.`, false},
		{"empty", "", true},
		{"no object", "confirm", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d Decision
			err := decodeModelJSON(tc.content, &d)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
			if err == nil && d.Verdict != "confirm" {
				t.Errorf("verdict = %q", d.Verdict)
			}
		})
	}
}
