package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drewfead/herald/internal/config"
)

const testSecret = "test-shared-secret"

func setupTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.RuntimeConfig{
		URL:          srv.URL,
		SharedSecret: testSecret,
		TokenTTL:     5 * time.Minute,
	})
}

func verifyBearer(t *testing.T, r *http.Request) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Fatalf("missing bearer token, got %q", auth)
	}
	raw := strings.TrimPrefix(auth, "Bearer ")
	tok, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if iss, _ := tok.Claims.GetIssuer(); iss != "herald" {
		t.Fatalf("unexpected issuer %q", iss)
	}
}

func TestStartTurnSendsSignedRequest(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyBearer(t, r)
		if r.URL.Path != "/v1/turns" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SessionKey != "agent/support/help" || req.Routing.Topic != "help" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{"run_id": "run-1"})
	})

	runID, err := c.StartTurn(context.Background(), TurnRequest{
		SessionKey: "agent/support/help",
		Message:    "hello",
		Routing:    Routing{Stream: "support", Topic: "help"},
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if runID != "run-1" {
		t.Fatalf("expected run-1, got %q", runID)
	}
}

func TestWaitForRunPassesTimeout(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyBearer(t, r)
		if got := r.URL.Query().Get("timeout_ms"); got != "5000" {
			t.Errorf("expected timeout_ms=5000, got %q", got)
		}
		json.NewEncoder(w).Encode(RunStatus{RunID: "run-1", State: RunRunning})
	})

	status, err := c.WaitForRun(context.Background(), "run-1", 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForRun: %v", err)
	}
	if status.State != RunRunning {
		t.Fatalf("expected running, got %q", status.State)
	}
}

func TestDoSurfacesAPIErrors(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	})

	err := c.PatchSession(context.Background(), "missing", SessionPatch{Model: "fast"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("error should carry status code: %v", err)
	}
}
