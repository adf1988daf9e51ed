package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/tap-rsvp/tapnode/pkg/store"
)

// TestMain re-executes the test binary itself as the fake decision-bridge
// child when BRIDGE_TEST_HELPER is set, a standard os/exec testing idiom
// (no child-process tests exist in the teacher to ground against
// directly; this mirrors the pattern used throughout the Go standard
// library's own os/exec tests).
func TestMain(m *testing.M) {
	if os.Getenv("BRIDGE_TEST_HELPER") == "1" {
		runHelperChild()
		return
	}
	os.Exit(m.Run())
}

func runHelperChild() {
	mode := os.Getenv("BRIDGE_TEST_MODE")
	if counterPath := os.Getenv("BRIDGE_TEST_COUNTER"); counterPath != "" {
		bumpCounter(counterPath)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case "tap/initialize":
			writeHelperResponse(*req.ID, json.RawMessage(`{}`), nil)
			if mode == "die-after-init" {
				os.Exit(1)
			}
		case "tap/decision":
			action := "authorize"
			if mode == "reject-decisions" {
				action = "reject"
			}
			result, _ := json.Marshal(DecisionResult{Action: action})
			writeHelperResponse(*req.ID, result, nil)
		}
	}
}

func bumpCounter(path string) {
	n := 0
	if b, err := os.ReadFile(path); err == nil {
		fmt.Sscanf(string(b), "%d", &n)
	}
	n++
	_ = os.WriteFile(path, []byte(fmt.Sprintf("%d", n)), 0o644)
}

func writeHelperResponse(id int64, result json.RawMessage, rpcErr *rpcError) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	raw, _ := json.Marshal(resp)
	raw = append(raw, '\n')
	os.Stdout.Write(raw)
}

func helperCommand(mode string) (string, []string, []string) {
	self, err := os.Executable()
	if err != nil {
		panic(err)
	}
	env := append(os.Environ(), "BRIDGE_TEST_HELPER=1", "BRIDGE_TEST_MODE="+mode)
	return self, []string{"-test.run=TestMain"}, env
}

func newTestStore(t *testing.T) *store.AgentStore {
	t.Helper()
	mgr, err := store.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	s, err := mgr.Open("did:example:alice")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return s
}

// bridgeWithHelper returns a Bridge configured to spawn this test binary
// in helper mode, bypassing exec.LookPath oddities across platforms.
func bridgeWithHelper(t *testing.T, s *store.AgentStore, mode string) *Bridge {
	t.Helper()
	self, args, _ := helperCommand(mode)

	br, err := New(Config{
		Command:          self,
		Args:             args,
		AgentDIDs:        []string{"did:example:alice"},
		SubscriptionMode: "decisions",
		Store:            s,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	br.cfg.TokenTTL = time.Minute

	// exec.Command inside runOnce inherits the current process's
	// environment, so the helper-mode switch travels through os.Setenv
	// rather than through a *exec.Cmd.Env built here.
	os.Setenv("BRIDGE_TEST_HELPER", "1")
	os.Setenv("BRIDGE_TEST_MODE", mode)
	t.Cleanup(func() {
		os.Unsetenv("BRIDGE_TEST_HELPER")
		os.Unsetenv("BRIDGE_TEST_MODE")
	})
	return br
}

func TestBridge_InitializeAndDecisionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	br := bridgeWithHelper(t, s, "ok")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- br.Run(ctx) }()

	waitForStdin(t, br)

	id, err := s.InsertDecision(ctx, "tx-1", "did:example:alice", store.DecisionAuthorizationRequired, []byte(`{}`))
	if err != nil {
		t.Fatalf("insert decision: %v", err)
	}
	entry, err := decisionByID(ctx, s, id)
	if err != nil {
		t.Fatalf("lookup decision: %v", err)
	}

	result, err := br.SendDecision(ctx, entry)
	if err != nil {
		t.Fatalf("send decision: %v", err)
	}
	if result.Action != "authorize" {
		t.Fatalf("action = %q, want authorize", result.Action)
	}

	cancel()
	<-runErr
}

func TestBridge_ReplayOnReconnect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertDecision(ctx, "tx-2", "did:example:alice", store.DecisionAuthorizationRequired, []byte(`{}`))
	if err != nil {
		t.Fatalf("insert decision: %v", err)
	}

	br := bridgeWithHelper(t, s, "ok")
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- br.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := decisionByID(ctx, s, id)
		if err != nil {
			t.Fatalf("lookup decision: %v", err)
		}
		if entry.Status == store.DecisionResolved {
			if entry.Resolution != "authorize" {
				t.Fatalf("resolution = %q, want authorize", entry.Resolution)
			}
			cancel()
			<-runErr
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-runErr
	t.Fatal("decision was never replayed and resolved")
}

func TestBridge_RestartsOnChildDeath(t *testing.T) {
	counterPath := t.TempDir() + "/spawns"
	os.Setenv("BRIDGE_TEST_COUNTER", counterPath)
	t.Cleanup(func() { os.Unsetenv("BRIDGE_TEST_COUNTER") })

	s := newTestStore(t)
	br := bridgeWithHelper(t, s, "die-after-init")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = br.Run(ctx)

	b, err := os.ReadFile(counterPath)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	var n int
	fmt.Sscanf(string(b), "%d", &n)
	if n < 2 {
		t.Fatalf("expected at least 2 spawns after restart-on-death, got %d", n)
	}
}

func TestRestartBackoff_CapsAtThirtySeconds(t *testing.T) {
	for attempt, want := range map[int]time.Duration{
		0: 1 * time.Second,
		1: 2 * time.Second,
		4: 16 * time.Second,
		5: 30 * time.Second,
		9: 30 * time.Second,
	} {
		if got := restartBackoff(attempt); got != want {
			t.Errorf("restartBackoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestTokenMinter_RejectsWrongSecret(t *testing.T) {
	m1, err := newTokenMinter()
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	m2, err := newTokenMinter()
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}

	tok, err := m1.mint(7, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m2.validate(tok); err == nil {
		t.Fatal("expected validation against a different minter's secret to fail")
	}

	gen, err := m1.validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if gen != 7 {
		t.Fatalf("generation = %d, want 7", gen)
	}
}

func TestTokenMinter_RejectsExpiredToken(t *testing.T) {
	m, err := newTokenMinter()
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	tok, err := m.mint(1, -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.validate(tok); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

// waitForStdin blocks until the bridge has a live child connected so
// tests don't race SendDecision against process startup.
func waitForStdin(t *testing.T, br *Bridge) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		br.mu.Lock()
		ok := br.stdin != nil
		br.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child never connected")
}

func decisionByID(ctx context.Context, s *store.AgentStore, id int64) (store.DecisionLogEntry, error) {
	d, err := s.GetDecision(ctx, id)
	if err != nil {
		return store.DecisionLogEntry{}, err
	}
	return *d, nil
}
