package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return st
}

func testCheckpoint(account string, messageID int64) *Checkpoint {
	now := time.Now().UnixMilli()
	return &Checkpoint{
		ID:          DeriveID(account, messageID),
		Account:     account,
		Stream:      "support",
		Topic:       "billing question",
		MessageID:   messageID,
		SenderID:    42,
		SenderName:  "Ana Reyes",
		SenderEmail: "ana@example.com",
		RawContent:  "@**bot** can you check invoice 7781?",
		CleanContent: "can you check invoice 7781?",
		SessionKey:  "support/billing question",
		ReplyStream: "support",
		ReplyTopic:  "billing question",
		Mentioned:   true,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
}

func TestDeriveIDDeterministic(t *testing.T) {
	a := DeriveID("acct-1", 5001)
	b := DeriveID("acct-1", 5001)
	if a != b {
		t.Fatalf("expected deterministic id, got %s and %s", a, b)
	}
	if DeriveID("acct-2", 5001) == a {
		t.Error("different accounts should derive different ids")
	}
	if DeriveID("acct-1", 5002) == a {
		t.Error("different messages should derive different ids")
	}
}

func TestWriteLoadClear(t *testing.T) {
	st := setupTestStore(t)

	cp := testCheckpoint("acct-1", 5001)
	if err := st.Write(cp); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	loaded, err := st.LoadAll("acct-1")
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(loaded))
	}
	if loaded[0].ID != cp.ID || loaded[0].MessageID != 5001 {
		t.Errorf("loaded checkpoint mismatch: %+v", loaded[0])
	}
	if loaded[0].SchemaVersion != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, loaded[0].SchemaVersion)
	}

	if err := st.Clear(cp.ID); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	loaded, err = st.LoadAll("acct-1")
	if err != nil {
		t.Fatalf("LoadAll after clear failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected 0 checkpoints after clear, got %d", len(loaded))
	}

	// Clearing a missing record is not an error.
	if err := st.Clear(cp.ID); err != nil {
		t.Errorf("Clear of missing record failed: %v", err)
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	st := setupTestStore(t)

	cp := testCheckpoint("acct-1", 5001)
	if err := st.Write(cp); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	cp.Attempts = 2
	cp.LastError = "runtime unreachable"
	if err := st.Write(cp); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	loaded, err := st.LoadAll("")
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(loaded))
	}
	if loaded[0].Attempts != 2 || loaded[0].LastError != "runtime unreachable" {
		t.Errorf("rewrite not visible: %+v", loaded[0])
	}
}

func TestLoadAllSkipsMalformed(t *testing.T) {
	st := setupTestStore(t)

	if err := st.Write(testCheckpoint("acct-1", 1)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Corrupt JSON.
	if err := os.WriteFile(filepath.Join(st.dir, "garbage.json"), []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}
	// Valid JSON, wrong schema version.
	if err := os.WriteFile(filepath.Join(st.dir, "oldver.json"),
		[]byte(`{"schema_version":1,"checkpoint_id":"x","account":"acct-1","stream":"s","message_id":9,"session_key":"k","created_at_ms":1}`), 0600); err != nil {
		t.Fatal(err)
	}
	// Valid JSON, missing required fields.
	if err := os.WriteFile(filepath.Join(st.dir, "empty.json"), []byte(`{"schema_version":2}`), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.LoadAll("acct-1")
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected only the valid checkpoint, got %d", len(loaded))
	}
}

func TestLoadAllFiltersAccount(t *testing.T) {
	st := setupTestStore(t)

	if err := st.Write(testCheckpoint("acct-1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := st.Write(testCheckpoint("acct-2", 2)); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.LoadAll("acct-2")
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Account != "acct-2" {
		t.Fatalf("expected only acct-2 records, got %+v", loaded)
	}
}

func TestStalenessAndExhaustion(t *testing.T) {
	now := time.Now()

	cp := testCheckpoint("acct-1", 1)
	cp.UpdatedAtMs = now.Add(-25 * time.Hour).UnixMilli()
	if !cp.Stale(now, 24*time.Hour) {
		t.Error("expected checkpoint older than window to be stale")
	}

	cp.UpdatedAtMs = now.Add(-time.Hour).UnixMilli()
	if cp.Stale(now, 24*time.Hour) {
		t.Error("fresh checkpoint reported stale")
	}

	cp.Attempts = 3
	if !cp.Exhausted(3) {
		t.Error("expected checkpoint at max attempts to be exhausted")
	}
	cp.Attempts = 2
	if cp.Exhausted(3) {
		t.Error("checkpoint below max attempts reported exhausted")
	}
}
