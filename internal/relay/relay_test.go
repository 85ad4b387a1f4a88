package relay

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
)

type delivery struct {
	kind    string // "send" | "edit"
	stream  string
	topic   string
	msgID   int64
	content string
}

type fakeDeliverer struct {
	mu       sync.Mutex
	log      []delivery
	nextID   int64
	editErrs map[int64]error
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{nextID: 100, editErrs: make(map[int64]error)}
}

func (f *fakeDeliverer) Send(ctx context.Context, stream, topic, content string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.log = append(f.log, delivery{kind: "send", stream: stream, topic: topic, msgID: f.nextID, content: content})
	return f.nextID, nil
}

func (f *fakeDeliverer) Edit(ctx context.Context, messageID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.editErrs[messageID]; err != nil {
		return err
	}
	f.log = append(f.log, delivery{kind: "edit", msgID: messageID, content: content})
	return nil
}

func (f *fakeDeliverer) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.log...)
}

func setupRelay(t *testing.T, mirror bool) (*Relay, *fakeDeliverer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1000, 0))
	msgr := newFakeDeliverer()
	cfg := config.RelayConfig{
		Debounce:  1500 * time.Millisecond,
		StatePath: filepath.Join(t.TempDir(), "mirror.json"),
	}
	if mirror {
		cfg.MirrorStream = "ops"
		cfg.MirrorTopic = "agent runs"
	}
	r := New(cfg, msgr, clk, nil)
	return r, msgr, clk
}

func TestDebouncedFlushCoalesces(t *testing.T) {
	r, msgr, clk := setupRelay(t, false)
	r.Track("run-1", TrackOptions{Label: "triage", Model: "models/fast-1", Stream: "support", Topic: "help"})

	r.OnToolStart("run-1", "read_file", "main.go")
	clk.Advance(200 * time.Millisecond)
	r.OnToolStart("run-1", "grep", "TODO")

	if len(msgr.deliveries()) != 0 {
		t.Fatal("flush fired before debounce window elapsed")
	}

	clk.Advance(1300 * time.Millisecond)

	got := msgr.deliveries()
	if len(got) != 1 || got[0].kind != "send" {
		t.Fatalf("expected one coalesced send, got %v", got)
	}
	if !strings.Contains(got[0].content, "read_file") || !strings.Contains(got[0].content, "grep") {
		t.Fatalf("both tool lines should be in one flush: %q", got[0].content)
	}
	if !strings.Contains(got[0].content, "2 calls") {
		t.Errorf("header should carry call count: %q", got[0].content)
	}
	if !strings.Contains(got[0].content, "(fast-1)") {
		t.Errorf("header should carry short model name: %q", got[0].content)
	}
}

func TestSecondFlushEditsFirstMessage(t *testing.T) {
	r, msgr, clk := setupRelay(t, false)
	r.Track("run-1", TrackOptions{Label: "triage", Stream: "support", Topic: "help"})

	r.OnToolStart("run-1", "read_file", "")
	clk.Advance(1500 * time.Millisecond)
	r.OnToolStart("run-1", "exec", "go test ./...")
	clk.Advance(1500 * time.Millisecond)

	got := msgr.deliveries()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].kind != "send" || got[1].kind != "edit" {
		t.Fatalf("expected send then edit, got %s then %s", got[0].kind, got[1].kind)
	}
	if got[1].msgID != got[0].msgID {
		t.Fatalf("edit must target the first send's id")
	}
}

func TestEditFailureFallsBackToSend(t *testing.T) {
	r, msgr, clk := setupRelay(t, false)
	r.Track("run-1", TrackOptions{Label: "triage", Stream: "support", Topic: "help"})

	r.OnToolStart("run-1", "read_file", "")
	clk.Advance(1500 * time.Millisecond)

	first := msgr.deliveries()[0]
	msgr.editErrs[first.msgID] = errors.New("message deleted")

	r.OnToolStart("run-1", "grep", "")
	clk.Advance(1500 * time.Millisecond)

	got := msgr.deliveries()
	if len(got) != 2 || got[1].kind != "send" {
		t.Fatalf("expected fallback send after edit failure, got %v", got)
	}

	// The stale id is forgotten: the next flush edits the new message.
	r.OnToolStart("run-1", "exec", "")
	clk.Advance(1500 * time.Millisecond)

	got = msgr.deliveries()
	last := got[len(got)-1]
	if last.kind != "edit" || last.msgID != got[1].msgID {
		t.Fatalf("expected edit of replacement message, got %+v", last)
	}
}

func TestBacktickRunsAreBroken(t *testing.T) {
	r, msgr, clk := setupRelay(t, false)
	r.Track("run-1", TrackOptions{Label: "triage", Stream: "support", Topic: "help"})

	r.OnToolStart("run-1", "exec", "output contained ````fenced```` text")
	clk.Advance(1500 * time.Millisecond)

	content := msgr.deliveries()[0].content
	if strings.Contains(strings.SplitN(content, "spoiler", 2)[1], "```") {
		t.Fatalf("unbroken backtick run inside spoiler block: %q", content)
	}
}

func TestLifecycleEndFinalizesAndCleansUp(t *testing.T) {
	r, msgr, clk := setupRelay(t, false)
	r.Track("run-1", TrackOptions{Label: "triage", Stream: "support", Topic: "help"})

	r.OnToolStart("run-1", "read_file", "")
	clk.Advance(1500 * time.Millisecond)

	r.OnLifecycleEnd("run-1", false)

	got := msgr.deliveries()
	final := got[len(got)-1]
	if !strings.Contains(final.content, glyphOK) {
		t.Fatalf("final render should show success glyph: %q", final.content)
	}

	// Pending debounce timers must not fire after the end.
	before := len(msgr.deliveries())
	clk.Advance(time.Minute)
	if len(msgr.deliveries()) != before {
		t.Fatal("timer fired after lifecycle end")
	}
}

func TestFailedRunRendersErrorGlyph(t *testing.T) {
	r, msgr, _ := setupRelay(t, false)
	r.Track("run-1", TrackOptions{Label: "triage", Stream: "support", Topic: "help"})
	r.OnToolStart("run-1", "exec", "")
	r.OnLifecycleEnd("run-1", true)

	got := msgr.deliveries()
	if !strings.Contains(got[len(got)-1].content, glyphError) {
		t.Fatalf("expected error glyph, got %q", got[len(got)-1].content)
	}
}

func TestMirrorPersistsAndReconciles(t *testing.T) {
	r, msgr, clk := setupRelay(t, true)
	r.Track("run-1", TrackOptions{Label: "triage", Origin: "acct", Stream: "support", Topic: "help"})

	r.OnToolStart("run-1", "read_file", "")
	clk.Advance(1500 * time.Millisecond)

	entries := r.state.Entries()
	entry, ok := entries["run-1"]
	if !ok {
		t.Fatal("mirror pointer not persisted after first mirror send")
	}
	if entry.Stream != "ops" || entry.Label != "triage" {
		t.Fatalf("unexpected mirror entry %+v", entry)
	}

	// Simulate a restart: reload state from disk into a fresh relay.
	r2 := New(config.RelayConfig{
		Debounce:     1500 * time.Millisecond,
		StatePath:    r.cfg.StatePath,
		MirrorStream: "ops",
		MirrorTopic:  "agent runs",
	}, msgr, clk, nil)

	r2.ReconcileMirrors(context.Background(), func(runID string) bool { return true })

	got := msgr.deliveries()
	last := got[len(got)-1]
	if last.kind != "edit" || last.msgID != entry.MessageID {
		t.Fatalf("expected stale mirror edited in place, got %+v", last)
	}
	if !strings.Contains(last.content, "stale") {
		t.Fatalf("expected stale notice, got %q", last.content)
	}
	if len(r2.state.Entries()) != 0 {
		t.Fatal("reconciled entry should be removed from persisted state")
	}

	t.Run("LiveRunLeftAlone", func(t *testing.T) {
		r.ReconcileMirrors(context.Background(), func(runID string) bool { return false })
		if _, ok := r.state.Entries()["run-1"]; !ok {
			t.Fatal("live run's mirror entry must be preserved")
		}
	})
}

func TestMirrorEntryRemovedOnCleanFinish(t *testing.T) {
	r, _, clk := setupRelay(t, true)
	r.Track("run-1", TrackOptions{Label: "triage", Stream: "support", Topic: "help"})

	r.OnToolStart("run-1", "read_file", "")
	clk.Advance(1500 * time.Millisecond)
	if len(r.state.Entries()) != 1 {
		t.Fatal("expected persisted mirror entry")
	}

	r.OnLifecycleEnd("run-1", false)
	if len(r.state.Entries()) != 0 {
		t.Fatal("clean finish should remove the mirror entry")
	}
}
