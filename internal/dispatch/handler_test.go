package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/drewfead/herald/internal/chat"
	"github.com/drewfead/herald/internal/checkpoint"
	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/runtime"
	"github.com/drewfead/herald/internal/topic"
)

type sentMessage struct {
	stream, topic, content string
}

type fakeMessenger struct {
	sent      []sentMessage
	sendErr   error
	typingOps []chat.TypingOp
	reactions []string
}

func (f *fakeMessenger) Send(ctx context.Context, stream, topic, content string) (int64, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{stream, topic, content})
	return int64(100 + len(f.sent)), nil
}

func (f *fakeMessenger) Typing(ctx context.Context, stream, topic string, op chat.TypingOp) error {
	f.typingOps = append(f.typingOps, op)
	return nil
}

func (f *fakeMessenger) AddReaction(ctx context.Context, messageID int64, emoji string) error {
	f.reactions = append(f.reactions, "+"+emoji)
	return nil
}

func (f *fakeMessenger) RemoveReaction(ctx context.Context, messageID int64, emoji string) error {
	f.reactions = append(f.reactions, "-"+emoji)
	return nil
}

type fakeRuntime struct {
	turns    []runtime.TurnRequest
	startErr error
	// outcomes consumed one per turn: nil means success with reply
	failures []error
	reply    string
}

func (f *fakeRuntime) StartTurn(ctx context.Context, req runtime.TurnRequest) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.turns = append(f.turns, req)
	return "run-1", nil
}

func (f *fakeRuntime) WaitForRun(ctx context.Context, runID string, timeout time.Duration) (*runtime.RunStatus, error) {
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return &runtime.RunStatus{RunID: runID, State: runtime.RunFailed, Error: err.Error()}, nil
		}
	}
	return &runtime.RunStatus{RunID: runID, State: runtime.RunCompleted, Reply: f.reply}, nil
}

func setupHandler(t *testing.T) (*Handler, *checkpoint.Store, *fakeMessenger, *fakeRuntime, *topic.Resolver) {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	msgr := &fakeMessenger{}
	rt := &fakeRuntime{reply: "here you go"}
	topics := topic.NewResolver()
	acct := config.AccountConfig{
		Name:        "acct",
		Email:       "bot@example.com",
		Stream:      "support",
		StatusEmoji: "working_on_it",
	}
	h := NewHandler(acct, store, topics, rt, msgr, clock.NewManual(time.Unix(1000, 0)))
	return h, store, msgr, rt, topics
}

func inbound(id int64, content string) chat.Message {
	return chat.Message{
		ID:          id,
		SenderID:    7,
		SenderName:  "Ana",
		SenderEmail: "ana@example.com",
		Stream:      "support",
		Topic:       "help",
		Content:     content,
	}
}

func TestHandleSuccessClearsCheckpoint(t *testing.T) {
	h, store, msgr, rt, _ := setupHandler(t)

	h.Handle(context.Background(), inbound(5001, "@**Herald** please summarize"), nil)

	if len(rt.turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(rt.turns))
	}
	if rt.turns[0].Message != "please summarize" {
		t.Errorf("mention not stripped: %q", rt.turns[0].Message)
	}
	if rt.turns[0].SessionKey != "acct/support/help" {
		t.Errorf("unexpected session key %q", rt.turns[0].SessionKey)
	}

	if len(msgr.sent) != 1 || msgr.sent[0].content != "here you go" {
		t.Fatalf("expected reply delivered, got %v", msgr.sent)
	}

	left, _ := store.LoadAll("")
	if len(left) != 0 {
		t.Fatalf("expected checkpoint cleared, %d remain", len(left))
	}
}

func TestHandleFailTwiceThenSucceed(t *testing.T) {
	h, store, msgr, rt, _ := setupHandler(t)
	rt.failures = []error{errors.New("model overloaded"), errors.New("model overloaded")}
	msg := inbound(5001, "do the thing")
	id := checkpoint.DeriveID("acct", 5001)

	// First attempt fails: checkpoint written with attempts=1.
	h.Handle(context.Background(), msg, nil)
	cp := store.Load(id)
	if cp == nil || cp.Attempts != 1 {
		t.Fatalf("expected attempts=1 after first failure, got %+v", cp)
	}
	firstUpdated := cp.UpdatedAtMs

	// Second attempt fails: attempts=2, updated timestamp rewritten.
	h.clock.(*clock.Manual).Advance(time.Minute)
	h.Handle(context.Background(), msg, nil)
	cp = store.Load(id)
	if cp == nil || cp.Attempts != 2 {
		t.Fatalf("expected attempts=2 after second failure, got %+v", cp)
	}
	if cp.UpdatedAtMs <= firstUpdated {
		t.Error("updated timestamp not refreshed on failure")
	}

	// Third attempt succeeds: checkpoint deleted.
	h.Handle(context.Background(), msg, nil)
	if store.Load(id) != nil {
		t.Fatal("expected checkpoint deleted after success")
	}

	var notices int
	for _, m := range msgr.sent {
		if strings.Contains(m.content, "error handling") {
			notices++
		}
	}
	if notices != 2 {
		t.Fatalf("expected 2 failure notices, got %d", notices)
	}
}

func TestHandleIgnoresSelfAndDisallowed(t *testing.T) {
	h, _, _, rt, _ := setupHandler(t)

	self := inbound(1, "hello")
	self.SenderEmail = "bot@example.com"
	h.Handle(context.Background(), self, nil)

	h.account.AllowedSenders = []string{"other@example.com"}
	h.Handle(context.Background(), inbound(2, "hello"), nil)

	if len(rt.turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(rt.turns))
	}
}

func TestHandleMentionGating(t *testing.T) {
	h, _, _, rt, _ := setupHandler(t)
	h.account.RequireMention = true

	h.Handle(context.Background(), inbound(1, "just chatting"), nil)
	if len(rt.turns) != 0 {
		t.Fatal("unmentioned message should be ignored")
	}

	mentioned := inbound(2, "@**Herald** help")
	mentioned.Mentioned = true
	h.Handle(context.Background(), mentioned, nil)
	if len(rt.turns) != 1 {
		t.Fatal("mentioned message should be handled")
	}
}

func TestHandleStopCommand(t *testing.T) {
	h, store, msgr, rt, _ := setupHandler(t)
	var stoppedKey string
	h.OnStop = func(sessionKey string) int {
		stoppedKey = sessionKey
		return 2
	}

	h.Handle(context.Background(), inbound(9, "@**Herald** /stop"), nil)

	if stoppedKey != "acct/support/help" {
		t.Fatalf("expected stop for session, got %q", stoppedKey)
	}
	if len(rt.turns) != 0 {
		t.Fatal("stop command must not start a turn")
	}
	if len(msgr.sent) != 1 || !strings.Contains(msgr.sent[0].content, "Stopped 2") {
		t.Fatalf("expected stop acknowledgement, got %v", msgr.sent)
	}
	left, _ := store.LoadAll("")
	if len(left) != 0 {
		t.Fatal("stop command must not leave a checkpoint")
	}
}

func TestSessionKeySurvivesRenameChain(t *testing.T) {
	h, _, _, rt, topics := setupHandler(t)

	topics.RecordRename("support", topicKey("alpha"), topicKey("beta"))
	topics.RecordRename("support", topicKey("beta"), topicKey("gamma"))

	msg := inbound(42, "still the same thread")
	msg.Topic = "gamma"
	h.Handle(context.Background(), msg, nil)

	if len(rt.turns) != 1 {
		t.Fatal("expected a turn")
	}
	if rt.turns[0].SessionKey != "acct/support/alpha" {
		t.Fatalf("expected session key rooted at alpha, got %q", rt.turns[0].SessionKey)
	}
	// Replies still go to the displayed topic, not the canonical one.
	if rt.turns[0].Routing.Topic != "gamma" {
		t.Fatalf("expected routing to display topic gamma, got %q", rt.turns[0].Routing.Topic)
	}
}

func TestCosmeticFailuresDoNotAbort(t *testing.T) {
	h, store, msgr, _, _ := setupHandler(t)
	h.account.StatusEmoji = ""
	msgr.sendErr = nil

	h.Handle(context.Background(), inbound(5, "hello"), nil)

	left, _ := store.LoadAll("")
	if len(left) != 0 {
		t.Fatal("expected success despite cosmetic path disabled")
	}
}
