package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abdullathedruid/companiond/internal/config"
	"github.com/abdullathedruid/companiond/internal/mapstore"
	"github.com/abdullathedruid/companiond/internal/pathenc"
	"github.com/abdullathedruid/companiond/internal/resolver"
	"github.com/abdullathedruid/companiond/internal/tailer"
	"github.com/abdullathedruid/companiond/internal/tmux"
)

const (
	userLine      = `{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:00Z","message":{"content":"Fix the login bug"}}`
	assistantLine = `{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"text","text":"What next?"}]}}`
	bashLine      = `{"type":"assistant","uuid":"a2","timestamp":"2026-01-10T12:00:10Z","message":{"id":"m2","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]}}`
	resultLine    = `{"type":"user","uuid":"u2","timestamp":"2026-01-10T12:00:15Z","message":{"content":[{"type":"tool_result","tool_use_id":"b1","content":"all green"}]}}`
	doneLine      = `{"type":"assistant","uuid":"a3","timestamp":"2026-01-10T12:00:20Z","message":{"id":"m3","content":[{"type":"text","text":"Done."}]}}`
)

type fixture struct {
	reg     *Registry
	store   *mapstore.Store
	res     *resolver.Resolver
	events  <-chan Event
	root    string
	workDir string
	encoded string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	workDir := "/home/u/app"

	cfg := config.Default()
	cfg.WatchRoot = root
	cfg.WaitingConfirmMs = 20

	store := mapstore.New(filepath.Join(root, "companion-session-mappings.json"))
	res := resolver.New(nil, store, root, "❯", nil)
	reg := New(cfg, store, res, nil)
	t.Cleanup(reg.Close)

	_, events := reg.Broker().Subscribe()
	reg.UpdateSessions([]tmux.Session{{Name: "a", WorkingDir: workDir, PanePID: 1}})

	return &fixture{
		reg:     reg,
		store:   store,
		res:     res,
		events:  events,
		root:    root,
		workDir: workDir,
		encoded: pathenc.Encode(workDir),
	}
}

// snapshot writes the conversation file and feeds it to the registry,
// like one debounced tailer pass.
func (f *fixture) snapshot(t *testing.T, conv string, lines ...string) {
	t.Helper()
	path := filepath.Join(f.root, f.encoded, conv+".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	f.reg.HandleSnapshot(tailer.Snapshot{
		Path:           path,
		ConversationID: conv,
		Content:        content,
		ModTime:        time.Now(),
	})
}

func (f *fixture) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func findEvent(events []Event, typ EventType) *Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func TestSimpleWaitingTurn(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, assistantLine)

	status, err := f.reg.GetStatus("a")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.IsRunning || !status.IsWaitingForInput {
		t.Errorf("status = %+v, want running and waiting", status)
	}

	msgs, err := f.reg.GetMessages("a")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("GetMessages length = %d, want 2", len(msgs))
	}

	events := f.drain()
	if countEvents(events, EventConversationUpdate) != 1 {
		t.Errorf("conversation-update count = %d, want 1", countEvents(events, EventConversationUpdate))
	}
	sc := findEvent(events, EventStatusChange)
	if sc == nil {
		t.Fatal("no status-change emitted")
	}
	if sc.SessionID != "a" {
		t.Errorf("status-change sessionId = %q, want a", sc.SessionID)
	}
	if !sc.Payload.(StatusChangePayload).IsWaitingForInput {
		t.Error("status-change should report waiting")
	}
}

func TestUnchangedContentEmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, assistantLine)
	f.drain()

	f.snapshot(t, "abc", userLine, assistantLine)
	if events := f.drain(); len(events) != 0 {
		t.Errorf("re-parsing identical content emitted %d events, want 0", len(events))
	}
}

func TestPendingApprovalFlow(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, bashLine)

	// The waiting transition is held back by the confirmation window.
	events := f.drain()
	if ev := findEvent(events, EventPendingApproval); ev != nil {
		t.Fatal("pending-approval emitted before the confirmation window")
	}
	if sc := findEvent(events, EventStatusChange); sc != nil {
		if sc.Payload.(StatusChangePayload).IsWaitingForInput {
			t.Error("waiting reported before confirmation")
		}
	}

	time.Sleep(80 * time.Millisecond)
	events = f.drain()
	pa := findEvent(events, EventPendingApproval)
	if pa == nil {
		t.Fatal("no pending-approval after confirmation window")
	}
	tools := pa.Payload.(PendingApprovalPayload).Tools
	if len(tools) != 1 || tools[0].Name != "Bash" || tools[0].ID != "b1" {
		t.Errorf("pending tools = %+v, want [{Bash b1}]", tools)
	}

	status, _ := f.reg.GetStatus("a")
	if !strings.Contains(status.CurrentActivity, "Approve") || !strings.Contains(status.CurrentActivity, "npm test") {
		t.Errorf("currentActivity = %q, want approval prompt with command", status.CurrentActivity)
	}

	// The tool result clears waiting and must not re-emit.
	f.snapshot(t, "abc", userLine, bashLine, resultLine, doneLine)
	events = f.drain()
	if ev := findEvent(events, EventPendingApproval); ev != nil {
		t.Error("pending-approval re-emitted after the tool result")
	}
}

func TestWaitingConfirmCancelledByNewChange(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, bashLine)
	f.drain()

	// The result arrives inside the confirmation window: no
	// waiting=true status-change for the intermediate state.
	f.snapshot(t, "abc", userLine, bashLine, resultLine, doneLine)
	time.Sleep(80 * time.Millisecond)

	for _, ev := range f.drain() {
		if ev.Type == EventPendingApproval {
			t.Error("pending-approval emitted for a cancelled intermediate state")
		}
	}
}

func TestOtherSessionActivity(t *testing.T) {
	f := newFixture(t)
	f.reg.UpdateSessions([]tmux.Session{
		{Name: "a", WorkingDir: f.workDir, PanePID: 1},
		{Name: "b", WorkingDir: "/home/u/other", PanePID: 2},
	})
	f.store.Set("a", "abc")
	f.store.Set("b", "xyz")
	if err := f.reg.SetActiveSession("b"); err != nil {
		t.Fatal(err)
	}

	f.snapshot(t, "abc", userLine, assistantLine)
	events := f.drain()
	osa := findEvent(events, EventOtherSessionActivity)
	if osa == nil {
		t.Fatal("no other-session-activity for a background session")
	}
	payload := osa.Payload.(OtherSessionActivityPayload)
	if payload.SessionName != "a" || payload.NewMessageCount != 2 {
		t.Errorf("payload = %+v, want session a with 2 new messages", payload)
	}
}

func TestActiveSessionGetsNoOtherActivity(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.SetActiveSession("a"); err != nil {
		t.Fatal(err)
	}

	f.snapshot(t, "abc", userLine, assistantLine)
	if ev := findEvent(f.drain(), EventOtherSessionActivity); ev != nil {
		t.Error("other-session-activity emitted for the active session")
	}
}

func TestLiveCompactionEmitsAndFlags(t *testing.T) {
	f := newFixture(t)
	f.store.Set("a", "abc")

	historical := `{"type":"summary","uuid":"s0","timestamp":"2026-01-10T11:00:00Z","summary":"earlier work"}`
	f.snapshot(t, "abc", historical, userLine, assistantLine)
	if ev := findEvent(f.drain(), EventCompaction); ev != nil {
		t.Fatal("historical compaction emitted on initial load")
	}

	live := `{"type":"summary","uuid":"s1","timestamp":"2026-01-10T12:01:00Z","summary":"compacted: login fix"}`
	f.snapshot(t, "abc", historical, userLine, assistantLine, live)
	ev := findEvent(f.drain(), EventCompaction)
	if ev == nil {
		t.Fatal("live compaction not emitted")
	}
	if got := ev.Payload.(CompactionPayload).Summary; got != "compacted: login fix" {
		t.Errorf("compaction summary = %q", got)
	}
	if !f.res.IsCompacted("a") {
		t.Error("compacted flag not set on the owning session")
	}
}

func TestErrorDetected(t *testing.T) {
	f := newFixture(t)
	errorResult := `{"type":"user","uuid":"u2","timestamp":"2026-01-10T12:00:15Z","message":{"content":[{"type":"tool_result","tool_use_id":"b1","content":"exit 1","is_error":true}]}}`

	f.snapshot(t, "abc", userLine, bashLine)
	f.drain()

	f.snapshot(t, "abc", userLine, bashLine, errorResult, doneLine)
	if ev := findEvent(f.drain(), EventErrorDetected); ev == nil {
		t.Error("no error-detected after a failing tool")
	}
}

func TestEvictionEmitsSessionCompleted(t *testing.T) {
	f := newFixture(t)
	f.store.Set("a", "abc")
	f.snapshot(t, "abc", userLine, assistantLine)
	f.drain()

	// Session disappears: the conversation's directory is out of scope.
	f.reg.UpdateSessions(nil)
	events := f.drain()
	done := findEvent(events, EventSessionCompleted)
	if done == nil {
		t.Fatal("no session-completed on eviction")
	}
	if done.SessionID != "a" {
		t.Errorf("session-completed sessionId = %q, want a", done.SessionID)
	}

	if msgs, err := f.reg.GetMessages("a"); err != nil || len(msgs) != 0 {
		t.Errorf("evicted session still has %d messages (err %v)", len(msgs), err)
	}
}

func TestDeletedFilePruned(t *testing.T) {
	f := newFixture(t)
	f.store.Set("a", "abc")
	f.snapshot(t, "abc", userLine, assistantLine)
	f.drain()

	if err := os.Remove(filepath.Join(f.root, f.encoded, "abc.jsonl")); err != nil {
		t.Fatal(err)
	}
	f.reg.UpdateSessions([]tmux.Session{{Name: "a", WorkingDir: f.workDir, PanePID: 1}})
	if ev := findEvent(f.drain(), EventSessionCompleted); ev == nil {
		t.Error("no session-completed after the backing file vanished")
	}
}

func TestQueryRefreshEmitsEvents(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, assistantLine)
	f.drain()

	// The file grows on disk before the debounced pass delivers it.
	path := filepath.Join(f.root, f.encoded, "abc.jsonl")
	content := strings.Join([]string{userLine, assistantLine, bashLine, resultLine, doneLine}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.reg.GetMessages("a")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("GetMessages length = %d, want 4", len(msgs))
	}
	events := f.drain()
	if countEvents(events, EventConversationUpdate) != 1 {
		t.Error("query-time refresh did not emit conversation-update for the delta")
	}

	// The next tailer pass sees the same content and stays quiet.
	f.reg.HandleSnapshot(tailer.Snapshot{
		Path:           path,
		ConversationID: "abc",
		Content:        content,
		ModTime:        future,
	})
	if events := f.drain(); len(events) != 0 {
		t.Errorf("tailer pass after query refresh emitted %d events, want 0", len(events))
	}
}

func TestEvictionForgetsPath(t *testing.T) {
	f := newFixture(t)
	var forgotten []string
	f.reg.OnEvict(func(path string) { forgotten = append(forgotten, path) })

	f.snapshot(t, "abc", userLine, assistantLine)
	f.reg.UpdateSessions(nil)

	want := filepath.Join(f.root, f.encoded, "abc.jsonl")
	if len(forgotten) != 1 || forgotten[0] != want {
		t.Errorf("forgotten = %v, want [%s]", forgotten, want)
	}
}

func TestConcurrentResolveAndQueries(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, assistantLine)
	f.drain()

	// The resolver rewrites the shared store from its own goroutine while
	// queries read it, like the resolver ticker racing WebSocket requests.
	sessions := []tmux.Session{{Name: "a", WorkingDir: f.workDir}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			f.store.Set("ghost", "zzz")
			f.res.Resolve(context.Background(), sessions, f.reg.Conversations())
		}
	}()
	for i := 0; i < 200; i++ {
		f.reg.GetTmuxSessionForConversation("abc")
		f.reg.ListSessions()
		f.store.Mappings()
	}
	<-done
}

func TestInitialLoadAutoSelect(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, assistantLine)

	if got := f.reg.GetActiveSession(); got != "a" {
		t.Errorf("active session = %q, want auto-selected a", got)
	}
}

func TestNewSessionReturnsNoMessages(t *testing.T) {
	f := newFixture(t)
	f.reg.MarkSessionAsNew("a")
	f.snapshot(t, "abc", userLine, assistantLine)

	msgs, err := f.reg.GetMessages("a")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("newly-created session sees %d messages, want 0", len(msgs))
	}
}

func TestGetConversationChain(t *testing.T) {
	f := newFixture(t)
	f.store.Set("a", "X")
	f.store.Set("a", "Z")
	f.snapshot(t, "Z", userLine, assistantLine)

	chain, err := f.reg.GetConversationChain("a")
	if err != nil {
		t.Fatalf("GetConversationChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if filepath.Base(chain[0]) != "X.jsonl" || filepath.Base(chain[1]) != "Z.jsonl" {
		t.Errorf("chain = %v, want X then Z", chain)
	}
}

func TestGetServerSummary(t *testing.T) {
	f := newFixture(t)
	f.store.Set("a", "abc")
	f.snapshot(t, "abc", userLine, assistantLine)

	summaries := f.reg.GetServerSummary(nil)
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.SessionName != "a" || s.Status != "waiting" {
		t.Errorf("summary = %+v, want waiting session a", s)
	}
	if s.TaskSummary != "Fix the login bug" {
		t.Errorf("taskSummary = %q", s.TaskSummary)
	}

	if got := f.reg.GetServerSummary([]string{"other"}); len(got) != 0 {
		t.Errorf("filtered summary returned %d rows, want 0", len(got))
	}
}

func TestCheckAndEmitPendingApproval(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "abc", userLine, bashLine)
	time.Sleep(80 * time.Millisecond)
	f.drain()

	if err := f.reg.CheckAndEmitPendingApproval("a"); err != nil {
		t.Fatalf("CheckAndEmitPendingApproval: %v", err)
	}
	if ev := findEvent(f.drain(), EventPendingApproval); ev == nil {
		t.Error("explicit check did not re-emit pending-approval")
	}
}
