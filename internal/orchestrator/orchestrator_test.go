package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/channel"
	"tether/internal/config"
	"tether/internal/execenv"
	"tether/internal/runtime"
	"tether/internal/storage"
)

const waitTimeout = 5 * time.Second

type scriptFunc func(ctx context.Context, ec *runtime.ExecutionContext, cb runtime.Callbacks, ch chan<- runtime.Event)

// fakeAdapter runs a per-test script in place of the real runtime. The
// script owns the event channel and may block on the callbacks exactly like
// a real adapter would.
type fakeAdapter struct {
	mu       sync.Mutex
	script   scriptFunc
	queryErr error
	queries  []*runtime.ExecutionContext
	aborts   []string
}

func (f *fakeAdapter) Query(ctx context.Context, ec *runtime.ExecutionContext, cb runtime.Callbacks) (<-chan runtime.Event, error) {
	f.mu.Lock()
	f.queries = append(f.queries, ec)
	script := f.script
	queryErr := f.queryErr
	f.mu.Unlock()

	if queryErr != nil {
		return nil, queryErr
	}

	ch := make(chan runtime.Event, 16)
	go func() {
		defer close(ch)
		if script != nil {
			script(ctx, ec, cb, ch)
		}
	}()
	return ch, nil
}

func (f *fakeAdapter) Abort(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, sessionID)
}

func (f *fakeAdapter) Dispose() {}

func (f *fakeAdapter) lastQuery() *runtime.ExecutionContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return nil
	}
	return f.queries[len(f.queries)-1]
}

// captureNotifier records pushed events on channels the test can wait on.
type captureNotifier struct {
	events chan AgentEvent
	ends   chan []*storage.Message
	titles chan string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{
		events: make(chan AgentEvent, 256),
		ends:   make(chan []*storage.Message, 16),
		titles: make(chan string, 4),
	}
}

func (n *captureNotifier) OnEvent(_ string, event AgentEvent)          { n.events <- event }
func (n *captureNotifier) OnRunEnd(_ string, msgs []*storage.Message) { n.ends <- msgs }
func (n *captureNotifier) OnTitle(_, title string)                    { n.titles <- title }

// waitEvent drains pushed events until one of the wanted type arrives.
func (n *captureNotifier) waitEvent(t *testing.T, want AgentEventType) AgentEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-n.events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func (n *captureNotifier) waitRunEnd(t *testing.T) []*storage.Message {
	t.Helper()
	select {
	case msgs := <-n.ends:
		return msgs
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for run end")
		return nil
	}
}

type testEnv struct {
	orch    *Orchestrator
	db      *storage.DB
	adapter *fakeAdapter
	notif   *captureNotifier
}

func newTestEnv(t *testing.T, script scriptFunc) *testEnv {
	return newTestEnvWorkspaces(t, script, nil)
}

func newTestEnvWorkspaces(t *testing.T, script scriptFunc, workspaces []config.WorkspaceConfig) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealed, err := channel.Seal([]byte("sk-test"), identity)
	require.NoError(t, err)

	channels := channel.NewStore([]config.ChannelConfig{{
		ID:           "ch1",
		Name:         "main",
		BaseURL:      "https://api.example.com",
		APIKeySealed: sealed,
		DefaultModel: "m-default",
	}}, identity)

	builder := execenv.NewBuilder(channels, execenv.ConfigProxy{}, config.RuntimeConfig{WorkDir: t.TempDir()}, workspaces)
	adapter := &fakeAdapter{script: script}
	notif := newCaptureNotifier()
	orch := New(db, builder, adapter, notif, "ask")
	t.Cleanup(orch.Shutdown)

	return &testEnv{orch: orch, db: db, adapter: adapter, notif: notif}
}

func (e *testEnv) newSession(t *testing.T) *storage.Session {
	t.Helper()
	sess, err := e.db.CreateSession("ch1", "", "")
	require.NoError(t, err)
	return sess
}

func TestStartRun_SingleAssistantMessage(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewTextDelta("Hello, ")
		ch <- runtime.NewTextDelta("world.")
		ch <- runtime.Event{Type: runtime.EventResumeToken, ResumeToken: "tok-1"}
		ch <- runtime.Event{Type: runtime.EventModelResolved, Model: "m-actual"}
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	msgs := env.notif.waitRunEnd(t)

	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, storage.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello, world.", msgs[1].Content)
	assert.Equal(t, "m-actual", msgs[1].Model)

	got, err := env.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ResumeToken)
}

func TestStartRun_EmptyRunLeavesNoAssistantRow(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	msgs := env.notif.waitRunEnd(t)

	require.Len(t, msgs, 1)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
}

func TestStartRun_RejectedWhileActive(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "first"))
	err := env.orch.StartRun(context.Background(), sess.ID, "second")
	require.ErrorIs(t, err, ErrSessionBusy)
	env.notif.waitEvent(t, AgentEventRejected)

	// The rejected request must leave no trace in the transcript.
	count, err := env.db.CountMessages(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	close(release)
	env.notif.waitRunEnd(t)
}

func TestStartRun_UnknownChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, err := env.db.CreateSession("nope", "", "")
	require.NoError(t, err)

	err = env.orch.StartRun(context.Background(), sess.ID, "hi")
	require.ErrorIs(t, err, channel.ErrChannelNotFound)
	assert.False(t, env.orch.IsRunning(sess.ID))

	// The failure is pushed, not persisted: no run started, so the
	// transcript stays empty.
	ev := env.notif.waitEvent(t, AgentEventError)
	require.NotNil(t, ev.Error)
	assert.Equal(t, string(FailureChannelNotFound), ev.Error.Code)

	count, err := env.db.CountMessages(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartRun_LaunchFailureKeepsOnlyUserMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.adapter.queryErr = errors.New("executable file not found in $PATH")
	sess := env.newSession(t)

	err := env.orch.StartRun(context.Background(), sess.ID, "hi")
	require.Error(t, err)
	assert.False(t, env.orch.IsRunning(sess.ID))

	ev := env.notif.waitEvent(t, AgentEventError)
	require.NotNil(t, ev.Error)
	assert.Equal(t, string(FailureRuntimeLaunch), ev.Error.Code)

	msgs, err := env.db.GetMessages(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
}

func TestStartRun_WorkspacePolicyReachesRuntime(t *testing.T) {
	env := newTestEnvWorkspaces(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewDone()
	}, []config.WorkspaceConfig{{
		ID:              "proj",
		Path:            "/srv/proj",
		DisallowedTools: []string{"WebFetch"},
	}})
	sess, err := env.db.CreateSession("ch1", "", "proj")
	require.NoError(t, err)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	env.notif.waitRunEnd(t)

	ec := env.adapter.lastQuery()
	require.NotNil(t, ec)
	assert.Equal(t, "/srv/proj", ec.WorkDir)
	assert.Equal(t, []string{"WebFetch"}, ec.DisallowedTools)
}

func TestContinuation_FreshSessionSendsRawMessage(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hello"))
	env.notif.waitRunEnd(t)

	ec := env.adapter.lastQuery()
	require.NotNil(t, ec)
	assert.Equal(t, "hello", ec.Prompt)
	assert.Empty(t, ec.ResumeToken)
}

func TestContinuation_BackfillsHistoryWithoutToken(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	for _, m := range []*storage.Message{
		{SessionID: sess.ID, Role: storage.RoleUser, Content: "earlier question"},
		{SessionID: sess.ID, Role: storage.RoleAssistant, Content: "earlier answer"},
		{SessionID: sess.ID, Role: storage.RoleStatus, Error: &storage.MessageError{Title: "noise"}},
	} {
		_, err := env.db.AppendMessage(m)
		require.NoError(t, err)
	}

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "and now?"))
	env.notif.waitRunEnd(t)

	ec := env.adapter.lastQuery()
	require.NotNil(t, ec)
	assert.Empty(t, ec.ResumeToken)
	assert.Contains(t, ec.Prompt, transcriptOpen)
	assert.Contains(t, ec.Prompt, "user: earlier question")
	assert.Contains(t, ec.Prompt, "assistant: earlier answer")
	assert.NotContains(t, ec.Prompt, "noise")
	assert.True(t, strings.HasSuffix(ec.Prompt, "and now?"))
}

func TestContinuation_ResumeTokenSkipsBackfill(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)
	_, err := env.db.AppendMessage(&storage.Message{SessionID: sess.ID, Role: storage.RoleUser, Content: "old"})
	require.NoError(t, err)
	require.NoError(t, env.db.UpdateSessionResumeToken(sess.ID, "tok-old"))

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "continue"))
	env.notif.waitRunEnd(t)

	ec := env.adapter.lastQuery()
	require.NotNil(t, ec)
	assert.Equal(t, "continue", ec.Prompt)
	assert.Equal(t, "tok-old", ec.ResumeToken)
}

func TestContinuation_CompactPassesThroughVerbatim(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)
	_, err := env.db.AppendMessage(&storage.Message{SessionID: sess.ID, Role: storage.RoleUser, Content: "old"})
	require.NoError(t, err)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "/compact"))
	env.notif.waitRunEnd(t)

	ec := env.adapter.lastQuery()
	require.NotNil(t, ec)
	assert.Equal(t, "/compact", ec.Prompt)
}

func TestStopRun_FreesGuardImmediately(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewTextDelta("partial")
		<-ctx.Done()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "go"))
	env.notif.waitEvent(t, AgentEventTextDelta)

	env.orch.StopRun(sess.ID)
	assert.False(t, env.orch.IsRunning(sess.ID))

	msgs := env.notif.waitRunEnd(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "partial", msgs[1].Content)
	for _, m := range msgs {
		assert.NotEqual(t, storage.RoleStatus, m.Role)
	}

	// The freed slot admits a follow-up run right away; it does not wait
	// for the aborted run's adapter teardown.
	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "again"))
	assert.True(t, env.orch.IsRunning(sess.ID))
	env.orch.StopRun(sess.ID)
	env.notif.waitRunEnd(t)
}

func TestTypedError_HaltsEventProcessing(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewTypedError(&runtime.TypedError{Code: "500", Title: "Server error", Message: "overloaded"})
		select {
		case ch <- runtime.NewTextDelta("after the end"):
		case <-ctx.Done():
		}
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	msgs := env.notif.waitRunEnd(t)

	// Nothing past the typed error is accumulated: user message plus the
	// status row, no assistant row carrying the stray delta.
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleStatus, msgs[1].Role)
	require.NotNil(t, msgs[1].Error)
	assert.Equal(t, "500", msgs[1].Error.Code)
}

func TestPermission_ResolvedExactlyOnce(t *testing.T) {
	decisions := make(chan *runtime.PermissionDecision, 1)
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, cb runtime.Callbacks, ch chan<- runtime.Event) {
		d, _ := cb.RequestPermission(ctx, &runtime.PermissionRequest{ToolName: "bash", Command: "ls"})
		decisions <- d
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "run something"))
	ev := env.notif.waitEvent(t, AgentEventPermissionRequest)
	require.NotNil(t, ev.Request)
	assert.Equal(t, runtime.DangerSafe, ev.Request.Permission.Danger)

	require.NoError(t, env.orch.RespondPermission(ev.Request.RequestID, runtime.PermissionAllow, false, ""))
	assert.ErrorIs(t, env.orch.RespondPermission(ev.Request.RequestID, runtime.PermissionAllow, false, ""), ErrRequestNotFound)

	d := <-decisions
	assert.Equal(t, runtime.PermissionAllow, d.Behavior)
	env.notif.waitRunEnd(t)
}

func TestPermission_FIFOQueueResolvedOutOfOrder(t *testing.T) {
	proceed := make(chan struct{})
	type outcome struct {
		tool     string
		decision *runtime.PermissionDecision
	}
	outcomes := make(chan outcome, 2)

	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, cb runtime.Callbacks, ch chan<- runtime.Event) {
		var wg sync.WaitGroup
		for _, tool := range []string{"alpha", "beta"} {
			tool := tool
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, _ := cb.RequestPermission(ctx, &runtime.PermissionRequest{ToolName: tool, Command: "make " + tool})
				outcomes <- outcome{tool: tool, decision: d}
			}()
			<-proceed
		}
		wg.Wait()
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "two tools"))
	first := env.notif.waitEvent(t, AgentEventPermissionRequest)
	proceed <- struct{}{}
	second := env.notif.waitEvent(t, AgentEventPermissionRequest)
	proceed <- struct{}{}

	pending := env.orch.PendingApprovals(sess.ID)
	require.Len(t, pending, 2)
	assert.Equal(t, "alpha", pending[0].Permission.ToolName)
	assert.Equal(t, "beta", pending[1].Permission.ToolName)
	assert.Equal(t, first.Request.RequestID, pending[0].RequestID)

	// Answering the newer request first must not disturb the older one.
	require.NoError(t, env.orch.RespondPermission(second.Request.RequestID, runtime.PermissionAllow, false, ""))
	require.NoError(t, env.orch.RespondPermission(first.Request.RequestID, runtime.PermissionDeny, false, "not now"))

	got := map[string]*runtime.PermissionDecision{}
	for i := 0; i < 2; i++ {
		o := <-outcomes
		got[o.tool] = o.decision
	}
	assert.Equal(t, runtime.PermissionAllow, got["beta"].Behavior)
	assert.Equal(t, runtime.PermissionDeny, got["alpha"].Behavior)
	assert.Equal(t, "not now", got["alpha"].Message)
	env.notif.waitRunEnd(t)
}

func TestPermission_AlwaysAllowSkipsPrompt(t *testing.T) {
	decisions := make(chan *runtime.PermissionDecision, 2)
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, cb runtime.Callbacks, ch chan<- runtime.Event) {
		for i := 0; i < 2; i++ {
			d, _ := cb.RequestPermission(ctx, &runtime.PermissionRequest{ToolName: "bash", Command: "ls"})
			decisions <- d
		}
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "twice"))
	ev := env.notif.waitEvent(t, AgentEventPermissionRequest)
	require.NoError(t, env.orch.RespondPermission(ev.Request.RequestID, runtime.PermissionAllow, true, ""))

	// Second identical request resolves without a new pending entry.
	d1, d2 := <-decisions, <-decisions
	assert.Equal(t, runtime.PermissionAllow, d1.Behavior)
	assert.Equal(t, runtime.PermissionAllow, d2.Behavior)
	env.notif.waitRunEnd(t)
	assert.Empty(t, env.orch.PendingApprovals(sess.ID))
}

func TestStopRun_CancelsPendingApprovals(t *testing.T) {
	decisions := make(chan *runtime.PermissionDecision, 1)
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, cb runtime.Callbacks, ch chan<- runtime.Event) {
		d, _ := cb.RequestPermission(ctx, &runtime.PermissionRequest{ToolName: "bash", Command: "rm -rf build"})
		decisions <- d
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "cleanup"))
	ev := env.notif.waitEvent(t, AgentEventPermissionRequest)
	assert.Equal(t, runtime.DangerDangerous, ev.Request.Permission.Danger)

	env.orch.StopRun(sess.ID)

	d := <-decisions
	assert.Equal(t, runtime.PermissionDeny, d.Behavior)
	assert.Equal(t, abortedMessage, d.Message)
	assert.Empty(t, env.orch.PendingApprovals(sess.ID))
	env.notif.waitRunEnd(t)
}

func TestAskUser_AnswersDelivered(t *testing.T) {
	answers := make(chan *runtime.AskUserAnswers, 1)
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, cb runtime.Callbacks, ch chan<- runtime.Event) {
		a, _ := cb.AskUser(ctx, &runtime.AskUserRequest{Questions: []runtime.Question{{Label: "Which file?"}}})
		answers <- a
		ch <- runtime.NewDone()
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "ambiguous"))
	ev := env.notif.waitEvent(t, AgentEventAskUserRequest)
	require.NotNil(t, ev.Request.AskUser)

	require.NoError(t, env.orch.RespondAskUser(ev.Request.RequestID, map[string]string{"0": "main.go"}))

	a := <-answers
	require.NotNil(t, a)
	assert.Equal(t, "main.go", a.Answers["0"])
	env.notif.waitRunEnd(t)
}

func TestTypedError_404KeepsResumeToken(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.Event{Type: runtime.EventResumeToken, ResumeToken: "tok-keep"}
		ch <- runtime.NewTypedError(&runtime.TypedError{Code: "404", Title: "Not found", Message: "no such model"})
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	msgs := env.notif.waitRunEnd(t)

	last := msgs[len(msgs)-1]
	assert.Equal(t, storage.RoleStatus, last.Role)
	require.NotNil(t, last.Error)
	assert.Equal(t, "404", last.Error.Code)

	got, err := env.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-keep", got.ResumeToken)
}

func TestTypedError_502ClearsResumeToken(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		ch <- runtime.NewTypedError(&runtime.TypedError{Code: "502", Title: "Bad gateway", Message: "upstream", Retryable: true})
	})
	sess := env.newSession(t)
	require.NoError(t, env.db.UpdateSessionResumeToken(sess.ID, "tok-stale"))

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	env.notif.waitRunEnd(t)

	got, err := env.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ResumeToken)
}

func TestDiagnostics_ClassifiedWhenStreamEndsWithoutTerminal(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, cb runtime.Callbacks, _ chan<- runtime.Event) {
		cb.OnDiagnostic(`401 {"error":{"message":"bad key"}}`)
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	msgs := env.notif.waitRunEnd(t)

	last := msgs[len(msgs)-1]
	require.Equal(t, storage.RoleStatus, last.Role)
	require.NotNil(t, last.Error)
	assert.Equal(t, "401", last.Error.Code)
	assert.Equal(t, "bad key", last.Error.Details)
}

func TestDiagnostics_UnclassifiedSurfacesVerbatim(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, _ *runtime.ExecutionContext, cb runtime.Callbacks, _ chan<- runtime.Event) {
		cb.OnDiagnostic("segmentation fault")
	})
	sess := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), sess.ID, "hi"))
	msgs := env.notif.waitRunEnd(t)

	last := msgs[len(msgs)-1]
	require.Equal(t, storage.RoleStatus, last.Role)
	require.NotNil(t, last.Error)
	assert.Empty(t, last.Error.Code)
	assert.Equal(t, "segmentation fault", last.Error.Details)
}

func TestSessionsRunIndependently(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, _ *runtime.ExecutionContext, _ runtime.Callbacks, ch chan<- runtime.Event) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch <- runtime.NewDone()
	})
	a := env.newSession(t)
	b := env.newSession(t)

	require.NoError(t, env.orch.StartRun(context.Background(), a.ID, "one"))
	require.NoError(t, env.orch.StartRun(context.Background(), b.ID, "two"))
	assert.True(t, env.orch.IsRunning(a.ID))
	assert.True(t, env.orch.IsRunning(b.ID))

	close(release)
	env.notif.waitRunEnd(t)
	env.notif.waitRunEnd(t)
}
