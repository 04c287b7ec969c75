package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/CoderDennis/credo-language-server/internal/analysis"
	"github.com/CoderDennis/credo-language-server/internal/diagnostics"
	"github.com/CoderDennis/credo-language-server/internal/protocol"
	"github.com/CoderDennis/credo-language-server/internal/rpc"
	"github.com/CoderDennis/credo-language-server/internal/runtime"
)

// --- Fakes ---

type sentReply struct {
	id      string
	result  any
	errCode int
	isErr   bool
}

type sentNote struct {
	method string
	params any
}

// fakeConn feeds scripted messages to the session and records
// everything it sends back.
type fakeConn struct {
	incoming chan *rpc.Message

	mu      sync.Mutex
	replies []sentReply
	notes   []sentNote
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan *rpc.Message, 32)}
}

func (c *fakeConn) Read() (*rpc.Message, error) {
	msg, ok := <-c.incoming
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (c *fakeConn) Reply(id json.RawMessage, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, sentReply{id: string(id), result: result})
	return nil
}

func (c *fakeConn) ReplyError(id json.RawMessage, code int, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, sentReply{id: string(id), errCode: code, isErr: true})
	return nil
}

func (c *fakeConn) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, sentNote{method: method, params: params})
	return nil
}

func (c *fakeConn) replyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

func (c *fakeConn) reply(i int) sentReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies[i]
}

// progress returns the recorded $/progress payloads of one kind.
func (c *fakeConn) progress(kind string) []protocol.ProgressParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.ProgressParams
	for _, n := range c.notes {
		if n.method != "$/progress" {
			continue
		}
		p := n.params.(protocol.ProgressParams)
		if p.Value.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeConn) publishes() []protocol.PublishDiagnosticsParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.PublishDiagnosticsParams
	for _, n := range c.notes {
		if n.method == "textDocument/publishDiagnostics" {
			out = append(out, n.params.(protocol.PublishDiagnosticsParams))
		}
	}
	return out
}

// fakeRC is a live execution context handle.
type fakeRC struct {
	done   chan error
	mu     sync.Mutex
	killed bool
}

func newFakeRC() *fakeRC { return &fakeRC{done: make(chan error, 1)} }

func (f *fakeRC) Ready(ctx context.Context) bool { return true }
func (f *fakeRC) Call(ctx context.Context, inv runtime.Invocation) (json.RawMessage, error) {
	return json.RawMessage(`"ok"`), nil
}
func (f *fakeRC) Alive() bool        { return true }
func (f *fakeRC) Done() <-chan error { return f.done }
func (f *fakeRC) Kill() {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
}

func (f *fakeRC) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// fakeBooter hands out fakeRCs, or fails.
type fakeBooter struct {
	err error

	mu      sync.Mutex
	rc      *fakeRC
	lastDir string
}

func (b *fakeBooter) Boot(ctx context.Context, workingDir string) (runtime.Context, error) {
	b.mu.Lock()
	b.lastDir = workingDir
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	rc := newFakeRC()
	b.mu.Lock()
	b.rc = rc
	b.mu.Unlock()
	return rc, nil
}

func (b *fakeBooter) bootDir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDir
}

func (b *fakeBooter) context() *fakeRC {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rc
}

// fakeEngine returns a scripted issue set. When block is set, Issues
// waits for the channel to close or the pass to be cancelled.
type fakeEngine struct {
	mu     sync.Mutex
	issues []analysis.Issue
	err    error
	block  chan struct{}
	calls  int
}

func (e *fakeEngine) Issues(ctx context.Context, rc runtime.Context, rootDir string) ([]analysis.Issue, error) {
	if rc == nil {
		return nil, runtime.ErrRuntimeUnavailable
	}

	e.mu.Lock()
	e.calls++
	issues, err, block := e.issues, e.err, e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return nil, err
	}
	return issues, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeEngine) setIssues(issues []analysis.Issue) {
	e.mu.Lock()
	e.issues = issues
	e.mu.Unlock()
}

// countingReader yields distinct deterministic token bytes.
type countingReader struct{ n byte }

func (r *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.n
		r.n++
	}
	return len(p), nil
}

// --- Harness ---

type fixture struct {
	conn   *fakeConn
	booter *fakeBooter
	engine *fakeEngine
	cache  *diagnostics.Cache
	sess   *Session
	code   chan int
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	conn := newFakeConn()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := diagnostics.NewCache()
	publisher := diagnostics.NewPublisher(conn, logger)
	engine := &fakeEngine{}
	coordinator := NewCoordinator(engine, cache, publisher, "", logger)
	booter := &fakeBooter{}

	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenSource(&countingReader{})
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = "0.0.0-test"
	}

	sess := New(conn, booter, coordinator, cache, publisher, opts)

	f := &fixture{
		conn:   conn,
		booter: booter,
		engine: engine,
		cache:  cache,
		sess:   sess,
		code:   make(chan int, 1),
	}
	go func() { f.code <- sess.Run(context.Background()) }()
	t.Cleanup(func() {
		select {
		case <-f.code:
		default:
			close(conn.incoming)
			<-f.code
		}
	})
	return f
}

func request(id int, method string, params any) *rpc.Message {
	raw, _ := json.Marshal(params)
	return &rpc.Message{
		ID:     json.RawMessage(strconv.Itoa(id)),
		Method: method,
		Params: raw,
	}
}

func notification(method string, params any) *rpc.Message {
	raw, _ := json.Marshal(params)
	return &rpc.Message{Method: method, Params: raw}
}

func (f *fixture) send(msg *rpc.Message) { f.conn.incoming <- msg }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// initialize drives the handshake through the initialize reply.
func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	f.send(request(1, "initialize", protocol.InitializeParams{RootURI: "file:///proj"}))
	waitFor(t, "initialize reply", func() bool { return f.conn.replyCount() >= 1 })
}

// boot drives the session to ready: initialized notification, then the
// boot task's progress pair.
func (f *fixture) boot(t *testing.T) {
	t.Helper()
	f.initialize(t)
	f.send(notification("initialized", nil))
	waitFor(t, "boot completion", func() bool { return len(f.conn.progress(protocol.ProgressKindEnd)) >= 1 })
}

func (f *fixture) exitCode(t *testing.T) int {
	t.Helper()
	select {
	case code := <-f.code:
		// Put the value back so the fixture cleanup's drain of f.code
		// doesn't block forever on a channel that already delivered.
		f.code <- code
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate")
		return -1
	}
}

func issue(file string, line int) analysis.Issue {
	return analysis.Issue{
		Check:    "Elixir.Credo.Check.Warning.IoInspect",
		Category: "warning",
		Message:  "no IO.inspect",
		Filename: file,
		LineNo:   line,
	}
}

// --- Tests ---

func TestInitialize_RepliesCapabilities(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)

	r := f.conn.reply(0)
	if r.isErr {
		t.Fatal("expected success reply")
	}
	result, ok := r.result.(protocol.InitializeResult)
	if !ok {
		t.Fatalf("result type %T", r.result)
	}

	sync := result.Capabilities.TextDocumentSync
	if sync == nil || sync.Change != protocol.TextDocumentSyncKindFull {
		t.Errorf("sync = %+v", sync)
	}
	if sync.Save == nil || !sync.Save.IncludeText {
		t.Error("expected save-includes-text")
	}
	if result.Capabilities.CodeActionProvider == nil {
		t.Error("expected code action capability")
	}
	if result.ServerInfo == nil || result.ServerInfo.Name != "credo-language-server" {
		t.Errorf("server info = %+v", result.ServerInfo)
	}
	if result.ServerInfo.Version != "0.0.0-test" {
		t.Errorf("version = %q", result.ServerInfo.Version)
	}
}

func TestInitialized_BootsAndPublishes(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.setIssues([]analysis.Issue{issue("lib/a.ex", 3), issue("lib/b.ex", 7)})

	f.boot(t)

	begins := f.conn.progress(protocol.ProgressKindBegin)
	if len(begins) != 1 {
		t.Fatalf("begins = %d", len(begins))
	}
	if begins[0].Value.Title != "Starting Credo" {
		t.Errorf("begin title = %q", begins[0].Value.Title)
	}
	if len(begins[0].Token) != 8 {
		t.Errorf("token = %q", begins[0].Token)
	}

	ends := f.conn.progress(protocol.ProgressKindEnd)
	if len(ends) != 1 {
		t.Fatalf("ends = %d", len(ends))
	}
	if ends[0].Token != begins[0].Token {
		t.Errorf("end token %q does not pair begin token %q", ends[0].Token, begins[0].Token)
	}
	if ends[0].Value.Message != "Found 2 issues" {
		t.Errorf("end message = %q", ends[0].Value.Message)
	}

	if f.cache.Len() != 2 {
		t.Errorf("cache files = %d", f.cache.Len())
	}
	if pubs := f.conn.publishes(); len(pubs) != 2 {
		t.Errorf("publishes = %d", len(pubs))
	}
}

func TestInitialized_SecondNotificationIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	f.boot(t)

	f.send(notification("initialized", nil))
	time.Sleep(30 * time.Millisecond)

	if begins := f.conn.progress(protocol.ProgressKindBegin); len(begins) != 1 {
		t.Errorf("expected a single boot, got %d begins", len(begins))
	}
}

func TestBootFailure_EndsProgressWithoutCount(t *testing.T) {
	f := newFixture(t, Options{})
	f.booter.err = errors.New("release script missing")

	f.boot(t)

	ends := f.conn.progress(protocol.ProgressKindEnd)
	if len(ends) != 1 {
		t.Fatalf("ends = %d", len(ends))
	}
	if ends[0].Value.Message != "" {
		t.Errorf("end message = %q", ends[0].Value.Message)
	}

	// Not ready; saves are ignored and the engine never runs.
	f.send(notification("textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///proj/lib/a.ex"},
		Text:         "defmodule A do\nend",
	}))
	time.Sleep(30 * time.Millisecond)
	if f.engine.callCount() != 0 {
		t.Errorf("engine ran %d times before ready", f.engine.callCount())
	}
}

func TestBootRefreshFailure_KillsContext(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.err = errors.New("analysis blew up")

	f.boot(t)

	waitFor(t, "context kill", func() bool {
		f.booter.mu.Lock()
		rc := f.booter.rc
		f.booter.mu.Unlock()
		return rc != nil && rc.wasKilled()
	})
}

func TestBoot_UsesWorkspaceRoot(t *testing.T) {
	f := newFixture(t, Options{})
	f.boot(t)

	if dir := f.booter.bootDir(); dir != "/proj" {
		t.Errorf("boot dir = %q", dir)
	}
}

func TestBoot_WorkDirOverride(t *testing.T) {
	f := newFixture(t, Options{WorkDir: "/srv/credo"})
	f.boot(t)

	if dir := f.booter.bootDir(); dir != "/srv/credo" {
		t.Errorf("boot dir = %q", dir)
	}
}

func TestContextCrash_ClearsHandle(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.setIssues([]analysis.Issue{issue("lib/a.ex", 3)})
	f.boot(t)

	f.booter.context().done <- errors.New("runtime terminated")
	time.Sleep(50 * time.Millisecond)

	// The crash itself produces no progress traffic; there is no task
	// to pair it with.
	if n := len(f.conn.progress(protocol.ProgressKindBegin)); n != 1 {
		t.Errorf("begins after crash = %d", n)
	}
	if n := len(f.conn.progress(protocol.ProgressKindEnd)); n != 1 {
		t.Errorf("ends after crash = %d", n)
	}
	pubsBefore := len(f.conn.publishes())

	// The handle is cleared and not rebooted: the next refresh fails
	// against the missing context and ends without a count.
	f.send(notification("textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///proj/lib/a.ex"},
		Text:         "defmodule A do\nend",
	}))
	waitFor(t, "failed refresh end", func() bool { return len(f.conn.progress(protocol.ProgressKindEnd)) >= 2 })

	ends := f.conn.progress(protocol.ProgressKindEnd)
	if ends[1].Value.Message != "" {
		t.Errorf("end message = %q", ends[1].Value.Message)
	}
	if pubs := len(f.conn.publishes()); pubs != pubsBefore {
		t.Errorf("publishes = %d, want %d", pubs, pubsBefore)
	}
}

func TestDidSaveBeforeReady_Ignored(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)

	f.send(notification("textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///proj/lib/a.ex"},
		Text:         "defmodule A do\nend",
	}))
	time.Sleep(30 * time.Millisecond)

	if f.engine.callCount() != 0 {
		t.Errorf("engine ran %d times", f.engine.callCount())
	}
	if notes := f.conn.progress(protocol.ProgressKindBegin); len(notes) != 0 {
		t.Errorf("unexpected progress: %+v", notes)
	}
}

func TestDidSave_RefreshReplacesDiagnostics(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.setIssues([]analysis.Issue{issue("lib/a.ex", 3)})
	f.boot(t)

	// The save invalidates the old finding and yields a new one.
	f.engine.setIssues([]analysis.Issue{issue("lib/b.ex", 9)})
	f.send(notification("textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///proj/lib/b.ex"},
		Text:         "defmodule B do\nend",
	}))

	waitFor(t, "refresh completion", func() bool { return len(f.conn.progress(protocol.ProgressKindEnd)) >= 2 })

	begins := f.conn.progress(protocol.ProgressKindBegin)
	if len(begins) != 2 {
		t.Fatalf("begins = %d", len(begins))
	}
	if begins[1].Value.Title != "Running Credo" {
		t.Errorf("refresh title = %q", begins[1].Value.Title)
	}
	if begins[1].Token == begins[0].Token {
		t.Error("tokens not distinct across operations")
	}

	snap := f.cache.Snapshot()
	if _, stale := snap["lib/a.ex"]; stale {
		t.Error("stale diagnostics survived the refresh")
	}
	if len(snap["lib/b.ex"]) != 1 {
		t.Errorf("lib/b.ex diagnostics = %d", len(snap["lib/b.ex"]))
	}
}

func TestDidChange_CancelsAndClears(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.setIssues([]analysis.Issue{issue("lib/a.ex", 3)})
	f.boot(t)

	// Make the next refresh hang until cancelled.
	f.engine.mu.Lock()
	f.engine.block = make(chan struct{})
	f.engine.mu.Unlock()

	f.send(notification("textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///proj/lib/a.ex"},
		Text:         "defmodule A do\nend",
	}))
	waitFor(t, "refresh begin", func() bool { return len(f.conn.progress(protocol.ProgressKindBegin)) >= 2 })

	f.send(notification("textDocument/didChange", protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: "file:///proj/lib/a.ex"},
		},
	}))

	// The cancelled refresh still pairs its begin with an end.
	waitFor(t, "cancelled refresh end", func() bool { return len(f.conn.progress(protocol.ProgressKindEnd)) >= 2 })

	if f.cache.Len() != 0 {
		t.Errorf("cache not cleared, %d files remain", f.cache.Len())
	}
}

func TestDidChangeBeforeReady_Ignored(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)
	f.cache.Put("lib/a.ex", protocol.Diagnostic{Message: "stale"})

	f.send(notification("textDocument/didChange", protocol.DidChangeTextDocumentParams{}))
	time.Sleep(30 * time.Millisecond)

	if f.cache.Len() != 1 {
		t.Error("didChange cleared the cache before ready")
	}
}

func TestShutdownThenExit_ReturnsZero(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)

	f.send(request(2, "shutdown", nil))
	waitFor(t, "shutdown reply", func() bool { return f.conn.replyCount() >= 2 })

	r := f.conn.reply(1)
	if r.isErr || r.result != nil {
		t.Errorf("shutdown reply = %+v", r)
	}

	f.send(notification("exit", nil))
	if code := f.exitCode(t); code != 0 {
		t.Errorf("exit code = %d", code)
	}
}

func TestExitWithoutShutdown_ReturnsOne(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)

	f.send(notification("exit", nil))
	if code := f.exitCode(t); code != 1 {
		t.Errorf("exit code = %d", code)
	}
}

func TestConnectionDrop_ReturnsOne(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)

	close(f.conn.incoming)
	if code := f.exitCode(t); code != 1 {
		t.Errorf("exit code = %d", code)
	}
}

func TestUnknownRequest_MethodNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)

	f.send(request(9, "workspace/symbol", nil))
	waitFor(t, "error reply", func() bool { return f.conn.replyCount() >= 2 })

	r := f.conn.reply(1)
	if !r.isErr || r.errCode != rpc.CodeMethodNotFound {
		t.Errorf("reply = %+v", r)
	}
}

func TestUnknownNotification_Ignored(t *testing.T) {
	f := newFixture(t, Options{})
	f.initialize(t)

	f.send(notification("$/setTrace", map[string]string{"value": "off"}))
	f.send(request(2, "shutdown", nil))
	waitFor(t, "shutdown reply", func() bool { return f.conn.replyCount() >= 2 })

	// Only initialize and shutdown got replies.
	if f.conn.replyCount() != 2 {
		t.Errorf("replies = %d", f.conn.replyCount())
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{PhaseUninitialized, "uninitialized"},
		{PhaseInitializing, "initializing"},
		{PhaseReady, "ready"},
		{PhaseShuttingDown, "shutting down"},
		{Phase(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.expected {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.expected)
		}
	}
}

func TestDocumentText(t *testing.T) {
	d := &Document{Lines: splitLines("defmodule A do\n  :ok\nend")}
	if len(d.Lines) != 3 {
		t.Errorf("lines = %d", len(d.Lines))
	}
	if d.Text() != "defmodule A do\n  :ok\nend" {
		t.Errorf("text = %q", d.Text())
	}
}
