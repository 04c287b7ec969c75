// Package session implements the top-level actor of the language
// server: a single-goroutine message loop that owns all per-session
// state (documents, diagnostic cache handle, execution context handle,
// in-flight task table) and drives the runtime lifecycle manager, the
// refresh coordinator, and the diagnostic publisher.
//
// Asynchronous tasks never touch session state directly; they report
// back through a completion channel the actor drains as part of its
// loop, keyed by an opaque task ref.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/CoderDennis/credo-language-server/internal/diagnostics"
	"github.com/CoderDennis/credo-language-server/internal/protocol"
	"github.com/CoderDennis/credo-language-server/internal/rpc"
	"github.com/CoderDennis/credo-language-server/internal/runtime"
)

// Phase represents the session lifecycle state.
type Phase int

const (
	// PhaseUninitialized means no initialize request has arrived.
	PhaseUninitialized Phase = iota
	// PhaseInitializing means initialize was answered but the boot
	// task has not completed.
	PhaseInitializing
	// PhaseReady means the execution context is booted and refreshes
	// are accepted.
	PhaseReady
	// PhaseShuttingDown means a shutdown request was received.
	PhaseShuttingDown
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// Conn is the protocol connection the session speaks over.
// Satisfied by *rpc.Transport.
type Conn interface {
	Read() (*rpc.Message, error)
	Reply(id json.RawMessage, result any) error
	ReplyError(id json.RawMessage, code int, message string) error
	Notify(method string, params any) error
}

// Booter boots execution contexts. Satisfied by *runtime.Manager.
type Booter interface {
	Boot(ctx context.Context, workingDir string) (runtime.Context, error)
}

// Document is an open text document, replaced wholesale on save
// (full-text sync, no incremental diffing).
type Document struct {
	URI   protocol.DocumentURI
	Lines []string
}

// Text returns the document content as a single string.
func (d *Document) Text() string {
	return strings.Join(d.Lines, "\n")
}

// splitLines breaks full document text into its line sequence.
func splitLines(text string) []string {
	return strings.Split(text, "\n")
}

// Options configure a session.
type Options struct {
	// ServerVersion is reported in the initialize response.
	ServerVersion string

	// WorkDir overrides the execution context working directory;
	// empty uses the workspace root sent by the client.
	WorkDir string

	// Tokens generates progress tokens; nil uses crypto/rand.
	Tokens *TokenSource

	// Actions builds code actions per check; nil disables them.
	Actions ActionProvider

	// Logger receives session logs; nil uses slog.Default.
	Logger *slog.Logger
}

// Session is the protocol-facing actor. All fields below conn are
// owned by the Run goroutine exclusively.
type Session struct {
	conn        Conn
	booter      Booter
	coordinator *Coordinator
	cache       *diagnostics.Cache
	publisher   *diagnostics.Publisher
	tokens      *TokenSource
	actions     ActionProvider
	logger      *slog.Logger
	version     string
	workDir     string

	events chan event

	// Actor-owned state
	phase     Phase
	rootURI   protocol.DocumentURI
	rootPath  string
	documents map[protocol.DocumentURI]*Document
	rc        runtime.Context
	tasks     map[uuid.UUID]*task
	exitCode  int
}

// New creates a session over the given connection and collaborators.
func New(conn Conn, booter Booter, coordinator *Coordinator, cache *diagnostics.Cache, publisher *diagnostics.Publisher, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewTokenSource(nil)
	}
	return &Session{
		conn:        conn,
		booter:      booter,
		coordinator: coordinator,
		cache:       cache,
		publisher:   publisher,
		tokens:      tokens,
		actions:     opts.Actions,
		logger:      logger.With("component", "session"),
		version:     opts.ServerVersion,
		workDir:     opts.WorkDir,
		events:      make(chan event, 16),
		phase:       PhaseUninitialized,
		documents:   make(map[protocol.DocumentURI]*Document),
		tasks:       make(map[uuid.UUID]*task),
		exitCode:    1, // exit without a prior shutdown is abnormal
	}
}

// Run drives the message loop until the client sends exit or the
// connection drops. Returns the process exit code: 0 after a graceful
// shutdown request, 1 otherwise.
func (s *Session) Run(ctx context.Context) int {
	msgs := make(chan *rpc.Message)
	readErrs := make(chan error, 1)

	go func() {
		for {
			msg, err := s.conn.Read()
			if err != nil {
				readErrs <- err
				return
			}
			msgs <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.cancelTasks()
			return s.exitCode
		case err := <-readErrs:
			s.logger.Error("connection closed", "error", err)
			s.cancelTasks()
			return s.exitCode
		case msg := <-msgs:
			if terminate := s.handleMessage(msg); terminate {
				s.cancelTasks()
				return s.exitCode
			}
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

// handleMessage dispatches one request or notification. Returns true
// when the session should terminate.
func (s *Session) handleMessage(msg *rpc.Message) bool {
	switch msg.Method {
	case "initialize":
		s.handleInitialize(msg)
	case "initialized":
		s.handleInitialized()
	case "textDocument/didOpen":
		s.handleDidOpen(msg)
	case "textDocument/didChange":
		s.handleDidChange()
	case "textDocument/didSave":
		s.handleDidSave(msg)
	case "textDocument/didClose":
		s.handleDidClose(msg)
	case "textDocument/codeAction":
		s.handleCodeAction(msg)
	case "shutdown":
		s.handleShutdown(msg)
	case "exit":
		s.logger.Info("exit received", "exitCode", s.exitCode)
		return true
	default:
		if msg.IsNotification() {
			s.logger.Debug("ignoring notification", "method", msg.Method)
		} else {
			s.logger.Warn("unhandled request", "method", msg.Method)
			s.replyError(msg, rpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
		}
	}
	return false
}

// handleInitialize records the root URI and replies with capabilities:
// full-text document sync with save-includes-text, and quick-fix code
// actions.
func (s *Session) handleInitialize(msg *rpc.Message) {
	var params protocol.InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyError(msg, rpc.CodeInvalidParams, "invalid initialize params")
		return
	}

	s.rootURI = params.RootURI
	s.rootPath = protocol.URIToFilePath(params.RootURI)
	if s.rootPath == "" {
		s.rootPath = params.RootPath
	}
	s.phase = PhaseInitializing

	result := protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: &protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindFull,
				Save:      &protocol.SaveOptions{IncludeText: true},
			},
			CodeActionProvider: &protocol.CodeActionOptions{
				CodeActionKinds: []protocol.CodeActionKind{protocol.CodeActionKindQuickFix},
			},
		},
		ServerInfo: &protocol.ServerInfo{
			Name:    "credo-language-server",
			Version: s.version,
		},
	}

	s.reply(msg, result)
	s.logger.Info("initialized session", "root", s.rootPath)
}

// handleInitialized begins the boot sequence inside an asynchronous
// task. The begin progress notification goes out before the task is
// spawned so the token is visible first.
func (s *Session) handleInitialized() {
	if s.phase != PhaseInitializing || s.rc != nil || s.bootInFlight() {
		return
	}

	token := s.tokens.Token()
	s.progressBegin(token, "Starting Credo")

	ref := uuid.New()
	taskCtx, cancel := context.WithCancel(context.Background())
	s.tasks[ref] = &task{ref: ref, token: token, kind: TaskBoot, cancel: cancel}

	workDir := s.rootPath
	if s.workDir != "" {
		workDir = s.workDir
	}
	go s.runBoot(taskCtx, ref, workDir, s.rootPath)
}

// bootInFlight reports whether a boot task is already tracked.
func (s *Session) bootInFlight() bool {
	for _, t := range s.tasks {
		if t.kind == TaskBoot {
			return true
		}
	}
	return false
}

// runBoot boots the execution context in workDir, then runs the
// initial refresh over rootDir. Runs outside the actor; reports back
// through the event channel only.
func (s *Session) runBoot(ctx context.Context, ref uuid.UUID, workDir, rootDir string) {
	rc, err := s.booter.Boot(ctx, workDir)
	if err != nil {
		s.events <- event{kind: eventTaskFailed, ref: ref, err: err}
		return
	}

	count, err := s.coordinator.run(ctx, rc, rootDir, false)
	if err != nil {
		s.events <- event{kind: eventTaskFailed, ref: ref, err: err, rc: rc}
		return
	}

	s.events <- event{kind: eventTaskDone, ref: ref, count: count, rc: rc}
}

// handleDidOpen updates the document mapping regardless of phase.
func (s *Session) handleDidOpen(msg *rpc.Message) {
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("invalid didOpen params", "error", err)
		return
	}

	uri := params.TextDocument.URI
	s.documents[uri] = &Document{URI: uri, Lines: splitLines(params.TextDocument.Text)}
}

// handleDidChange invalidates diagnostics immediately: every in-flight
// task is forcibly cancelled, the cache cleared, and the (now empty)
// cache republished. Document text is not taken from this message; the
// full text arrives with the next didSave. Ignored until ready so
// edits cannot race the boot sequence.
func (s *Session) handleDidChange() {
	if s.phase != PhaseReady {
		return
	}

	s.cancelTasks()
	s.cache.Clear()
	s.publisher.Publish(s.cache)
}

// handleDidSave replaces the document text wholesale and spawns an
// incremental refresh that clears the cache before re-running
// analysis. Ignored until ready.
func (s *Session) handleDidSave(msg *rpc.Message) {
	var params protocol.DidSaveTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("invalid didSave params", "error", err)
		return
	}

	if s.phase != PhaseReady {
		return
	}

	uri := params.TextDocument.URI
	s.documents[uri] = &Document{URI: uri, Lines: splitLines(params.Text)}

	// Cancellation is fire-and-forget, so a superseded refresh may
	// still write a few entries after the new task's clear; they last
	// until the next clear.
	s.cancelTasks()

	token := s.tokens.Token()
	s.progressBegin(token, "Running Credo")

	ref := uuid.New()
	taskCtx, cancel := context.WithCancel(context.Background())
	s.tasks[ref] = &task{ref: ref, token: token, kind: TaskIncrementalRefresh, cancel: cancel}

	rc := s.rc
	rootDir := s.rootPath
	go func() {
		count, err := s.coordinator.run(taskCtx, rc, rootDir, true)
		if err != nil {
			s.events <- event{kind: eventTaskFailed, ref: ref, err: err}
			return
		}
		s.events <- event{kind: eventTaskDone, ref: ref, count: count}
	}()
}

// handleDidClose drops the document from the session mapping.
func (s *Session) handleDidClose(msg *rpc.Message) {
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("invalid didClose params", "error", err)
		return
	}
	delete(s.documents, params.TextDocument.URI)
}

// handleCodeAction fans the request out to the action provider per
// check-bearing diagnostic and replies with the union.
func (s *Session) handleCodeAction(msg *rpc.Message) {
	var params protocol.CodeActionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyError(msg, rpc.CodeInvalidParams, "invalid codeAction params")
		return
	}

	s.reply(msg, s.codeActions(params))
}

// handleShutdown records the graceful-shutdown request. The process
// keeps running until the exit notification arrives.
func (s *Session) handleShutdown(msg *rpc.Message) {
	s.phase = PhaseShuttingDown
	s.exitCode = 0
	s.reply(msg, nil)
}

// handleEvent processes completion messages from tasks and the
// context crash monitor. Every tracked task emits exactly one end
// progress notification here, however it terminated.
func (s *Session) handleEvent(ev event) {
	if ev.kind == eventContextExit {
		s.logger.Error("execution context terminated", "error", ev.err)
		s.rc = nil
		return
	}

	t, ok := s.tasks[ev.ref]
	if !ok {
		return
	}
	delete(s.tasks, ev.ref)

	switch ev.kind {
	case eventTaskDone:
		s.progressEnd(t.token, fmt.Sprintf("Found %d issues", ev.count))
		if t.kind == TaskBoot {
			s.adoptContext(ev.rc)
			s.phase = PhaseReady
			s.logger.Info("session ready")
		}
	case eventTaskFailed:
		s.progressEnd(t.token, "")
		if t.kind == TaskBoot {
			s.logger.Error("boot task failed", "error", ev.err)
			if ev.rc != nil {
				// Boot produced a context but never reached ready;
				// don't leak the process.
				ev.rc.Kill()
			}
		} else {
			s.logger.Debug("refresh task ended abnormally", "task", t.kind.String(), "error", ev.err)
		}
	}
}

// adoptContext stores the booted context handle and starts its crash
// monitor. The handle is read-only outside the actor; only the actor
// swaps it back to nil.
func (s *Session) adoptContext(rc runtime.Context) {
	s.rc = rc
	go func() {
		err := <-rc.Done()
		s.events <- event{kind: eventContextExit, err: err}
	}()
}

// cancelTasks forcibly terminates every tracked task. Their abnormal
// completion events still arrive and pair each begin with an end.
func (s *Session) cancelTasks() {
	for _, t := range s.tasks {
		t.cancel()
	}
}

// progressBegin emits the begin half of a progress pair.
func (s *Session) progressBegin(token, title string) {
	s.notify("$/progress", protocol.ProgressParams{
		Token: token,
		Value: protocol.ProgressValue{Kind: protocol.ProgressKindBegin, Title: title},
	})
}

// progressEnd emits the end half of a progress pair. message may be
// empty for abnormally terminated tasks.
func (s *Session) progressEnd(token, message string) {
	s.notify("$/progress", protocol.ProgressParams{
		Token: token,
		Value: protocol.ProgressValue{Kind: protocol.ProgressKindEnd, Message: message},
	})
}

func (s *Session) reply(msg *rpc.Message, result any) {
	if err := s.conn.Reply(msg.ID, result); err != nil {
		s.logger.Error("reply failed", "method", msg.Method, "error", err)
	}
}

func (s *Session) replyError(msg *rpc.Message, code int, message string) {
	if err := s.conn.ReplyError(msg.ID, code, message); err != nil {
		s.logger.Error("error reply failed", "method", msg.Method, "error", err)
	}
}

func (s *Session) notify(method string, params any) {
	if err := s.conn.Notify(method, params); err != nil {
		s.logger.Error("notify failed", "method", method, "error", err)
	}
}
