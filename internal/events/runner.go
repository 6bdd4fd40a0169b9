package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SilentMarker at the start of a response suppresses the stdout echo for
// that trigger. The response is still written to the audit log.
const SilentMarker = "[silent]"

// Trigger is one unit of work handed to a session runner: the descriptor
// plus the event filename it came from.
type Trigger struct {
	File string
	Desc Descriptor
}

// message composes the text sent to the agent: a tag identifying the
// originating event, then the trigger text.
func (t Trigger) message() string {
	var b strings.Builder
	b.WriteString("[event:")
	b.WriteString(t.File)
	b.WriteString(" kind=")
	b.WriteString(string(t.Desc.Kind))
	if t.Desc.Kind == KindPeriodic {
		b.WriteString(" schedule=")
		b.WriteString(strconv.Quote(t.Desc.Schedule))
	}
	b.WriteString("] ")
	b.WriteString(t.Desc.Text)
	return b.String()
}

// execEnv is the execution environment shared by all session runners in one
// pool: prompt building, memory loading, the audit sink, and output policy.
type execEnv struct {
	buildPrompt PromptBuilder
	loadMemory  MemoryLoader
	audit       *AuditLog
	echo        bool
	logUsage    bool
	maxPending  int
}

// SessionRunner serializes all trigger work for one session against one
// lazily-connected agent. Triggers run strictly in arrival order; the agent
// backend never sees two concurrent Chat calls from the same session.
type SessionRunner struct {
	session string
	agent   Agent
	env     *execEnv

	ctx    context.Context
	cancel context.CancelFunc

	queue  chan Trigger
	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	pending   int
	lastUsed  time.Time
	connected bool
	closed    bool
}

func newSessionRunner(session string, agent Agent, env *execEnv) *SessionRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SessionRunner{
		session:  session,
		agent:    agent,
		env:      env,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan Trigger, env.maxPending),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		lastUsed: time.Now(),
	}
	go r.loop()
	return r
}

// Enqueue appends t to the runner's execution queue. Returns false without
// enqueueing when the pending count is at the per-runner ceiling, signalling
// backpressure to the caller.
func (r *SessionRunner) Enqueue(t Trigger) bool {
	r.mu.Lock()
	if r.closed || r.pending >= r.env.maxPending {
		r.mu.Unlock()
		return false
	}
	r.pending++
	r.lastUsed = time.Now()
	r.mu.Unlock()

	// pending counts queued plus in-flight items, so the channel (sized to
	// the ceiling) always has room here.
	r.queue <- t
	return true
}

// Idle reports whether the runner has no queued or in-flight work.
func (r *SessionRunner) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending == 0
}

// LastUsed returns the time of the runner's most recent enqueue or
// completion.
func (r *SessionRunner) LastUsed() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}

func (r *SessionRunner) touch() {
	r.mu.Lock()
	r.lastUsed = time.Now()
	r.mu.Unlock()
}

func (r *SessionRunner) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		case t := <-r.queue:
			r.process(t)
			r.mu.Lock()
			r.pending--
			r.lastUsed = time.Now()
			r.mu.Unlock()
		}
	}
}

// process executes one trigger. Errors are logged per-session and never
// affect other queued items; the loop continues regardless.
func (r *SessionRunner) process(t Trigger) {
	if err := r.ensureConnected(); err != nil {
		slog.Error("events: agent connect failed", "session", r.session, "file", t.File, "error", err)
		return
	}

	memory := r.env.loadMemory(r.session)
	r.agent.SetSystemPrompt(r.env.buildPrompt(r.session, memory))

	var usage *UsageSummary
	cb := ChatCallbacks{}
	if r.env.logUsage {
		cb.OnUsage = func(u UsageSummary) { usage = &u }
	}

	resp, err := r.agent.Chat(r.ctx, t.message(), cb)
	if err != nil {
		slog.Error("events: chat failed", "session", r.session, "file", t.File, "error", err)
		return
	}

	resp = strings.TrimSpace(resp)
	silent := strings.HasPrefix(resp, SilentMarker)

	r.env.audit.Append(AuditRecord{
		Time:       time.Now().UTC(),
		Session:    r.session,
		File:       t.File,
		Descriptor: t.Desc,
		Response:   resp,
		Silent:     silent,
		Usage:      usage,
	})

	if r.env.echo && !silent {
		fmt.Println(resp)
	}
}

// ensureConnected connects the agent on first use; no-ops thereafter. Only
// the worker goroutine calls it, so connected needs no lock of its own.
func (r *SessionRunner) ensureConnected() error {
	if r.connected {
		return nil
	}
	if err := r.agent.Connect(r.ctx); err != nil {
		return err
	}
	r.connected = true
	return nil
}

// close stops the worker and disconnects the agent unconditionally, even
// with pending work. An in-flight Chat sees its context cancelled.
func (r *SessionRunner) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	close(r.stopCh)
	<-r.doneCh

	if err := r.agent.Disconnect(); err != nil {
		slog.Warn("events: agent disconnect failed", "session", r.session, "error", err)
	}
}
