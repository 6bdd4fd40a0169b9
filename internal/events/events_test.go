package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeAgent records calls and lets tests control chat behavior.
type fakeAgent struct {
	mu          sync.Mutex
	session     string
	connects    int
	disconnects int
	prompts     []string
	chats       []string
	inFlight    int
	maxInFlight int

	respond func(msg string) (string, error)
	block   chan struct{} // when set, Chat waits on it (or ctx)
}

func (a *fakeAgent) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	return nil
}

func (a *fakeAgent) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	return nil
}

func (a *fakeAgent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
}

func (a *fakeAgent) Chat(ctx context.Context, message string, cb ChatCallbacks) (string, error) {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	block := a.block
	respond := a.respond
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			a.mu.Lock()
			a.inFlight--
			a.mu.Unlock()
			return "", ctx.Err()
		}
	}

	resp := "ok"
	var err error
	if respond != nil {
		resp, err = respond(message)
	}

	a.mu.Lock()
	a.inFlight--
	if err == nil {
		a.chats = append(a.chats, message)
	}
	a.mu.Unlock()

	if err != nil {
		return "", err
	}
	if cb.OnUsage != nil {
		cb.OnUsage(UsageSummary{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7})
	}
	return resp, nil
}

func (a *fakeAgent) chatCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chats)
}

// agentRecorder hands out fakeAgents and remembers them per session.
type agentRecorder struct {
	mu     sync.Mutex
	agents map[string]*fakeAgent
	block  chan struct{} // applied to every created agent when set
	err    error
}

func newAgentRecorder() *agentRecorder {
	return &agentRecorder{agents: make(map[string]*fakeAgent)}
}

func (r *agentRecorder) factory(sessionID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	a := &fakeAgent{session: sessionID, block: r.block}
	r.agents[sessionID] = a
	return a, nil
}

func (r *agentRecorder) agent(sessionID string) *fakeAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[sessionID]
}

func (r *agentRecorder) totalChats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.agents {
		n += a.chatCount()
	}
	return n
}

// fakeCron records registrations and fires them manually.
type fakeCron struct {
	mu   sync.Mutex
	jobs []*fakeCronJob
}

type fakeCronJob struct {
	expr     string
	timezone string
	fn       func()
	stopped  bool
	cron     *fakeCron
}

func (j *fakeCronJob) Stop() {
	j.cron.mu.Lock()
	defer j.cron.mu.Unlock()
	j.stopped = true
}

func (c *fakeCron) Schedule(expr, timezone string, fn func()) (CronHandle, error) {
	if expr == "invalid" {
		return nil, errors.New("invalid cron expression")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	j := &fakeCronJob{expr: expr, timezone: timezone, fn: fn, cron: c}
	c.jobs = append(c.jobs, j)
	return j, nil
}

func (c *fakeCron) fireAll() {
	c.mu.Lock()
	var fns []func()
	for _, j := range c.jobs {
		if !j.stopped {
			fns = append(fns, j.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeCron) liveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, j := range c.jobs {
		if !j.stopped {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testEnv builds an execEnv with no-op prompt plumbing.
func testEnv(t *testing.T, maxPending int) *execEnv {
	t.Helper()
	return &execEnv{
		buildPrompt: func(sessionID, memory string) string { return "prompt for " + sessionID },
		loadMemory:  func(sessionID string) string { return "" },
		audit:       NewAuditLog(t.TempDir() + "/audit.log"),
		maxPending:  maxPending,
	}
}
