package events

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"merchbot/internal/session"
)

const parseAttempts = 3

// Config wires a Runner to its event directory, audit log, and the agent
// backend capabilities it consumes.
type Config struct {
	Dir       string // watched event directory
	AuditPath string // append-only result log

	Factory     AgentFactory
	BuildPrompt PromptBuilder
	LoadMemory  MemoryLoader
	Cron        CronScheduler // nil selects the robfig/cron implementation

	Echo     bool // echo non-silent responses to stdout
	LogUsage bool // include token usage in audit records

	Debounce        time.Duration // filesystem event coalescing window
	RestartDelay    time.Duration // delay before restarting a failed watcher
	PollInterval    time.Duration // one-shot due-time poll resolution
	RetryDelay      time.Duration // delay before retrying a saturated dispatch
	ParseBackoff    time.Duration // base backoff between read/parse attempts
	MaxPending      int           // per-runner pending-item ceiling
	PoolSize        int           // max live session runners
	IdleTTL         time.Duration // idle runner disconnect threshold
	CleanupInterval time.Duration // pool sweep period
}

func (c *Config) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ParseBackoff <= 0 {
		c.ParseBackoff = 100 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 32
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 16
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 15 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

// Runner is the events trigger engine: it watches the event directory,
// classifies descriptors into immediate, one-shot, and periodic triggers,
// and dispatches fires onto per-session agent runners through the pool.
type Runner struct {
	cfg     Config
	cron    CronScheduler
	pool    *Pool
	watcher *DirWatcher

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	known     map[string]struct{}   // filenames with a live schedule
	oneShots  map[string]Trigger    // filename -> pending one-shot
	crons     map[string]CronHandle // filename -> live periodic handle
	retries   map[string]*time.Timer
	pollStop  chan struct{}
	pollDone  chan struct{}
}

// NewRunner builds a Runner from cfg, filling in defaults for unset tuning
// knobs. Start must be called before any file is processed.
func NewRunner(cfg Config) *Runner {
	cfg.applyDefaults()

	cron := cfg.Cron
	if cron == nil {
		cron = NewCronScheduler()
	}

	env := &execEnv{
		buildPrompt: cfg.BuildPrompt,
		loadMemory:  cfg.LoadMemory,
		audit:       NewAuditLog(cfg.AuditPath),
		echo:        cfg.Echo,
		logUsage:    cfg.LogUsage,
		maxPending:  cfg.MaxPending,
	}

	r := &Runner{
		cfg:      cfg,
		cron:     cron,
		pool:     newPool(cfg.Factory, env, cfg.PoolSize, cfg.IdleTTL, cfg.CleanupInterval),
		known:    make(map[string]struct{}),
		oneShots: make(map[string]Trigger),
		crons:    make(map[string]CronHandle),
		retries:  make(map[string]*time.Timer),
	}
	r.watcher = NewDirWatcher(cfg.Dir, cfg.Debounce, cfg.RestartDelay, r.handleChange, r.handleWatchError)
	return r
}

// Start begins watching the event directory. Idempotent.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.pool.start()
	if err := r.watcher.Start(); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.pool.forceClose()
		return fmt.Errorf("failed to start event watcher: %w", err)
	}
	return nil
}

// Stop quiesces everything: the watcher, all debounce and retry timers, the
// one-shot poller, every cron handle, and every session runner. Safe to
// call if Start was never called; blocks until fully stopped.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	for name, h := range r.crons {
		h.Stop()
		delete(r.crons, name)
	}
	for name, t := range r.retries {
		t.Stop()
		delete(r.retries, name)
	}
	r.oneShots = make(map[string]Trigger)
	r.known = make(map[string]struct{})
	pollStop, pollDone := r.pollStop, r.pollDone
	r.pollStop, r.pollDone = nil, nil
	r.mu.Unlock()

	r.watcher.Stop()
	if pollStop != nil {
		close(pollStop)
		<-pollDone
	}
	r.pool.forceClose()
}

func (r *Runner) handleWatchError(err error) {
	slog.Error("events: watcher failed, will restart", "dir", r.cfg.Dir, "delay", r.cfg.RestartDelay, "error", err)
}

// handleChange is the debounced entry point for every filesystem event. It
// re-stats the file itself: a missing file is a deletion, anything else is
// treated as new or changed content.
func (r *Runner) handleChange(name string) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	_, tracked := r.known[name]
	r.mu.Unlock()

	path := filepath.Join(r.cfg.Dir, name)
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if tracked {
				r.cancelSchedule(name)
				slog.Info("events: trigger cancelled, file removed", "file", name)
			}
			return
		}
		slog.Warn("events: failed to stat event file", "file", name, "error", err)
		return
	}

	// A changed file must drop its old schedule before the new content takes
	// effect, or a stale schedule could double-fire alongside the new one.
	if tracked {
		r.cancelSchedule(name)
	}

	if !fi.Mode().IsRegular() {
		r.discard(name, fmt.Errorf("not a regular file (mode %s)", fi.Mode()))
		return
	}
	if fi.Size() > MaxEventFileSize {
		r.discard(name, fmt.Errorf("file is %d bytes, max %d", fi.Size(), MaxEventFileSize))
		return
	}

	desc, err := r.readDescriptor(name, path)
	if err != nil {
		r.discard(name, err)
		return
	}

	r.schedule(name, desc, fi.ModTime())
}

// readDescriptor reads and parses the file, retrying with exponential
// backoff to ride out files caught mid-write by an external writer.
func (r *Runner) readDescriptor(name, path string) (Descriptor, error) {
	backoff := r.cfg.ParseBackoff
	var lastErr error
	for attempt := 0; attempt < parseAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		desc, err := ParseDescriptor(name, data)
		if err != nil {
			lastErr = err
			continue
		}
		return desc, nil
	}
	return Descriptor{}, lastErr
}

// schedule classifies a freshly parsed descriptor.
func (r *Runner) schedule(name string, desc Descriptor, mtime time.Time) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	startedAt := r.startedAt
	r.mu.Unlock()

	t := Trigger{File: name, Desc: desc}

	switch desc.Kind {
	case KindImmediate:
		// A pre-start mtime means the signal is left over from before a
		// restart and was already seen; firing it again would duplicate work.
		if mtime.Before(startedAt) {
			slog.Info("events: discarding stale immediate trigger", "file", name)
			r.removeFile(name)
			return
		}
		r.dispatch(t)
		r.removeFile(name)

	case KindOneShot:
		if !desc.At.After(time.Now()) {
			slog.Info("events: one-shot trigger missed its window", "file", name, "at", desc.At)
			r.removeFile(name)
			return
		}
		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			return
		}
		r.known[name] = struct{}{}
		r.oneShots[name] = t
		r.ensurePollerLocked()
		r.mu.Unlock()
		slog.Info("events: one-shot trigger scheduled", "file", name, "at", desc.At)

	case KindPeriodic:
		handle, err := r.cron.Schedule(desc.Schedule, desc.Timezone, func() {
			r.dispatch(t)
		})
		if err != nil {
			r.discard(name, err)
			return
		}
		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			handle.Stop()
			return
		}
		r.known[name] = struct{}{}
		r.crons[name] = handle
		r.mu.Unlock()
		slog.Info("events: periodic trigger registered", "file", name, "schedule", desc.Schedule, "timezone", desc.Timezone)
	}
}

// ensurePollerLocked starts the shared one-shot poller if it is not already
// running. The poller is lazy: it exists only while the due-time table is
// non-empty. Caller holds r.mu.
func (r *Runner) ensurePollerLocked() {
	if r.pollStop != nil {
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	r.pollStop = stopCh
	r.pollDone = doneCh
	go r.poll(stopCh, doneCh)
}

func (r *Runner) poll(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			if r.fireDue(now) {
				return
			}
		}
	}
}

// fireDue fires all one-shot entries at or past their due time. Returns
// true when the table drained and this poller should exit.
func (r *Runner) fireDue(now time.Time) bool {
	r.mu.Lock()
	var due []Trigger
	for name, t := range r.oneShots {
		if !t.Desc.At.After(now) {
			due = append(due, t)
			delete(r.oneShots, name)
			delete(r.known, name)
		}
	}
	drained := len(r.oneShots) == 0
	if drained {
		r.pollStop = nil
		r.pollDone = nil
	}
	r.mu.Unlock()

	for _, t := range due {
		r.dispatch(t)
		r.removeFile(t.File)
	}
	return drained
}

// dispatch routes one fired trigger to its session runner. Saturation, of
// the pool or of the runner's queue, schedules a single delayed retry per
// filename instead of dropping the trigger.
func (r *Runner) dispatch(t Trigger) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	sess := session.SanitizeID(t.Desc.Session)
	runner := r.pool.GetOrCreate(sess)
	if runner == nil || !runner.Enqueue(t) {
		r.scheduleRetry(t)
		return
	}
	slog.Debug("events: trigger dispatched", "file", t.File, "session", sess, "kind", t.Desc.Kind)
}

func (r *Runner) scheduleRetry(t Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if _, pending := r.retries[t.File]; pending {
		return
	}
	slog.Warn("events: dispatch saturated, retrying", "file", t.File, "delay", r.cfg.RetryDelay)
	r.retries[t.File] = time.AfterFunc(r.cfg.RetryDelay, func() {
		r.mu.Lock()
		delete(r.retries, t.File)
		running := r.running
		r.mu.Unlock()
		if running {
			r.dispatch(t)
		}
	})
}

// cancelSchedule drops every live schedule and pending retry for name.
func (r *Runner) cancelSchedule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.oneShots, name)
	if h, ok := r.crons[name]; ok {
		h.Stop()
		delete(r.crons, name)
	}
	if t, ok := r.retries[name]; ok {
		t.Stop()
		delete(r.retries, name)
	}
	delete(r.known, name)
}

// discard handles a permanently unusable event file: log and delete.
func (r *Runner) discard(name string, err error) {
	slog.Error("events: rejecting event file", "file", name, "error", err)
	r.removeFile(name)
}

// removeFile deletes a consumed or rejected event file and forgets it.
func (r *Runner) removeFile(name string) {
	r.mu.Lock()
	delete(r.known, name)
	r.mu.Unlock()

	if err := os.Remove(filepath.Join(r.cfg.Dir, name)); err != nil && !os.IsNotExist(err) {
		slog.Warn("events: failed to remove event file", "file", name, "error", err)
	}
}
