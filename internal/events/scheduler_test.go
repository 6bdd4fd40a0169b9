package events

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type schedulerFixture struct {
	dir    string
	rec    *agentRecorder
	cron   *fakeCron
	runner *Runner
}

func newSchedulerFixture(t *testing.T, poolSize int) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		dir:  t.TempDir(),
		rec:  newAgentRecorder(),
		cron: &fakeCron{},
	}
	f.runner = NewRunner(Config{
		Dir:         f.dir,
		AuditPath:   filepath.Join(t.TempDir(), "events.log"),
		Factory:     f.rec.factory,
		BuildPrompt: func(sessionID, memory string) string { return "prompt" },
		LoadMemory:  func(sessionID string) string { return "" },
		Cron:        f.cron,

		Debounce:        10 * time.Millisecond,
		RestartDelay:    100 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
		RetryDelay:      40 * time.Millisecond,
		ParseBackoff:    5 * time.Millisecond,
		MaxPending:      8,
		PoolSize:        poolSize,
		IdleTTL:         time.Hour,
		CleanupInterval: time.Hour,
	})
	return f
}

func (f *schedulerFixture) start(t *testing.T) {
	t.Helper()
	if err := f.runner.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.runner.Stop)
}

// writeEvent places an event file atomically with a controlled mtime. The
// temp name carries no .json suffix, so the watcher only ever sees the
// final rename.
func (f *schedulerFixture) writeEvent(t *testing.T, name, content string, mtime time.Time) {
	t.Helper()
	tmp := filepath.Join(f.dir, name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmp, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, name)); err != nil {
		t.Fatal(err)
	}
}

func (f *schedulerFixture) fileExists(name string) bool {
	_, err := os.Stat(filepath.Join(f.dir, name))
	return err == nil
}

func TestRunnerImmediateTrigger(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "now.json",
		`{"type": "immediate", "text": "check low stock"}`,
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "immediate trigger to fire", func() bool {
		return f.rec.totalChats() == 1
	})
	waitFor(t, time.Second, "consumed file to be removed", func() bool {
		return !f.fileExists("now.json")
	})

	agent := f.rec.agent("default")
	if agent == nil {
		t.Fatal("no runner was created for the default session")
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if want := "[event:now.json kind=immediate] check low stock"; agent.chats[0] != want {
		t.Errorf("chat = %q, want %q", agent.chats[0], want)
	}
}

func TestRunnerImmediateTriggerRoutesSession(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "ops.json",
		`{"type": "immediate", "text": "hello", "session": "ops team"}`,
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "trigger to fire", func() bool {
		return f.rec.totalChats() == 1
	})
	if f.rec.agent("ops_team") == nil {
		t.Error("session id was not sanitized to ops_team")
	}
}

func TestRunnerStaleImmediateDiscarded(t *testing.T) {
	f := newSchedulerFixture(t, 4)

	// Written before Start: a leftover signal from a previous run.
	f.writeEvent(t, "stale.json",
		`{"type": "immediate", "text": "old news"}`,
		time.Now().Add(-time.Hour))
	f.start(t)

	waitFor(t, 2*time.Second, "stale file to be removed", func() bool {
		return !f.fileExists("stale.json")
	})
	if f.rec.totalChats() != 0 {
		t.Error("stale immediate trigger fired")
	}
}

func TestRunnerOneShotFiresWhenDue(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	at := time.Now().Add(150 * time.Millisecond).Format(time.RFC3339Nano)
	f.writeEvent(t, "later.json",
		fmt.Sprintf(`{"type": "one-shot", "text": "send the report", "at": %q}`, at),
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "one-shot trigger to fire", func() bool {
		return f.rec.totalChats() == 1
	})
	waitFor(t, time.Second, "consumed file to be removed", func() bool {
		return !f.fileExists("later.json")
	})
}

func TestRunnerOneShotInPastDiscarded(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	at := time.Now().Add(-time.Minute).Format(time.RFC3339)
	f.writeEvent(t, "missed.json",
		fmt.Sprintf(`{"type": "one-shot", "text": "too late", "at": %q}`, at),
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "missed file to be removed", func() bool {
		return !f.fileExists("missed.json")
	})
	if f.rec.totalChats() != 0 {
		t.Error("past one-shot trigger fired")
	}
}

func TestRunnerOneShotCancelledByDelete(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	at := time.Now().Add(time.Hour).Format(time.RFC3339)
	f.writeEvent(t, "future.json",
		fmt.Sprintf(`{"type": "one-shot", "text": "distant", "at": %q}`, at),
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "one-shot to be tracked", func() bool {
		f.runner.mu.Lock()
		defer f.runner.mu.Unlock()
		return len(f.runner.oneShots) == 1
	})

	if err := os.Remove(filepath.Join(f.dir, "future.json")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "schedule to be cancelled", func() bool {
		f.runner.mu.Lock()
		defer f.runner.mu.Unlock()
		return len(f.runner.oneShots) == 0
	})
	if f.rec.totalChats() != 0 {
		t.Error("cancelled one-shot trigger fired")
	}
}

func TestRunnerPeriodicTrigger(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "daily.json",
		`{"type": "periodic", "text": "morning digest", "schedule": "0 9 * * *", "timezone": "America/New_York"}`,
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "cron registration", func() bool {
		return f.cron.liveJobs() == 1
	})

	f.cron.fireAll()
	waitFor(t, 2*time.Second, "periodic trigger to fire", func() bool {
		return f.rec.totalChats() == 1
	})
	f.cron.fireAll()
	waitFor(t, 2*time.Second, "second fire", func() bool {
		return f.rec.totalChats() == 2
	})

	// Periodic files persist across fires.
	if !f.fileExists("daily.json") {
		t.Error("periodic event file was removed")
	}

	f.cron.mu.Lock()
	job := f.cron.jobs[0]
	if job.expr != "0 9 * * *" || job.timezone != "America/New_York" {
		t.Errorf("registered job = %q in %q", job.expr, job.timezone)
	}
	f.cron.mu.Unlock()
}

func TestRunnerPeriodicCancelledByDelete(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "daily.json",
		`{"type": "periodic", "text": "digest", "schedule": "0 9 * * *", "timezone": "UTC"}`,
		time.Now().Add(time.Minute))
	waitFor(t, 2*time.Second, "cron registration", func() bool {
		return f.cron.liveJobs() == 1
	})

	if err := os.Remove(filepath.Join(f.dir, "daily.json")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "cron handle to be stopped", func() bool {
		return f.cron.liveJobs() == 0
	})
}

func TestRunnerModifiedFileReplacesSchedule(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "job.json",
		`{"type": "periodic", "text": "v1", "schedule": "0 9 * * *", "timezone": "UTC"}`,
		time.Now().Add(time.Minute))
	waitFor(t, 2*time.Second, "first registration", func() bool {
		return f.cron.liveJobs() == 1
	})

	f.writeEvent(t, "job.json",
		`{"type": "periodic", "text": "v2", "schedule": "0 18 * * *", "timezone": "UTC"}`,
		time.Now().Add(2*time.Minute))
	waitFor(t, 2*time.Second, "old schedule replaced", func() bool {
		f.cron.mu.Lock()
		defer f.cron.mu.Unlock()
		if len(f.cron.jobs) != 2 {
			return false
		}
		return f.cron.jobs[0].stopped && !f.cron.jobs[1].stopped && f.cron.jobs[1].expr == "0 18 * * *"
	})
}

func TestRunnerRejectsInvalidCronExpression(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "bad.json",
		`{"type": "periodic", "text": "x", "schedule": "invalid", "timezone": "UTC"}`,
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "bad file to be removed", func() bool {
		return !f.fileExists("bad.json")
	})
	if f.cron.liveJobs() != 0 {
		t.Error("invalid expression produced a live job")
	}
}

func TestRunnerRejectsNonRegularFile(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	target := filepath.Join(t.TempDir(), "target.json")
	if err := os.WriteFile(target, []byte(`{"type": "immediate", "text": "via symlink"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(f.dir, "link.json")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "symlink to be removed", func() bool {
		return !f.fileExists("link.json")
	})
	if f.rec.totalChats() != 0 {
		t.Error("symlinked descriptor fired a trigger")
	}
	// The link target is untouched.
	if _, err := os.Stat(target); err != nil {
		t.Errorf("symlink target was removed: %v", err)
	}
}

func TestRunnerStopCancelsPendingOneShot(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	at := time.Now().Add(300 * time.Millisecond).Format(time.RFC3339Nano)
	f.writeEvent(t, "pending.json",
		fmt.Sprintf(`{"type": "one-shot", "text": "never fires", "at": %q}`, at),
		time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "one-shot to be tracked", func() bool {
		f.runner.mu.Lock()
		defer f.runner.mu.Unlock()
		return len(f.runner.oneShots) == 1
	})

	f.runner.Stop()

	f.runner.mu.Lock()
	pending, poller := len(f.runner.oneShots), f.runner.pollStop != nil
	f.runner.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d one-shots still tracked after Stop", pending)
	}
	if poller {
		t.Error("poller still armed after Stop")
	}

	// Past the due time nothing fires, and the file survives for the next
	// start to reschedule.
	time.Sleep(400 * time.Millisecond)
	if f.rec.totalChats() != 0 {
		t.Error("one-shot fired after Stop")
	}
	if !f.fileExists("pending.json") {
		t.Error("pending one-shot file was removed by Stop")
	}
}

func TestRunnerRejectsMalformedFile(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "garbage.json", `{"type": "immedi`, time.Now().Add(time.Minute))

	waitFor(t, 2*time.Second, "malformed file to be removed", func() bool {
		return !f.fileExists("garbage.json")
	})
	if f.rec.totalChats() != 0 {
		t.Error("malformed file fired a trigger")
	}
}

func TestRunnerRetriesOnSaturation(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.rec.block = make(chan struct{})
	f.start(t)

	f.writeEvent(t, "busy.json",
		`{"type": "immediate", "text": "hold the pool", "session": "busy"}`,
		time.Now().Add(time.Minute))
	waitFor(t, 2*time.Second, "pool to saturate", func() bool {
		a := f.rec.agent("busy")
		if a == nil {
			return false
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.inFlight == 1
	})

	// Pool of one, sole runner busy: this dispatch must park in retry.
	f.writeEvent(t, "waiting.json",
		`{"type": "immediate", "text": "second in line", "session": "other"}`,
		time.Now().Add(time.Minute))
	time.Sleep(100 * time.Millisecond)
	if f.rec.agent("other") != nil {
		t.Fatal("second session was admitted while the pool was saturated")
	}

	close(f.rec.block)
	waitFor(t, 3*time.Second, "retried trigger to fire", func() bool {
		a := f.rec.agent("other")
		return a != nil && a.chatCount() == 1
	})
}

func TestRunnerStopQuiesces(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)

	f.writeEvent(t, "daily.json",
		`{"type": "periodic", "text": "digest", "schedule": "0 9 * * *", "timezone": "UTC"}`,
		time.Now().Add(time.Minute))
	waitFor(t, 2*time.Second, "cron registration", func() bool {
		return f.cron.liveJobs() == 1
	})

	f.runner.Stop()
	if f.cron.liveJobs() != 0 {
		t.Error("cron handles survived Stop")
	}

	// New files after Stop are ignored.
	f.writeEvent(t, "late.json",
		`{"type": "immediate", "text": "too late"}`,
		time.Now().Add(time.Minute))
	time.Sleep(100 * time.Millisecond)
	if f.rec.totalChats() != 0 {
		t.Error("trigger fired after Stop")
	}

	// Stop again is a no-op.
	f.runner.Stop()
}

func TestRunnerStartIsIdempotent(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	f.start(t)
	if err := f.runner.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}
