package session_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/open-cbt/cbt-client/internal/cache"
	"github.com/open-cbt/cbt-client/internal/remote"
	"github.com/open-cbt/cbt-client/internal/session"
)

func newEngine(t *testing.T, fc *fakeClient, fs *fakeScheduler) (*session.Engine, *cache.Snapshots) {
	t.Helper()
	snaps := cache.NewSnapshots(cache.NewMemoryKV(), 0, nil, nil)
	e := session.NewEngine(session.EngineConfig{
		Client:     fc,
		Cache:      snaps,
		Sched:      fs,
		SubmitRate: 1000,
	})
	e.Bind("test-1", "attempt-1")
	t.Cleanup(e.Close)
	return e, snaps
}

func TestEngine_PushAnswerSyncs(t *testing.T) {
	fc := newFakeClient()
	e, snaps := newEngine(t, fc, &fakeScheduler{})

	e.PushAnswer("q1", "b", "B text q1")

	waitFor(t, "answer synced", func() bool {
		return e.Answers()["q1"].State == session.AnswerSynced
	})
	if got, _ := fc.submittedAnswer("q1"); got != "B text q1" {
		t.Fatalf("expected answer text pushed, got %q", got)
	}
	if e.Status() != session.SyncSuccess {
		t.Fatalf("expected success status, got %s", e.Status())
	}
	// Write-through happened regardless of the remote outcome.
	if m, ok := snaps.Load(context.Background(), "test-1"); !ok || m["q1"] != "b" {
		t.Fatalf("expected snapshot to hold q1=b, got %v (ok=%v)", m, ok)
	}
}

func TestEngine_OfflinePushThenFlushRecovers(t *testing.T) {
	fc := newFakeClient()
	fs := &fakeScheduler{}
	e, snaps := newEngine(t, fc, fs)
	fc.setSubmitErr(netErr())

	// Student picks option B for question 3 while offline.
	e.PushAnswer("q3", "b", "B text q3")

	waitFor(t, "push marked failed", func() bool {
		return e.Answers()["q3"].State == session.AnswerFailed
	})
	if e.Status() != session.SyncError {
		t.Fatalf("expected error status after offline push, got %s", e.Status())
	}
	if m, ok := snaps.Load(context.Background(), "test-1"); !ok || m["q3"] != "b" {
		t.Fatalf("expected local fallback to hold q3=b, got %v (ok=%v)", m, ok)
	}

	// Connectivity returns; the next flush retries and clears the fallback.
	fc.setSubmitErr(nil)
	e.Flush()

	if e.Answers()["q3"].State != session.AnswerSynced {
		t.Fatalf("expected q3 synced after flush")
	}
	if e.Status() != session.SyncSuccess {
		t.Fatalf("expected success status after flush, got %s", e.Status())
	}
	if got, _ := fc.submittedAnswer("q3"); got != "B text q3" {
		t.Fatalf("expected remote to record answer text, got %q", got)
	}
	if _, ok := snaps.Load(context.Background(), "test-1"); ok {
		t.Fatalf("expected snapshot cleared after full sync")
	}
}

func TestEngine_LastWriteWins(t *testing.T) {
	fc := newFakeClient()
	e, _ := newEngine(t, fc, &fakeScheduler{})

	// The first push stalls in flight; the second resolves immediately.
	release := fc.gate("A text q1")
	e.PushAnswer("q1", "a", "A text q1")
	e.PushAnswer("q1", "b", "B text q1")

	waitFor(t, "newer push synced", func() bool {
		return e.Answers()["q1"].State == session.AnswerSynced
	})

	// Now the stale push resolves; it must not overwrite the newer value.
	release()
	waitFor(t, "stale push drained", func() bool { return fc.calls() == 2 })

	ans := e.Answers()["q1"]
	if ans.OptionID != "b" || ans.Text != "B text q1" {
		t.Fatalf("expected newer selection to win, got %+v", ans)
	}
	if ans.State != session.AnswerSynced {
		t.Fatalf("expected synced state, got %s", ans.State)
	}
	if m := e.AnswerMap(); m["q1"] != "b" {
		t.Fatalf("expected answer map at b, got %q", m["q1"])
	}
}

func TestEngine_FlushSingleFlight(t *testing.T) {
	fc := newFakeClient()
	e, _ := newEngine(t, fc, &fakeScheduler{})
	e.Seed("q1", "a", "A text q1", session.AnswerPending)

	release := fc.gate("A text q1")
	done := make(chan struct{})
	go func() {
		e.Flush()
		close(done)
	}()

	waitFor(t, "first flush in flight", func() bool { return fc.calls() == 1 })

	// A second flush while the first is still running is a no-op.
	e.Flush()
	if got := fc.calls(); got != 1 {
		t.Fatalf("expected no duplicate submit during overlapping flush, got %d calls", got)
	}

	release()
	<-done
	if got := fc.calls(); got != 1 {
		t.Fatalf("expected exactly one submit for one pending answer, got %d", got)
	}
}

func TestEngine_FlushFailureKeepsCacheAndResets(t *testing.T) {
	fc := newFakeClient()
	fs := &fakeScheduler{}
	e, snaps := newEngine(t, fc, fs)

	e.PushAnswer("q1", "a", "A text q1")
	waitFor(t, "push synced", func() bool {
		return e.Answers()["q1"].State == session.AnswerSynced
	})

	fc.setSubmitErr(netErr())
	e.PushAnswer("q2", "c", "C text q2")
	waitFor(t, "push failed", func() bool {
		return e.Answers()["q2"].State == session.AnswerFailed
	})

	e.Flush()
	if e.Status() != session.SyncError {
		t.Fatalf("expected error status after failed flush, got %s", e.Status())
	}
	// Fallback of record stays put on partial failure.
	if m, ok := snaps.Load(context.Background(), "test-1"); !ok || m["q2"] != "c" {
		t.Fatalf("expected snapshot retained, got %v (ok=%v)", m, ok)
	}

	// The indicator auto-resets; the failed answer stays queued.
	reset := fs.lastAfter()
	if reset == nil {
		t.Fatalf("expected a scheduled status reset")
	}
	reset.fire()
	if e.Status() != session.SyncIdle {
		t.Fatalf("expected idle after reset window, got %s", e.Status())
	}
	if e.Answers()["q2"].State != session.AnswerFailed {
		t.Fatalf("expected q2 still queued as failed")
	}
}

func TestEngine_FlushWithAllSyncedClearsCache(t *testing.T) {
	fc := newFakeClient()
	e, snaps := newEngine(t, fc, &fakeScheduler{})

	e.PushAnswer("q1", "a", "A text q1")
	waitFor(t, "push synced", func() bool {
		return e.Answers()["q1"].State == session.AnswerSynced
	})

	e.Flush()
	if _, ok := snaps.Load(context.Background(), "test-1"); ok {
		t.Fatalf("expected snapshot cleared once remote is authoritative")
	}
	if e.Status() != session.SyncSuccess {
		t.Fatalf("expected success status, got %s", e.Status())
	}
}

func TestEngine_CloseDiscardsInFlightResult(t *testing.T) {
	fc := newFakeClient()
	snaps := cache.NewSnapshots(cache.NewMemoryKV(), 0, nil, nil)
	e := session.NewEngine(session.EngineConfig{
		Client: fc, Cache: snaps, Sched: &fakeScheduler{}, SubmitRate: 1000,
	})
	e.Bind("test-1", "attempt-1")

	release := fc.gate("A text q1")
	e.PushAnswer("q1", "a", "A text q1")

	e.Close()
	release()
	waitFor(t, "in-flight drained", func() bool { return fc.calls() == 1 })

	// The result resolved after teardown; no state mutation is allowed.
	if st := e.Answers()["q1"].State; st != session.AnswerPending {
		t.Fatalf("expected state untouched after close, got %s", st)
	}
}

func TestEngine_AuthFailureHookFires(t *testing.T) {
	fc := newFakeClient()
	snaps := cache.NewSnapshots(cache.NewMemoryKV(), 0, nil, nil)
	var authCalls atomic.Int32
	e := session.NewEngine(session.EngineConfig{
		Client: fc, Cache: snaps, Sched: &fakeScheduler{}, SubmitRate: 1000,
		OnAuthFailure: func() { authCalls.Add(1) },
	})
	e.Bind("test-1", "attempt-1")
	t.Cleanup(e.Close)

	fc.setSubmitErr(&remote.Error{Kind: remote.KindUnauthorized, Status: 401, Message: "token expired"})
	e.PushAnswer("q1", "a", "A text q1")
	waitFor(t, "auth hook fired", func() bool { return authCalls.Load() == 1 })
}
