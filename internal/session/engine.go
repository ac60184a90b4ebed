package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/open-cbt/cbt-client/internal/cache"
	"github.com/open-cbt/cbt-client/internal/remote"
	"github.com/open-cbt/cbt-client/pkg/monitoring"
)

const (
	// DefaultFlushInterval is how often non-synced answers are re-pushed
	// while an attempt is in progress.
	DefaultFlushInterval = 30 * time.Second
	// DefaultStatusResetWindow is how long the error indicator stays up
	// before falling back to idle. The failed answers stay queued either way.
	DefaultStatusResetWindow = 3 * time.Second
)

type EngineConfig struct {
	Client remote.Client
	Cache  *cache.Snapshots
	Sched  Scheduler
	Now    Clock
	Log    *zap.Logger

	// SubmitRate paces flush submissions so a reconnect after a long outage
	// does not storm the server. Zero means 10/s.
	SubmitRate  rate.Limit
	SubmitBurst int

	StatusResetWindow time.Duration

	// OnAuthFailure fires once per credential failure so the controller can
	// route the student to re-authentication. Never retried here.
	OnAuthFailure func()
}

// Engine owns the write path for one attempt: write-through to the local
// snapshot on every selection, asynchronous push to the server, and the
// periodic flush that retries whatever is not yet synced.
type Engine struct {
	client      remote.Client
	cache       *cache.Snapshots
	sched       Scheduler
	now         Clock
	log         *zap.Logger
	limiter     *rate.Limiter
	resetWindow time.Duration
	onAuth      func()

	ctx    context.Context
	cancel context.CancelFunc

	flushing atomic.Bool

	mu        sync.Mutex
	testID    string
	attemptID string
	answers   map[string]*Answer
	seq       uint64
	status    EngineStatus
	lastFlush time.Time
	resetTask Task
	closed    bool
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Sched == nil {
		cfg.Sched = NewScheduler()
	}
	if cfg.SubmitRate == 0 {
		cfg.SubmitRate = 10
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 5
	}
	if cfg.StatusResetWindow <= 0 {
		cfg.StatusResetWindow = DefaultStatusResetWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:      cfg.Client,
		cache:       cfg.Cache,
		sched:       cfg.Sched,
		now:         cfg.Now,
		log:         cfg.Log,
		limiter:     rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		resetWindow: cfg.StatusResetWindow,
		onAuth:      cfg.OnAuthFailure,
		ctx:         ctx,
		cancel:      cancel,
		answers:     map[string]*Answer{},
		status:      SyncIdle,
	}
}

// Bind ties the engine to a test and, once started, its attempt.
func (e *Engine) Bind(testID, attemptID string) {
	e.mu.Lock()
	e.testID = testID
	e.attemptID = attemptID
	e.mu.Unlock()
}

// Seed installs an answer without pushing it, used when restoring a draft
// (state pending, the next flush syncs it) or merging server state on resume
// (state synced).
func (e *Engine) Seed(questionID, optionID, text string, state AnswerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.seq++
	e.answers[questionID] = &Answer{
		QuestionID: questionID,
		OptionID:   optionID,
		Text:       text,
		State:      state,
		seq:        e.seq,
	}
}

// PushAnswer records the selection in memory and in the local snapshot, then
// pushes it to the server without blocking the caller. A failed push leaves
// the answer queued for the next flush.
func (e *Engine) PushAnswer(questionID, optionID, text string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.seq++
	seq := e.seq
	e.answers[questionID] = &Answer{
		QuestionID: questionID,
		OptionID:   optionID,
		Text:       text,
		State:      AnswerPending,
		seq:        seq,
	}
	snapshot := e.answerMapLocked()
	testID, attemptID := e.testID, e.attemptID
	e.setStatusLocked(SyncSaving)
	e.mu.Unlock()

	// Write-through before the network is involved. Never dropped, even
	// offline; Save swallows storage errors itself.
	e.cache.Save(e.ctx, testID, snapshot)

	go e.submit(seq, attemptID, questionID, text)
}

func (e *Engine) submit(seq uint64, attemptID, questionID, text string) {
	err := e.client.SubmitAnswer(e.ctx, attemptID, questionID, text)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ans := e.answers[questionID]
	if ans == nil || ans.seq != seq {
		// A newer selection superseded this push; its own bookkeeping wins.
		e.mu.Unlock()
		return
	}
	if err == nil {
		ans.State = AnswerSynced
		ans.attempts = 0
		e.setStatusLocked(SyncSuccess)
		e.mu.Unlock()
		monitoring.AnswerPushes.WithLabelValues("success").Inc()
		return
	}
	ans.State = AnswerFailed
	ans.attempts++
	e.setStatusLocked(SyncError)
	e.mu.Unlock()

	monitoring.AnswerPushes.WithLabelValues("failure").Inc()
	monitoring.PushFailures.WithLabelValues(string(remote.KindOf(err))).Inc()
	e.log.Warn("answer push failed",
		zap.String("question_id", questionID),
		zap.Error(err))
	if remote.IsUnauthorized(err) && e.onAuth != nil {
		e.onAuth()
	}
}

// Flush re-submits every answer not already synced, one request per answer,
// paced by the rate limiter. Only one flush runs at a time; overlapping calls
// are no-ops.
func (e *Engine) Flush() {
	if !e.flushing.CompareAndSwap(false, true) {
		return
	}
	defer e.flushing.Store(false)

	type item struct {
		questionID string
		text       string
		seq        uint64
	}

	e.mu.Lock()
	if e.closed || len(e.answers) == 0 {
		e.mu.Unlock()
		return
	}
	attemptID, testID := e.attemptID, e.testID
	var pending []item
	for _, a := range e.answers {
		if a.State != AnswerSynced {
			pending = append(pending, item{questionID: a.QuestionID, text: a.Text, seq: a.seq})
		}
	}
	if len(pending) == 0 {
		// Everything already confirmed remotely; the snapshot is redundant.
		e.lastFlush = e.now()
		e.setStatusLocked(SyncSuccess)
		e.mu.Unlock()
		e.cache.Clear(e.ctx, testID)
		return
	}
	e.setStatusLocked(SyncSaving)
	e.mu.Unlock()

	start := e.now()
	var failed atomic.Int64
	var unauthorized atomic.Bool

	g := &errgroup.Group{}
	g.SetLimit(len(pending))
	for _, it := range pending {
		it := it
		g.Go(func() error {
			if err := e.limiter.Wait(e.ctx); err != nil {
				failed.Add(1)
				return nil
			}
			err := e.client.SubmitAnswer(e.ctx, attemptID, it.questionID, it.text)

			e.mu.Lock()
			defer e.mu.Unlock()
			if e.closed {
				return nil
			}
			ans := e.answers[it.questionID]
			if ans == nil || ans.seq != it.seq {
				// Superseded mid-flush; the newer push owns the outcome.
				return nil
			}
			if err == nil {
				ans.State = AnswerSynced
				ans.attempts = 0
				return nil
			}
			ans.State = AnswerFailed
			ans.attempts++
			failed.Add(1)
			if remote.IsUnauthorized(err) {
				unauthorized.Store(true)
			}
			e.log.Warn("flush push failed",
				zap.String("question_id", it.questionID),
				zap.Int("attempts", ans.attempts),
				zap.Error(err))
			return nil
		})
	}
	_ = g.Wait()
	monitoring.FlushDuration.Observe(e.now().Sub(start).Seconds())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if failed.Load() == 0 {
		e.lastFlush = e.now()
		e.setStatusLocked(SyncSuccess)
		e.mu.Unlock()
		// The server is authoritative for everything now; the local
		// snapshot has served its purpose.
		e.cache.Clear(e.ctx, testID)
		monitoring.FlushRuns.WithLabelValues("success").Inc()
		return
	}
	e.setStatusLocked(SyncError)
	e.mu.Unlock()
	monitoring.FlushRuns.WithLabelValues("failure").Inc()
	if unauthorized.Load() && e.onAuth != nil {
		e.onAuth()
	}
}

// setStatusLocked updates the indicator and arms the error auto-reset. The
// caller holds e.mu.
func (e *Engine) setStatusLocked(s EngineStatus) {
	if e.resetTask != nil {
		e.resetTask.Stop()
		e.resetTask = nil
	}
	e.status = s
	if s != SyncError {
		return
	}
	e.resetTask = e.sched.After(e.resetWindow, func() {
		e.mu.Lock()
		if !e.closed && e.status == SyncError {
			e.status = SyncIdle
		}
		e.mu.Unlock()
	})
}

func (e *Engine) answerMapLocked() map[string]string {
	m := make(map[string]string, len(e.answers))
	for q, a := range e.answers {
		m[q] = a.OptionID
	}
	return m
}

// AnswerMap returns questionID -> optionID for all current answers.
func (e *Engine) AnswerMap() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.answerMapLocked()
}

// Answers returns a copy of the current answers, including sync state.
func (e *Engine) Answers() map[string]Answer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Answer, len(e.answers))
	for q, a := range e.answers {
		out[q] = *a
	}
	return out
}

func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) LastFlush() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFlush
}

// Close tears the engine down: in-flight results are discarded and no state
// is mutated afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.resetTask != nil {
		e.resetTask.Stop()
		e.resetTask = nil
	}
	e.mu.Unlock()
	e.cancel()
}
