package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/open-cbt/cbt-client/internal/cache"
	"github.com/open-cbt/cbt-client/internal/remote"
)

type Config struct {
	TestID string
	Client remote.Client
	Cache  *cache.Snapshots
	Sched  Scheduler
	Now    Clock
	Log    *zap.Logger

	FlushInterval     time.Duration
	StatusResetWindow time.Duration
	SubmitRate        rate.Limit
	SubmitBurst       int

	// OnReauth fires when a remote call fails with a credential error. The
	// shell redirects the student to re-authentication; nothing here retries.
	OnReauth func()
}

// Controller is the state machine for one exam attempt. It owns navigation
// and the lifecycle transitions; the sync engine owns the write path.
type Controller struct {
	client remote.Client
	cache  *cache.Snapshots
	sched  Scheduler
	now    Clock
	log    *zap.Logger
	engine *Engine

	flushInterval time.Duration
	onReauth      func()

	mu        sync.Mutex
	attempt   Attempt
	test      remote.Test
	questions []remote.Question
	cur       int
	ticker    Task
	closed    bool
}

func NewController(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Sched == nil {
		cfg.Sched = NewScheduler()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	c := &Controller{
		client:        cfg.Client,
		cache:         cfg.Cache,
		sched:         cfg.Sched,
		now:           cfg.Now,
		log:           cfg.Log,
		flushInterval: cfg.FlushInterval,
		onReauth:      cfg.OnReauth,
		attempt:       Attempt{TestID: cfg.TestID, Status: StatusNotStarted},
	}
	c.engine = NewEngine(EngineConfig{
		Client:            cfg.Client,
		Cache:             cfg.Cache,
		Sched:             cfg.Sched,
		Now:               cfg.Now,
		Log:               cfg.Log,
		SubmitRate:        cfg.SubmitRate,
		SubmitBurst:       cfg.SubmitBurst,
		StatusResetWindow: cfg.StatusResetWindow,
		OnAuthFailure:     cfg.OnReauth,
	})
	c.engine.Bind(cfg.TestID, "")
	return c
}

// LoadTest fetches the test metadata and its ordered question list. Safe to
// call before start; required before restoring a draft, since snapshots store
// option ids only and text is resolved against the live question set.
func (c *Controller) LoadTest(ctx context.Context) error {
	t, err := c.client.FetchTest(ctx, c.testID())
	if err != nil {
		return c.surface("load test", err)
	}
	qs, err := c.client.FetchQuestions(ctx, c.testID())
	if err != nil {
		return c.surface("load questions", err)
	}
	c.mu.Lock()
	c.test = t
	c.questions = qs
	c.mu.Unlock()
	return nil
}

// RestoreDraft offers a pre-start draft from the local snapshot. Entries whose
// option id no longer resolves in the current question set are dropped, not
// transmitted. Returns how many answers were restored.
func (c *Controller) RestoreDraft(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.attempt.Status != StatusNotStarted {
		c.mu.Unlock()
		return 0, ErrAlreadyStarted
	}
	if len(c.questions) == 0 {
		c.mu.Unlock()
		return 0, ErrNoQuestions
	}
	questions := c.questions
	testID := c.attempt.TestID
	c.mu.Unlock()

	saved, ok := c.cache.Load(ctx, testID)
	if !ok {
		return 0, nil
	}
	restored := 0
	for _, q := range questions {
		optID, ok := saved[q.ID]
		if !ok {
			continue
		}
		if text, ok := optionText(q, optID); ok {
			c.engine.Seed(q.ID, optID, text, AnswerPending)
			restored++
		}
	}
	c.log.Info("draft restored",
		zap.String("test_id", testID),
		zap.Int("answers", restored))
	return restored, nil
}

// Start begins a new attempt. On failure the state stays NotStarted and the
// error is surfaced; credential failures additionally trigger OnReauth.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.attempt.Status != StatusNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	testID := c.attempt.TestID
	c.mu.Unlock()

	attemptID, err := c.client.StartAttempt(ctx, testID)
	if err != nil {
		return c.surface("start attempt", err)
	}
	if err := c.ensureQuestions(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.attempt.AttemptID = attemptID
	c.attempt.Status = StatusInProgress
	c.attempt.StartedAt = c.now()
	c.engine.Bind(testID, attemptID)
	c.startTickerLocked()
	c.mu.Unlock()

	c.log.Info("attempt started",
		zap.String("test_id", testID),
		zap.String("attempt_id", attemptID))

	// A restored draft has pending answers with no remote record yet; push
	// them now rather than waiting out the first tick.
	if len(c.engine.AnswerMap()) > 0 {
		go c.engine.Flush()
	}
	return nil
}

// Resume picks up an existing attempt after a crash or reload. The server's
// saved answers are authoritative; any local snapshot remnant is superseded
// once the fetch succeeds.
func (c *Controller) Resume(ctx context.Context, attemptID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.attempt.Status != StatusNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	testID := c.attempt.TestID
	c.mu.Unlock()

	if err := c.ensureQuestions(ctx); err != nil {
		return err
	}
	saved, err := c.client.FetchSavedAnswers(ctx, attemptID)
	if err != nil {
		return c.surface("fetch saved answers", err)
	}

	c.mu.Lock()
	questions := c.questions
	c.mu.Unlock()

	merged := 0
	for _, sa := range saved {
		q, ok := findQuestion(questions, sa.QuestionID)
		if !ok {
			continue
		}
		// The server records option text; map it back onto the live option
		// set. A non-resolving text means the test changed underneath the
		// attempt, and the entry is dropped.
		if optID, ok := optionByText(q, sa.Answer); ok {
			c.engine.Seed(q.ID, optID, sa.Answer, AnswerSynced)
			merged++
		}
	}

	c.mu.Lock()
	c.attempt.AttemptID = attemptID
	c.attempt.Status = StatusInProgress
	c.attempt.StartedAt = c.now()
	c.engine.Bind(testID, attemptID)
	c.startTickerLocked()
	c.mu.Unlock()

	c.log.Info("attempt resumed",
		zap.String("attempt_id", attemptID),
		zap.Int("answers", merged))
	return nil
}

// SelectAnswer records the student's choice for a question. Navigation and
// selection never change attempt state; a completed attempt accepts neither.
func (c *Controller) SelectAnswer(questionID, optionID string) error {
	c.mu.Lock()
	switch c.attempt.Status {
	case StatusCompleted, StatusSubmitting:
		c.mu.Unlock()
		return ErrAttemptCompleted
	case StatusInProgress:
	default:
		c.mu.Unlock()
		return ErrNotInProgress
	}
	questions := c.questions
	c.mu.Unlock()

	q, ok := findQuestion(questions, questionID)
	if !ok {
		return ErrUnknownQuestion
	}
	text, ok := optionText(q, optionID)
	if !ok {
		return ErrUnknownOption
	}
	c.engine.PushAnswer(questionID, optionID, text)
	return nil
}

// RequestFinish runs the submission guard. With nothing unanswered it
// finalizes immediately; otherwise it returns the unanswered list and leaves
// the state untouched until ConfirmFinish.
func (c *Controller) RequestFinish(ctx context.Context) (FinishDecision, error) {
	c.mu.Lock()
	if c.attempt.Status != StatusInProgress {
		status := c.attempt.Status
		c.mu.Unlock()
		if status == StatusCompleted || status == StatusSubmitting {
			return FinishDecision{}, ErrAttemptCompleted
		}
		return FinishDecision{}, ErrNotInProgress
	}
	questions := c.questions
	c.mu.Unlock()

	unanswered := ComputeUnanswered(questions, c.engine.AnswerMap())
	if len(unanswered) > 0 {
		return FinishDecision{Ready: false, Unanswered: unanswered}, nil
	}
	return FinishDecision{Ready: true}, c.finish(ctx)
}

// ConfirmFinish finalizes regardless of unanswered questions. The guard is a
// warning, not a hard block.
func (c *Controller) ConfirmFinish(ctx context.Context) error {
	c.mu.Lock()
	switch c.attempt.Status {
	case StatusInProgress:
		c.mu.Unlock()
	case StatusCompleted, StatusSubmitting:
		c.mu.Unlock()
		return ErrAttemptCompleted
	default:
		c.mu.Unlock()
		return ErrNotInProgress
	}
	return c.finish(ctx)
}

func (c *Controller) finish(ctx context.Context) error {
	c.mu.Lock()
	c.attempt.Status = StatusSubmitting
	c.stopTickerLocked()
	attemptID, testID := c.attempt.AttemptID, c.attempt.TestID
	c.mu.Unlock()

	if err := c.client.FinalizeAttempt(ctx, attemptID); err != nil {
		// Blocked transition: back to in-progress, autosave resumes.
		c.mu.Lock()
		c.attempt.Status = StatusInProgress
		c.startTickerLocked()
		c.mu.Unlock()
		return c.surface("finalize attempt", err)
	}

	c.mu.Lock()
	c.attempt.Status = StatusCompleted
	c.attempt.FinishedAt = c.now()
	c.mu.Unlock()
	c.cache.Clear(ctx, testID)

	c.log.Info("attempt completed", zap.String("attempt_id", attemptID))
	return nil
}

// Review fetches the graded review payload. Only meaningful once completed.
func (c *Controller) Review(ctx context.Context) (remote.Review, error) {
	c.mu.Lock()
	if c.attempt.Status != StatusCompleted {
		c.mu.Unlock()
		return remote.Review{}, ErrNotCompleted
	}
	attemptID := c.attempt.AttemptID
	c.mu.Unlock()

	rev, err := c.client.FetchReview(ctx, attemptID)
	if err != nil {
		return remote.Review{}, c.surface("fetch review", err)
	}
	return rev, nil
}

// GoTo moves the current-question cursor. Out-of-range indexes are rejected.
func (c *Controller) GoTo(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt.Status == StatusCompleted || c.attempt.Status == StatusSubmitting {
		return ErrAttemptCompleted
	}
	if index < 0 || index >= len(c.questions) {
		return fmt.Errorf("question index %d out of range", index)
	}
	c.cur = index
	return nil
}

func (c *Controller) Next() error {
	c.mu.Lock()
	i := c.cur + 1
	c.mu.Unlock()
	return c.GoTo(i)
}

func (c *Controller) Prev() error {
	c.mu.Lock()
	i := c.cur - 1
	c.mu.Unlock()
	return c.GoTo(i)
}

// Current returns the cursor position and the question under it.
func (c *Controller) Current() (int, remote.Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur < 0 || c.cur >= len(c.questions) {
		return 0, remote.Question{}, false
	}
	return c.cur, c.questions[c.cur], true
}

func (c *Controller) Questions() []remote.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]remote.Question, len(c.questions))
	copy(out, c.questions)
	return out
}

// Snapshot is the bridge-facing view of the session.
type Snapshot struct {
	TestID     string        `json:"test_id"`
	AttemptID  string        `json:"attempt_id,omitempty"`
	Status     AttemptStatus `json:"status"`
	Sync       EngineStatus  `json:"sync"`
	Current    int           `json:"current"`
	Questions  int           `json:"questions"`
	Answered   int           `json:"answered"`
	Unanswered []int         `json:"unanswered,omitempty"`
	ElapsedSec int64         `json:"elapsed_sec"`
	LastFlush  time.Time     `json:"last_flush,omitempty"`
}

func (c *Controller) Status() Snapshot {
	answers := c.engine.AnswerMap()

	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		TestID:     c.attempt.TestID,
		AttemptID:  c.attempt.AttemptID,
		Status:     c.attempt.Status,
		Sync:       c.engine.Status(),
		Current:    c.cur,
		Questions:  len(c.questions),
		Answered:   len(answers),
		Unanswered: ComputeUnanswered(c.questions, answers),
		LastFlush:  c.engine.LastFlush(),
	}
	if !c.attempt.StartedAt.IsZero() {
		end := c.now()
		if !c.attempt.FinishedAt.IsZero() {
			end = c.attempt.FinishedAt
		}
		snap.ElapsedSec = int64(end.Sub(c.attempt.StartedAt).Seconds())
	}
	return snap
}

// Close tears the session down: ticker cancelled, engine closed, in-flight
// results discarded. Further calls fail with ErrSessionClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTickerLocked()
	c.mu.Unlock()
	c.engine.Close()
}

func (c *Controller) startTickerLocked() {
	if c.ticker != nil {
		return
	}
	c.ticker = c.sched.Every(c.flushInterval, c.engine.Flush)
}

func (c *Controller) stopTickerLocked() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) ensureQuestions(ctx context.Context) error {
	c.mu.Lock()
	loaded := len(c.questions) > 0
	c.mu.Unlock()
	if loaded {
		return nil
	}
	return c.LoadTest(ctx)
}

func (c *Controller) testID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt.TestID
}

func (c *Controller) surface(op string, err error) error {
	c.log.Warn(op+" failed", zap.Error(err))
	if remote.IsUnauthorized(err) && c.onReauth != nil {
		c.onReauth()
	}
	return fmt.Errorf("%s: %w", op, err)
}

func findQuestion(questions []remote.Question, id string) (remote.Question, bool) {
	for _, q := range questions {
		if q.ID == id {
			return q, true
		}
	}
	return remote.Question{}, false
}

func optionText(q remote.Question, optionID string) (string, bool) {
	for _, o := range q.Options {
		if o.ID == optionID {
			return o.Text, true
		}
	}
	return "", false
}

func optionByText(q remote.Question, text string) (string, bool) {
	for _, o := range q.Options {
		if o.Text == text {
			return o.ID, true
		}
	}
	return "", false
}
