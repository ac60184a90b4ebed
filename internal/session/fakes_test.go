package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/open-cbt/cbt-client/internal/remote"
	"github.com/open-cbt/cbt-client/internal/session"
)

/* ---------------- In-memory fakes for remote.Client and session.Scheduler ---------------- */

type fakeClient struct {
	mu sync.Mutex

	startErr  error
	attemptID string

	test      remote.Test
	questions []remote.Question
	fetchErr  error

	submitErr   error
	submitted   map[string]string // questionID -> last answer text
	submitCalls int
	gates       map[string]chan struct{} // answer text -> release gate

	saved    []remote.SavedAnswer
	savedErr error

	finalizeCalls int
	finalizeErr   error

	review remote.Review
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		attemptID: "attempt-1",
		submitted: map[string]string{},
		gates:     map[string]chan struct{}{},
	}
}

func (f *fakeClient) StartAttempt(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.attemptID, nil
}

func (f *fakeClient) FetchTest(_ context.Context, testID string) (remote.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return remote.Test{}, f.fetchErr
	}
	if f.test.ID == "" {
		return remote.Test{ID: testID, Title: "Test"}, nil
	}
	return f.test, nil
}

func (f *fakeClient) FetchQuestions(_ context.Context, _ string) ([]remote.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.questions, nil
}

// gate makes SubmitAnswer block for the given answer text until released.
func (f *fakeClient) gate(text string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[text] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *fakeClient) SubmitAnswer(_ context.Context, _, questionID, answerText string) error {
	f.mu.Lock()
	f.submitCalls++
	ch := f.gates[answerText]
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted[questionID] = answerText
	return nil
}

func (f *fakeClient) FetchSavedAnswers(_ context.Context, _ string) ([]remote.SavedAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.savedErr != nil {
		return nil, f.savedErr
	}
	return f.saved, nil
}

func (f *fakeClient) FinalizeAttempt(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	return f.finalizeErr
}

func (f *fakeClient) FetchReview(_ context.Context, _ string) (remote.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.review, nil
}

func (f *fakeClient) setSubmitErr(err error) {
	f.mu.Lock()
	f.submitErr = err
	f.mu.Unlock()
}

func (f *fakeClient) submittedAnswer(questionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.submitted[questionID]
	return v, ok
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

/* ---------------- Virtual scheduler ---------------- */

type fakeTask struct {
	mu      sync.Mutex
	stopped bool
	fn      func()
}

func (t *fakeTask) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// fire runs the callback unless the task was stopped, mimicking a tick.
func (t *fakeTask) fire() {
	t.mu.Lock()
	stopped := t.stopped
	fn := t.fn
	t.mu.Unlock()
	if !stopped && fn != nil {
		fn()
	}
}

type fakeScheduler struct {
	mu    sync.Mutex
	every []*fakeTask
	after []*fakeTask
}

func (s *fakeScheduler) Every(_ time.Duration, fn func()) session.Task {
	t := &fakeTask{fn: fn}
	s.mu.Lock()
	s.every = append(s.every, t)
	s.mu.Unlock()
	return t
}

func (s *fakeScheduler) After(_ time.Duration, fn func()) session.Task {
	t := &fakeTask{fn: fn}
	s.mu.Lock()
	s.after = append(s.after, t)
	s.mu.Unlock()
	return t
}

func (s *fakeScheduler) everyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.every)
}

func (s *fakeScheduler) lastAfter() *fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.after) == 0 {
		return nil
	}
	return s.after[len(s.after)-1]
}

func (s *fakeScheduler) tick() {
	s.mu.Lock()
	tasks := append([]*fakeTask(nil), s.every...)
	s.mu.Unlock()
	for _, t := range tasks {
		t.fire()
	}
}

/* ---------------- Helpers ---------------- */

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func fiveQuestions() []remote.Question {
	qs := make([]remote.Question, 0, 5)
	ids := []string{"q1", "q2", "q3", "q4", "q5"}
	for _, id := range ids {
		qs = append(qs, remote.Question{
			ID:   id,
			Text: "prompt " + id,
			Options: []remote.Option{
				{ID: "a", Text: "A text " + id},
				{ID: "b", Text: "B text " + id},
				{ID: "c", Text: "C text " + id},
				{ID: "d", Text: "D text " + id},
			},
		})
	}
	return qs
}

func netErr() error {
	return &remote.Error{Kind: remote.KindNetwork, Message: "connection refused"}
}
