package remote

import "context"

// Option is one selectable choice within a question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is one entry of a test's ordered question list, as served to
// students (no answer key).
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []Option `json:"options"`
}

type Test struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	TimeLimitSec int    `json:"time_limit_sec"`
}

// SavedAnswer is one answer the server has recorded for an attempt. The server
// records option text, not ids.
type SavedAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// ReviewItem is one graded question in the post-submission review payload.
type ReviewItem struct {
	QuestionID    string   `json:"question_id"`
	Text          string   `json:"text"`
	Options       []Option `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	UserAnswer    string   `json:"user_answer"`
	Explanation   string   `json:"explanation,omitempty"`
}

type Review struct {
	AttemptID string       `json:"attempt_id"`
	TestID    string       `json:"test_id"`
	Score     float64      `json:"score"`
	Items     []ReviewItem `json:"items"`
}

// Client is the authenticated surface of the remote test server. Every call
// carries the session credential; implementations map failures onto *Error
// kinds and never retry on their own.
type Client interface {
	StartAttempt(ctx context.Context, testID string) (string, error)
	FetchTest(ctx context.Context, testID string) (Test, error)
	FetchQuestions(ctx context.Context, testID string) ([]Question, error)
	SubmitAnswer(ctx context.Context, attemptID, questionID, answerText string) error
	FetchSavedAnswers(ctx context.Context, attemptID string) ([]SavedAnswer, error)
	// FinalizeAttempt is idempotent: finalizing an already-finalized attempt
	// succeeds silently.
	FinalizeAttempt(ctx context.Context, attemptID string) error
	FetchReview(ctx context.Context, attemptID string) (Review, error)
}
