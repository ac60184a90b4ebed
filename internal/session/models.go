package session

import (
	"errors"
	"time"
)

// AttemptStatus is the lifecycle of one exam attempt.
type AttemptStatus string

const (
	StatusNotStarted AttemptStatus = "not_started"
	StatusInProgress AttemptStatus = "in_progress"
	StatusSubmitting AttemptStatus = "submitting"
	StatusCompleted  AttemptStatus = "completed"
)

// AnswerState is per-answer sync bookkeeping. Local only, never sent to the
// server.
type AnswerState string

const (
	AnswerPending AnswerState = "pending"
	AnswerSynced  AnswerState = "synced"
	AnswerFailed  AnswerState = "failed"
)

// EngineStatus is the observational sync indicator shown to the student. It
// reflects the last completed operation, not queue depth.
type EngineStatus string

const (
	SyncIdle    EngineStatus = "idle"
	SyncSaving  EngineStatus = "saving"
	SyncSuccess EngineStatus = "success"
	SyncError   EngineStatus = "error"
)

// Answer is one question's current response. OptionID and Text are set
// together or not at all; the remote API records the text.
type Answer struct {
	QuestionID string      `json:"question_id"`
	OptionID   string      `json:"option_id"`
	Text       string      `json:"text"`
	State      AnswerState `json:"state"`

	seq      uint64 // write sequence, guards stale push results
	attempts int    // flush retries so far
}

// Attempt is one exam session. AttemptID is assigned by the server on start.
type Attempt struct {
	AttemptID  string        `json:"attempt_id,omitempty"`
	TestID     string        `json:"test_id"`
	Status     AttemptStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

var (
	ErrAlreadyStarted   = errors.New("attempt already started")
	ErrNotInProgress    = errors.New("attempt not in progress")
	ErrNotCompleted     = errors.New("attempt not completed")
	ErrAttemptCompleted = errors.New("attempt already completed")
	ErrUnknownQuestion  = errors.New("question not in test")
	ErrUnknownOption    = errors.New("option not in question")
	ErrNoQuestions      = errors.New("question list not loaded")
	ErrSessionClosed    = errors.New("session closed")
)
