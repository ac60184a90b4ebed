package session

import "github.com/open-cbt/cbt-client/internal/remote"

// FinishDecision is the submission guard's answer to a finish request.
// Unanswered positions are 1-indexed in question display order.
type FinishDecision struct {
	Ready      bool  `json:"ready"`
	Unanswered []int `json:"unanswered,omitempty"`
}

// ComputeUnanswered lists the 1-indexed positions of questions with no answer
// entry, in display order.
func ComputeUnanswered(questions []remote.Question, answers map[string]string) []int {
	var out []int
	for i, q := range questions {
		if _, ok := answers[q.ID]; !ok {
			out = append(out, i+1)
		}
	}
	return out
}
