package session_test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/open-cbt/cbt-client/internal/remote"
	"github.com/open-cbt/cbt-client/internal/session"
)

func TestComputeUnanswered(t *testing.T) {
	questions := make([]remote.Question, 0, 10)
	for i := 1; i <= 10; i++ {
		questions = append(questions, remote.Question{ID: fmt.Sprintf("q%d", i)})
	}
	answers := map[string]string{}
	for i := 1; i <= 10; i++ {
		switch i {
		case 2, 5, 9:
			continue
		}
		answers[fmt.Sprintf("q%d", i)] = "a"
	}

	got := session.ComputeUnanswered(questions, answers)
	if !reflect.DeepEqual(got, []int{2, 5, 9}) {
		t.Fatalf("expected [2 5 9], got %v", got)
	}
}

func TestComputeUnanswered_AllAnswered(t *testing.T) {
	questions := []remote.Question{{ID: "q1"}, {ID: "q2"}}
	answers := map[string]string{"q1": "a", "q2": "b"}
	if got := session.ComputeUnanswered(questions, answers); len(got) != 0 {
		t.Fatalf("expected none unanswered, got %v", got)
	}
}

func TestComputeUnanswered_OrderFollowsDisplayOrder(t *testing.T) {
	// Arrival order of answers must not matter; output follows question order.
	questions := []remote.Question{{ID: "z"}, {ID: "a"}, {ID: "m"}}
	answers := map[string]string{"a": "x"}
	got := session.ComputeUnanswered(questions, answers)
	if !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("expected [1 3], got %v", got)
	}
}
