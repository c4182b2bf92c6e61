package conflict_test

import (
	"testing"

	"github.com/p2p-db-sync/dbsync/internal/sync/conflict"
)

func TestLaterWriteWins(t *testing.T) {
	r := conflict.NewResolver()

	older := conflict.Version{OccurredAt: 100, SourceNodeID: "node-a", EventID: "e1"}
	newer := conflict.Version{OccurredAt: 200, SourceNodeID: "node-b", EventID: "e2"}

	if got := r.Resolve(newer, &older); got != conflict.IncomingWins {
		t.Errorf("Expected newer write to win, got %s", got)
	}
	if got := r.Resolve(older, &newer); got != conflict.CurrentWins {
		t.Errorf("Expected older write to lose, got %s", got)
	}
	if got := r.Resolve(older, nil); got != conflict.IncomingWins {
		t.Errorf("Expected first write to win, got %s", got)
	}
	if got := r.Resolve(older, &older); got != conflict.Duplicate {
		t.Errorf("Expected replay to be a duplicate, got %s", got)
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	a := conflict.Version{OccurredAt: 500, SourceNodeID: "node-a", EventID: "x"}
	b := conflict.Version{OccurredAt: 500, SourceNodeID: "node-b", EventID: "y"}

	// The smaller node id wins no matter which side evaluates the tie.
	if conflict.Compare(a, b) <= 0 {
		t.Errorf("Expected node-a to win the tie")
	}
	if conflict.Compare(b, a) >= 0 {
		t.Errorf("Expected node-b to lose the tie")
	}

	r := conflict.NewResolver()
	onA := r.Resolve(b, &a) // node A holds its own write, receives B's
	onB := r.Resolve(a, &b) // node B holds its own write, receives A's
	if onA != conflict.CurrentWins || onB != conflict.IncomingWins {
		t.Errorf("Nodes disagree on the winner: A=%s B=%s", onA, onB)
	}
}
