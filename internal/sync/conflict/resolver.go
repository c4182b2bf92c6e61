package conflict

// Version identifies one write to a record: when it happened and which
// node produced it.
type Version struct {
	OccurredAt   int64 // unix microseconds from the writer's hybrid clock
	SourceNodeID string
	EventID      string
}

// Outcome is the verdict on an incoming write
type Outcome int

const (
	// IncomingWins means the incoming write replaces the current one
	IncomingWins Outcome = iota
	// CurrentWins means the incoming write is older and is discarded
	CurrentWins
	// Duplicate means the incoming write is the current one
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case IncomingWins:
		return "incoming_wins"
	case CurrentWins:
		return "current_wins"
	default:
		return "duplicate"
	}
}

// Resolver decides between concurrent writes to the same record by
// last-writer-wins
type Resolver struct{}

// NewResolver creates a resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve compares an incoming write against the current version of the
// same record. A nil current version means the record was never seen.
func (r *Resolver) Resolve(incoming Version, current *Version) Outcome {
	if current == nil {
		return IncomingWins
	}
	switch c := Compare(incoming, *current); {
	case c > 0:
		return IncomingWins
	case c < 0:
		return CurrentWins
	default:
		return Duplicate
	}
}

// Compare orders two versions. The later occurredAt wins; on a tie the
// lexicographically smaller source node id wins. The result depends only
// on the two versions, so every node picks the same winner.
func Compare(a, b Version) int {
	if a.OccurredAt > b.OccurredAt {
		return 1
	}
	if a.OccurredAt < b.OccurredAt {
		return -1
	}
	if a.SourceNodeID < b.SourceNodeID {
		return 1
	}
	if a.SourceNodeID > b.SourceNodeID {
		return -1
	}
	// Same writer and instant: only the same event can collide here.
	switch {
	case a.EventID < b.EventID:
		return 1
	case a.EventID > b.EventID:
		return -1
	}
	return 0
}
