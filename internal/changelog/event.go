// Package changelog is the append-only ledger of mutations to replicated
// tables. The host application records events inside its own write
// transactions; the sync engines read ranges of it and apply events
// received from peers.
package changelog

import (
	"fmt"

	"github.com/p2p-db-sync/dbsync/internal/database"
)

// Operation is the kind of mutation an event describes
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// ChangeEvent is one immutable mutation. Seq is the position in the log of
// the node that serves it; EventID, SourceNodeID and OccurredAt never change
// as the event is relayed between nodes.
type ChangeEvent struct {
	Seq          int64     `json:"seq"`
	EventID      string    `json:"event_id"`
	SourceNodeID string    `json:"source_node_id"`
	TableName    string    `json:"table_name"`
	RecordID     string    `json:"record_id"`
	Operation    Operation `json:"operation"`
	Payload      []byte    `json:"payload,omitempty"`
	OccurredAt   int64     `json:"occurred_at"`
}

func (ev *ChangeEvent) validate() error {
	if ev.EventID == "" || ev.SourceNodeID == "" {
		return fmt.Errorf("event is missing its id or source node")
	}
	if ev.TableName == "" || ev.RecordID == "" {
		return fmt.Errorf("event %s is missing its table or record id", ev.EventID)
	}
	if !ev.Operation.Valid() {
		return fmt.Errorf("event %s has unknown operation %q", ev.EventID, ev.Operation)
	}
	return nil
}

func fromRow(r *database.ChangeEventRow) *ChangeEvent {
	return &ChangeEvent{
		Seq:          r.Seq,
		EventID:      r.EventID,
		SourceNodeID: r.SourceNodeID,
		TableName:    r.TableName,
		RecordID:     r.RecordID,
		Operation:    Operation(r.Operation),
		Payload:      r.Payload,
		OccurredAt:   r.OccurredAt,
	}
}

func (ev *ChangeEvent) toRow() *database.ChangeEventRow {
	return &database.ChangeEventRow{
		Seq:          ev.Seq,
		EventID:      ev.EventID,
		SourceNodeID: ev.SourceNodeID,
		TableName:    ev.TableName,
		RecordID:     ev.RecordID,
		Operation:    string(ev.Operation),
		Payload:      ev.Payload,
		OccurredAt:   ev.OccurredAt,
	}
}
