package changelog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/replica"
	"github.com/p2p-db-sync/dbsync/internal/sync/conflict"
)

type employee struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	BusinessID int64  `json:"business_id"`
}

type testNode struct {
	db  *database.DB
	log *changelog.Log
}

func newTestNode(t *testing.T, nodeID string, now time.Time) *testNode {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, "sqlite", filepath.Join(t.TempDir(), nodeID+".db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.GetDB().ExecContext(ctx, `CREATE TABLE employees (id INTEGER PRIMARY KEY, name TEXT NOT NULL, business_id INTEGER NOT NULL)`)
	require.NoError(t, err)

	reg := replica.NewRegistry()
	require.NoError(t, reg.Register(replica.Table{
		Name:       "employees",
		PrimaryKey: "id",
		Columns:    []string{"id", "name", "business_id"},
		Codec:      replica.JSONCodec[employee]{},
	}))

	clock := changelog.NewClock(func() time.Time { return now })
	log := changelog.New(db, replica.NewStore(db, reg), nodeID, changelog.Options{Clock: clock})
	require.NoError(t, log.Init(ctx))
	return &testNode{db: db, log: log}
}

// write performs a host write: the row mutation and its event in one transaction.
func (n *testNode) write(t *testing.T, e employee) *changelog.ChangeEvent {
	t.Helper()
	ctx := context.Background()
	var ev *changelog.ChangeEvent
	err := n.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO employees (id, name, business_id) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, business_id = excluded.business_id`,
			e.ID, e.Name, e.BusinessID); err != nil {
			return err
		}
		var err error
		ev, err = n.log.Record(ctx, tx, "employees", replica.RecordID(e.ID), changelog.OpUpdate, e)
		return err
	})
	require.NoError(t, err)
	return ev
}

func (n *testNode) applyAll(t *testing.T, events []*changelog.ChangeEvent) []conflict.Outcome {
	t.Helper()
	ctx := context.Background()
	var outcomes []conflict.Outcome
	err := n.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			o, err := n.log.Apply(ctx, tx, ev)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	require.NoError(t, err)
	return outcomes
}

func (n *testNode) name(t *testing.T, id int64) (string, bool) {
	t.Helper()
	var name string
	err := n.db.GetDB().QueryRow(`SELECT name FROM employees WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false
	}
	require.NoError(t, err)
	return name, true
}

func (n *testNode) allEvents(t *testing.T) []*changelog.ChangeEvent {
	t.Helper()
	batch, err := n.log.EventsSince(context.Background(), 0, 1000, "")
	require.NoError(t, err)
	return batch.Events
}

func TestRecordIsAtomicWithHostWrite(t *testing.T) {
	node := newTestNode(t, "node-a", time.Now())
	ctx := context.Background()

	err := node.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO employees (id, name, business_id) VALUES (1, 'Ann', 1)`); err != nil {
			return err
		}
		if _, err := node.log.Record(ctx, tx, "employees", "1", changelog.OpInsert, employee{ID: 1, Name: "Ann", BusinessID: 1}); err != nil {
			return err
		}
		return sql.ErrConnDone // force rollback
	})
	require.Error(t, err)

	_, found := node.name(t, 1)
	assert.False(t, found, "row must be rolled back")
	assert.Empty(t, node.allEvents(t), "event must be rolled back")

	high, err := node.log.HighWater(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), high)
}

func TestRecordValidation(t *testing.T) {
	node := newTestNode(t, "node-a", time.Now())
	ctx := context.Background()
	db := node.db.GetDB()

	_, err := node.log.Record(ctx, db, "payroll", "1", changelog.OpInsert, replica.Row{"id": 1})
	assert.ErrorIs(t, err, replica.ErrUnknownTable)

	_, err = node.log.Record(ctx, db, "employees", "2", changelog.OpInsert, employee{ID: 1, Name: "x"})
	assert.Error(t, err, "key mismatch must be rejected")

	_, err = node.log.Record(ctx, db, "employees", "1", changelog.Operation("upsert"), employee{ID: 1})
	assert.Error(t, err)

	_, err = node.log.Record(ctx, db, "employees", "1", changelog.OpInsert, "not an employee")
	assert.Error(t, err)
}

func TestEventsSinceIsOrderedAndRestartable(t *testing.T) {
	node := newTestNode(t, "node-a", time.Now())
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		node.write(t, employee{ID: i, Name: "e", BusinessID: 1})
	}

	first, err := node.log.EventsSince(ctx, 0, 3, "")
	require.NoError(t, err)
	require.Len(t, first.Events, 3)
	assert.True(t, first.More)
	assert.Equal(t, int64(3), first.Through)
	for i, ev := range first.Events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Less(t, first.Events[0].OccurredAt, first.Events[1].OccurredAt)

	again, err := node.log.EventsSince(ctx, 0, 3, "")
	require.NoError(t, err)
	assert.Equal(t, first.Events, again.Events)

	rest, err := node.log.EventsSince(ctx, first.Through, 3, "")
	require.NoError(t, err)
	assert.Len(t, rest.Events, 2)
	assert.False(t, rest.More)

	// Filtering by source still advances Through.
	filtered, err := node.log.EventsSince(ctx, 0, 10, "node-a")
	require.NoError(t, err)
	assert.Empty(t, filtered.Events)
	assert.Equal(t, int64(5), filtered.Through)
}

func TestLastWriterWinsConverges(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	a := newTestNode(t, "node-a", t1)
	b := newTestNode(t, "node-b", t2)

	a.write(t, employee{ID: 1, Name: "from A", BusinessID: 1})
	b.write(t, employee{ID: 1, Name: "from B", BusinessID: 1})

	eventsA := a.allEvents(t)
	eventsB := b.allEvents(t)

	outcomesOnB := b.applyAll(t, eventsA)
	outcomesOnA := a.applyAll(t, eventsB)

	assert.Equal(t, []conflict.Outcome{conflict.CurrentWins}, outcomesOnB)
	assert.Equal(t, []conflict.Outcome{conflict.IncomingWins}, outcomesOnA)

	nameA, _ := a.name(t, 1)
	nameB, _ := b.name(t, 1)
	assert.Equal(t, "from B", nameA)
	assert.Equal(t, "from B", nameB)
}

func TestTieBreakConvergesOnSmallerNodeID(t *testing.T) {
	same := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	a := newTestNode(t, "node-a", same)
	b := newTestNode(t, "node-b", same)

	a.write(t, employee{ID: 7, Name: "A", BusinessID: 1})
	b.write(t, employee{ID: 7, Name: "B", BusinessID: 1})

	// Apply in opposite orders on each side.
	a.applyAll(t, b.allEvents(t))
	b.applyAll(t, a.allEvents(t))

	nameA, _ := a.name(t, 7)
	nameB, _ := b.name(t, 7)
	assert.Equal(t, "A", nameA)
	assert.Equal(t, "A", nameB)
}

func TestApplyIsIdempotentAndRelays(t *testing.T) {
	a := newTestNode(t, "node-a", time.Now())
	b := newTestNode(t, "node-b", time.Now())

	a.write(t, employee{ID: 3, Name: "Cleo", BusinessID: 2})
	events := a.allEvents(t)

	first := b.applyAll(t, events)
	second := b.applyAll(t, events)
	assert.Equal(t, []conflict.Outcome{conflict.IncomingWins}, first)
	assert.Equal(t, []conflict.Outcome{conflict.Duplicate}, second)

	relayed := b.allEvents(t)
	require.Len(t, relayed, 1, "a winning remote event is relayed exactly once")
	assert.Equal(t, events[0].EventID, relayed[0].EventID)
	assert.Equal(t, "node-a", relayed[0].SourceNodeID)
	assert.Equal(t, events[0].OccurredAt, relayed[0].OccurredAt)

	// Events from ourselves coming back are ignored.
	back := a.applyAll(t, relayed)
	assert.Equal(t, []conflict.Outcome{conflict.Duplicate}, back)
	assert.Len(t, a.allEvents(t), 1)
}

func TestDeleteIsHardAndNotResurrected(t *testing.T) {
	a := newTestNode(t, "node-a", time.Now())
	b := newTestNode(t, "node-b", time.Now().Add(time.Hour))
	ctx := context.Background()

	a.write(t, employee{ID: 9, Name: "Dan", BusinessID: 1})
	create := a.allEvents(t)
	b.applyAll(t, create)

	var del *changelog.ChangeEvent
	err := b.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM employees WHERE id = 9`); err != nil {
			return err
		}
		var err error
		del, err = b.log.Record(ctx, tx, "employees", "9", changelog.OpDelete, nil)
		return err
	})
	require.NoError(t, err)

	a.applyAll(t, []*changelog.ChangeEvent{del})
	_, found := a.name(t, 9)
	assert.False(t, found, "delete must remove the row")

	// Replaying the older create does not bring the row back.
	outcomes := a.applyAll(t, create)
	assert.Equal(t, []conflict.Outcome{conflict.Duplicate}, outcomes)
	b.applyAll(t, create)
	_, found = b.name(t, 9)
	assert.False(t, found)
}

func TestClockStaysAheadOfObservedEvents(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := changelog.NewClock(func() time.Time { return base })

	first := clock.Next()
	second := clock.Next()
	assert.Greater(t, second, first)

	future := base.Add(time.Hour).UnixMicro()
	clock.Observe(future)
	assert.Greater(t, clock.Next(), future)
}

func TestCompactRespectsAcknowledgements(t *testing.T) {
	node := newTestNode(t, "node-a", time.Now())
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		node.write(t, employee{ID: i, Name: "e", BusinessID: 1})
	}

	trusted := []string{"peer-1", "peer-2", "peer-3"}
	n, err := node.log.Compact(ctx, trusted)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "nothing is compacted before any peer acknowledges")

	require.NoError(t, node.db.AdvanceAcknowledged(ctx, node.db.GetDB(), "peer-1", 3, time.Now()))
	require.NoError(t, node.db.AdvanceAcknowledged(ctx, node.db.GetDB(), "peer-2", 2, time.Now()))

	n, err = node.log.Compact(ctx, trusted)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a trusted peer without a watermark holds back compaction")
	require.Len(t, node.allEvents(t), 4)

	n, err = node.log.Compact(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "nothing is compacted without trusted peers")

	// peer-3 is removed; a stale row for a removed peer must not count either
	require.NoError(t, node.db.AdvanceAcknowledged(ctx, node.db.GetDB(), "peer-9", 0, time.Now()))
	n, err = node.log.Compact(ctx, trusted[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rest := node.allEvents(t)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(3), rest[0].Seq)
}
