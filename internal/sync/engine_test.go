package sync_test

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
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/replica"
	dbsync "github.com/p2p-db-sync/dbsync/internal/sync"
)

type employee struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type staticPeers []discovery.PeerRecord

func (s staticPeers) HealthyPeers() []discovery.PeerRecord { return s }
func (s staticPeers) TrustedPeers() []discovery.PeerRecord { return s }

type node struct {
	id     string
	db     *database.DB
	log    *changelog.Log
	engine *dbsync.Engine
	dialer *dbsync.InMemoryDialer
	now    time.Time
}

func newNode(t *testing.T, id string, now time.Time, batch int, peers ...string) *node {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, "sqlite", filepath.Join(t.TempDir(), id+".db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.GetDB().ExecContext(ctx, `CREATE TABLE employees (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	reg := replica.NewRegistry()
	require.NoError(t, reg.Register(replica.Table{
		Name:       "employees",
		PrimaryKey: "id",
		Columns:    []string{"id", "name"},
		Codec:      replica.JSONCodec[employee]{},
	}))

	n := &node{id: id, db: db, now: now}
	clock := changelog.NewClock(func() time.Time { return n.now })
	n.log = changelog.New(db, replica.NewStore(db, reg), id, changelog.Options{Clock: clock})
	require.NoError(t, n.log.Init(ctx))

	var records staticPeers
	for _, p := range peers {
		records = append(records, discovery.PeerRecord{NodeID: p, Status: discovery.StatusHealthy})
	}
	n.dialer = &dbsync.InMemoryDialer{LocalID: id, Engines: map[string]*dbsync.Engine{}, Down: map[string]bool{}}
	n.engine = dbsync.NewEngine(n.log, db, records, n.dialer, dbsync.Options{
		BatchSize:      batch,
		BackoffInitial: time.Hour,
		BackoffMax:     time.Hour,
	})
	return n
}

func link(nodes ...*node) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.dialer.Engines[b.id] = b.engine
			}
		}
	}
}

func (n *node) write(t *testing.T, e employee) {
	t.Helper()
	ctx := context.Background()
	err := n.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO employees (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
			e.ID, e.Name); err != nil {
			return err
		}
		_, err := n.log.Record(ctx, tx, "employees", replica.RecordID(e.ID), changelog.OpUpdate, e)
		return err
	})
	require.NoError(t, err)
}

func (n *node) names(t *testing.T) map[int64]string {
	t.Helper()
	rows, err := n.db.GetDB().Query(`SELECT id, name FROM employees ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var (
			id   int64
			name string
		)
		require.NoError(t, rows.Scan(&id, &name))
		out[id] = name
	}
	require.NoError(t, rows.Err())
	return out
}

func (n *node) watermark(t *testing.T, peer string) *database.Watermark {
	t.Helper()
	wm, err := n.db.GetWatermark(context.Background(), n.db.GetDB(), peer)
	require.NoError(t, err)
	return wm
}

func TestLaterWriteWinsOnBothNodes(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a := newNode(t, "node-a", t1, 100, "node-b")
	b := newNode(t, "node-b", t1.Add(time.Minute), 100, "node-a")
	link(a, b)

	a.write(t, employee{ID: 1, Name: "from-a"})
	b.write(t, employee{ID: 1, Name: "from-b"})

	require.NoError(t, a.engine.SyncPeer(context.Background(), "node-b"))

	assert.Equal(t, map[int64]string{1: "from-b"}, a.names(t))
	assert.Equal(t, map[int64]string{1: "from-b"}, b.names(t))
}

func TestExchangeMovesBothWatermarks(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a := newNode(t, "node-a", now, 2, "node-b")
	b := newNode(t, "node-b", now, 2, "node-a")
	link(a, b)

	for i := int64(1); i <= 5; i++ {
		a.write(t, employee{ID: i, Name: "a"})
		b.write(t, employee{ID: 100 + i, Name: "b"})
	}

	require.NoError(t, a.engine.SyncPeer(context.Background(), "node-b"))

	assert.Len(t, a.names(t), 10)
	assert.Len(t, b.names(t), 10)

	highA, err := a.log.HighWater(context.Background())
	require.NoError(t, err)
	highB, err := b.log.HighWater(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), a.watermark(t, "node-b").LastApplied)
	assert.Equal(t, highA, a.watermark(t, "node-b").LastAcknowledged)
	assert.Equal(t, highA, b.watermark(t, "node-a").LastApplied)

	// The second exchange only skips over A's own events relayed by B.
	require.NoError(t, a.engine.SyncPeer(context.Background(), "node-b"))
	assert.Equal(t, highB, a.watermark(t, "node-b").LastApplied)
	assert.GreaterOrEqual(t, b.watermark(t, "node-a").LastAcknowledged, int64(5))
	assert.Len(t, a.names(t), 10)
}

func TestUnreachablePeerKeepsWatermarkAndRetries(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a := newNode(t, "node-a", now, 100, "node-b")
	b := newNode(t, "node-b", now, 100, "node-a")
	link(a, b)

	for i := int64(1); i <= 4; i++ {
		b.write(t, employee{ID: i, Name: "b"})
	}

	a.dialer.Down["node-b"] = true
	err := a.engine.SyncPeer(context.Background(), "node-b")
	require.Error(t, err)
	assert.Equal(t, int64(0), a.watermark(t, "node-b").LastApplied)
	assert.Empty(t, a.names(t))

	statuses := a.engine.PeerStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].ConsecutiveFailures)
	assert.Equal(t, dbsync.StateIdle, statuses[0].State)
	assert.False(t, statuses[0].NextAttemptAt.IsZero())

	// The cycle honours the backoff window.
	delete(a.dialer.Down, "node-b")
	require.NoError(t, a.engine.RunCycle(context.Background()))
	assert.Empty(t, a.names(t))

	require.NoError(t, a.engine.SyncPeer(context.Background(), "node-b"))
	assert.Len(t, a.names(t), 4)
	assert.Equal(t, int64(4), a.watermark(t, "node-b").LastApplied)
	assert.Equal(t, 0, a.engine.PeerStatuses()[0].ConsecutiveFailures)

	// Every pulled event was relayed into the local log exactly once.
	batch, err := a.log.EventsSince(context.Background(), 0, 100, "")
	require.NoError(t, err)
	assert.Len(t, batch.Events, 4)
}

func TestLockedPeerIsSkipped(t *testing.T) {
	now := time.Now()
	a := newNode(t, "node-a", now, 100, "node-b")
	b := newNode(t, "node-b", now, 100, "node-a")
	link(a, b)
	b.write(t, employee{ID: 1, Name: "b"})

	err := a.db.AcquirePeerLock(context.Background(), a.db.GetDB(), &database.PeerLock{
		PeerNodeID:  "node-b",
		SessionID:   "session-1",
		OwnerNodeID: "node-a",
		AcquiredAt:  now,
		ExpiresAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, a.engine.SyncPeer(context.Background(), "node-b"))
	assert.Empty(t, a.names(t))
	assert.True(t, a.engine.PeerStatuses()[0].Locked)

	require.NoError(t, a.db.ReleasePeerLock(context.Background(), a.db.GetDB(), "node-b", "session-1"))
	require.NoError(t, a.engine.SyncPeer(context.Background(), "node-b"))
	assert.Len(t, a.names(t), 1)
}

func TestThreeNodesConvergeThroughRelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a := newNode(t, "node-a", now, 100, "node-b")
	b := newNode(t, "node-b", now, 100, "node-a", "node-c")
	c := newNode(t, "node-c", now, 100, "node-b")
	link(a, b, c)

	a.write(t, employee{ID: 1, Name: "a"})
	c.write(t, employee{ID: 2, Name: "c"})

	ctx := context.Background()
	require.NoError(t, b.engine.RunCycle(ctx))
	require.NoError(t, b.engine.RunCycle(ctx))

	want := map[int64]string{1: "a", 2: "c"}
	assert.Equal(t, want, a.names(t))
	assert.Equal(t, want, b.names(t))
	assert.Equal(t, want, c.names(t))
}

func TestLagsReportUnacknowledgedEvents(t *testing.T) {
	now := time.Now()
	a := newNode(t, "node-a", now, 100, "node-b")
	b := newNode(t, "node-b", now, 100, "node-a")
	link(a, b)

	b.write(t, employee{ID: 1, Name: "b"})
	require.NoError(t, a.engine.SyncPeer(context.Background(), "node-b"))
	a.write(t, employee{ID: 2, Name: "a"})
	a.write(t, employee{ID: 3, Name: "a"})

	lags, err := a.engine.Lags(context.Background())
	require.NoError(t, err)
	require.Len(t, lags, 1)
	assert.Equal(t, "node-b", lags[0].NodeID)
	assert.Equal(t, int64(2), lags[0].Behind)
	assert.Equal(t, int64(0), lags[0].Pending)

	b.write(t, employee{ID: 4, Name: "b"})
	lags, err = a.engine.Lags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), lags[0].Pending, "pending follows the last high-water mark the peer reported")
}
