package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/p2p-db-sync/dbsync/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRebind(t *testing.T) {
	got := database.Rebind(database.DialectPostgres, "SELECT a FROM t WHERE b = ? AND c = ?")
	if got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("Unexpected rebind result: %s", got)
	}
	if database.Rebind(database.DialectSQLite, "x = ?") != "x = ?" {
		t.Errorf("SQLite queries must keep ? placeholders")
	}
}

func TestNextSequenceIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := db.NextSequence(ctx, db.GetDB())
		if err != nil {
			t.Fatalf("Failed to allocate sequence: %v", err)
		}
		if seq != last+1 {
			t.Errorf("Expected sequence %d, got %d", last+1, seq)
		}
		last = seq
	}

	high, err := db.LogHighWater(ctx, db.GetDB())
	if err != nil {
		t.Fatalf("Failed to read high water: %v", err)
	}
	if high != last {
		t.Errorf("Expected high water %d, got %d", last, high)
	}
}

func TestRolledBackSequenceIsReused(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	if _, err := db.NextSequence(ctx, tx); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	tx.Rollback()

	seq, err := db.NextSequence(ctx, db.GetDB())
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	if seq != 1 {
		t.Errorf("Expected rolled back sequence to be reused, got %d", seq)
	}
}

func TestWatermarkNeverDecreases(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for _, seq := range []int64{5, 3, 9, 9, 1} {
		if err := db.AdvanceApplied(ctx, db.GetDB(), "peer-a", seq, now); err != nil {
			t.Fatalf("Failed to advance: %v", err)
		}
	}
	if err := db.AdvanceAcknowledged(ctx, db.GetDB(), "peer-a", 4, now); err != nil {
		t.Fatalf("Failed to advance ack: %v", err)
	}
	if err := db.AdvanceAcknowledged(ctx, db.GetDB(), "peer-a", 2, now); err != nil {
		t.Fatalf("Failed to advance ack: %v", err)
	}

	w, err := db.GetWatermark(ctx, db.GetDB(), "peer-a")
	if err != nil {
		t.Fatalf("Failed to get watermark: %v", err)
	}
	if w.LastApplied != 9 {
		t.Errorf("Expected last applied 9, got %d", w.LastApplied)
	}
	if w.LastAcknowledged != 4 {
		t.Errorf("Expected last acknowledged 4, got %d", w.LastAcknowledged)
	}

	unknown, err := db.GetWatermark(ctx, db.GetDB(), "peer-b")
	if err != nil {
		t.Fatalf("Failed to get watermark: %v", err)
	}
	if unknown.LastApplied != 0 || unknown.LastAcknowledged != 0 {
		t.Errorf("Expected zero watermark for unknown peer, got %+v", unknown)
	}
}

func TestPeerLockExclusion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first := &database.PeerLock{PeerNodeID: "peer-a", SessionID: "s1", OwnerNodeID: "me", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := db.AcquirePeerLock(ctx, db.GetDB(), first); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	second := &database.PeerLock{PeerNodeID: "peer-a", SessionID: "s2", OwnerNodeID: "me", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := db.AcquirePeerLock(ctx, db.GetDB(), second); !errors.Is(err, database.ErrLockHeld) {
		t.Errorf("Expected ErrLockHeld, got %v", err)
	}

	locked, err := db.PeerLocked(ctx, db.GetDB(), "peer-a", now)
	if err != nil || !locked {
		t.Errorf("Expected peer to be locked, got %v (%v)", locked, err)
	}

	// An expired lock can be taken over.
	later := now.Add(2 * time.Minute)
	second.AcquiredAt = later
	second.ExpiresAt = later.Add(time.Minute)
	if err := db.AcquirePeerLock(ctx, db.GetDB(), second); err != nil {
		t.Errorf("Expected expired lock to be replaced, got %v", err)
	}

	if err := db.ReleasePeerLock(ctx, db.GetDB(), "peer-a", "s1"); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	l, _ := db.GetPeerLock(ctx, db.GetDB(), "peer-a")
	if l == nil || l.SessionID != "s2" {
		t.Errorf("Releasing a foreign session must not drop the lock, got %+v", l)
	}
}

func TestSessionsAndActiveLookup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := &database.SessionRecord{
		SessionID: "s1", Direction: "PULL", PeerNodeID: "peer-a", Status: "TRANSFERRING",
		StartedAt: now, UpdatedAt: now,
	}
	if err := db.InsertSession(ctx, db.GetDB(), s); err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}

	active, err := db.ActiveSessionForPeer(ctx, db.GetDB(), "peer-a")
	if err != nil || active == nil || active.SessionID != "s1" {
		t.Fatalf("Expected active session s1, got %+v (%v)", active, err)
	}

	s.Status = "COMPLETED"
	s.CompletedAt = &now
	s.BytesTransferred = 42
	if err := db.UpdateSession(ctx, db.GetDB(), s); err != nil {
		t.Fatalf("Failed to update session: %v", err)
	}

	active, err = db.ActiveSessionForPeer(ctx, db.GetDB(), "peer-a")
	if err != nil || active != nil {
		t.Errorf("Expected no active session, got %+v (%v)", active, err)
	}

	loaded, err := db.GetSession(ctx, db.GetDB(), "s1")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if loaded.BytesTransferred != 42 || loaded.CompletedAt == nil || !loaded.StartedAt.Equal(now) {
		t.Errorf("Unexpected session after reload: %+v", loaded)
	}

	if _, err := db.GetSession(ctx, db.GetDB(), "missing"); !errors.Is(err, database.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestPeerCache(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p := &database.PeerInfo{NodeID: "n1", Name: "office", Address: "10.0.0.2", Port: 7420, LastSeenAt: time.Now(), Source: "broadcast"}
	if err := db.UpsertPeer(ctx, db.GetDB(), p); err != nil {
		t.Fatalf("Failed to upsert peer: %v", err)
	}
	p.Address = "10.0.0.3"
	if err := db.UpsertPeer(ctx, db.GetDB(), p); err != nil {
		t.Fatalf("Failed to upsert peer: %v", err)
	}

	peers, err := db.ListPeers(ctx, db.GetDB())
	if err != nil {
		t.Fatalf("Failed to list peers: %v", err)
	}
	if len(peers) != 1 || peers[0].Address != "10.0.0.3" {
		t.Errorf("Expected one updated peer, got %+v", peers)
	}
}

func TestAdvanceAppliedPostgresShape(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	db := database.Wrap(sqlDB, database.DialectPostgres)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO sync_watermarks .* VALUES \(\$1, \$2, 0, \$3\) .*WHERE sync_watermarks.last_applied < excluded.last_applied`).
		WithArgs("peer-a", int64(7), now.UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := db.AdvanceApplied(context.Background(), sqlDB, "peer-a", 7, now); err != nil {
		t.Fatalf("AdvanceApplied failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAcquirePeerLockPostgresConflict(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	db := database.Wrap(sqlDB, database.DialectPostgres)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO sync_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = db.AcquirePeerLock(context.Background(), sqlDB, &database.PeerLock{
		PeerNodeID: "peer-a", SessionID: "s1", OwnerNodeID: "me", AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if !errors.Is(err, database.ErrLockHeld) {
		t.Errorf("Expected ErrLockHeld, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
