package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/config"
	"github.com/p2p-db-sync/dbsync/internal/fullsync"
	"github.com/p2p-db-sync/dbsync/internal/monitoring"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/replica"
)

const testKey = "cluster-secret-0123456789"

func testConfig(t *testing.T, name string, peers ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.DataDir = filepath.Join(t.TempDir(), name)
	cfg.Node.Name = name
	cfg.Node.RegistrationKey = testKey
	cfg.Network.Port = 0
	cfg.Network.Protocol = "tcp"
	cfg.Network.AdvertiseAddress = "127.0.0.1"
	cfg.Network.Peers = peers
	cfg.Discovery.Mode = "static"
	cfg.Discovery.Interval = 1
	cfg.Sync.Interval = 1
	cfg.Sync.BackoffInitial = 1
	cfg.Sync.BackoffMax = 2
	cfg.FullSync.Verify = "checksums"
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.Replication.Tables = []config.TableConfig{{
		Name:         "employees",
		PrimaryKey:   "id",
		Columns:      []string{"id", "name", "tenant"},
		ExcludeWhere: "tenant = 'demo'",
	}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	ctx := context.Background()

	s, err := New(ctx, cfg, "", nil)
	require.NoError(t, err)
	_, err = s.DB().GetDB().ExecContext(ctx,
		`CREATE TABLE employees (id INTEGER PRIMARY KEY, name TEXT NOT NULL, tenant TEXT NOT NULL)`)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	})
	return s
}

func hire(t *testing.T, s *Service, id int64, name string) {
	t.Helper()
	ctx := context.Background()
	err := s.DB().WithTx(ctx, func(tx *sql.Tx) error {
		row := replica.Row{"id": id, "name": name, "tenant": "acme"}
		if err := s.ChangeLog().Store().Upsert(ctx, tx, "employees", row); err != nil {
			return err
		}
		_, err := s.ChangeLog().Record(ctx, tx, "employees", replica.RecordID(id), changelog.OpInsert, row)
		return err
	})
	require.NoError(t, err)
}

func employee(s *Service, id int64) string {
	var name string
	s.DB().GetDB().QueryRow(`SELECT name FROM employees WHERE id = ?`, id).Scan(&name)
	return name
}

func TestNodesDiscoverAndSync(t *testing.T) {
	a := startNode(t, testConfig(t, "alpha"))
	b := startNode(t, testConfig(t, "beta", fmt.Sprintf("127.0.0.1:%d", a.Port())))

	hire(t, a, 1, "ada")
	require.Eventually(t, func() bool { return employee(b, 1) == "ada" }, 15*time.Second, 100*time.Millisecond)

	hire(t, b, 2, "grace")
	require.Eventually(t, func() bool { return employee(a, 2) == "grace" }, 15*time.Second, 100*time.Millisecond)

	status, err := b.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "beta", status.Node.Name)
	assert.Equal(t, "tcp", status.Node.Protocol)
	require.Len(t, status.Peers, 1)
	assert.Equal(t, a.NodeID(), status.Peers[0].NodeID)
	assert.Equal(t, discovery.StatusHealthy, status.Peers[0].Status)
	require.NotNil(t, status.Peers[0].Exchange)
	require.NotNil(t, status.Peers[0].Lag)
}

func TestFullSyncThroughAdminAPI(t *testing.T) {
	a := startNode(t, testConfig(t, "alpha"))
	b := startNode(t, testConfig(t, "beta", fmt.Sprintf("127.0.0.1:%d", a.Port())))

	for i := int64(1); i <= 20; i++ {
		hire(t, a, i, fmt.Sprintf("employee %d", i))
	}
	b.PauseSync()

	client := monitoring.NewClient(b.AdminAddr())
	ctx := context.Background()
	require.Eventually(t, func() bool {
		status, err := client.Status(ctx)
		return err == nil && len(status.Peers) == 1
	}, 15*time.Second, 100*time.Millisecond)

	p, err := client.StartFullSync(ctx, a.NodeID(), fullsync.DirectionPull)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := client.Session(ctx, p.SessionID)
		return err == nil && got.Phase.Terminal()
	}, 30*time.Second, 100*time.Millisecond)

	got, err := client.Session(ctx, p.SessionID)
	require.NoError(t, err)
	assert.Equal(t, fullsync.StatusCompleted, got.Phase, got.Error)
	assert.Equal(t, int64(20), got.TotalRows)
	assert.Equal(t, "employee 20", employee(b, 20))

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.SyncPaused)
	assert.Empty(t, status.Sessions)

	require.NoError(t, client.SyncControl(ctx, "resume"))
	assert.False(t, b.engine.Paused())
}

func TestApplyConfigRotatesKeyAndPeers(t *testing.T) {
	s := startNode(t, testConfig(t, "alpha"))
	require.Zero(t, s.fullsync.BandwidthLimit())

	next := testConfig(t, "alpha", "127.0.0.1:1")
	next.Node.RegistrationKey = "rotated-secret-0123456789"
	next.FullSync.BandwidthLimit = 1 << 20
	s.applyConfig(next)

	assert.Equal(t, []string{"127.0.0.1:1"}, s.discovery.StaticPeers())
	assert.Equal(t, "rotated-secret-0123456789", s.cfg.Node.RegistrationKey)
	assert.Equal(t, int64(1<<20), s.cfg.FullSync.BandwidthLimit)
	assert.Equal(t, int64(1<<20), s.fullsync.BandwidthLimit(), "a limit set after an unlimited start takes effect")

	bad := testConfig(t, "alpha")
	bad.Node.RegistrationKey = ""
	s.applyConfig(bad)
	assert.Equal(t, "rotated-secret-0123456789", s.cfg.Node.RegistrationKey)
}

func TestIdentitySurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "alpha")
	ctx := context.Background()

	first, err := New(ctx, cfg, "", nil)
	require.NoError(t, err)
	id := first.NodeID()
	require.NoError(t, first.Stop(ctx))

	second, err := New(ctx, cfg, "", nil)
	require.NoError(t, err)
	defer second.Stop(ctx)
	assert.Equal(t, id, second.NodeID())
}
