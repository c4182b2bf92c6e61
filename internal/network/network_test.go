package network_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/network"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
	"github.com/p2p-db-sync/dbsync/internal/node"
)

const testKey = "cluster-secret-0123456789"

// fakeLog serves a fixed log and records what it was asked
type fakeLog struct {
	events []*changelog.ChangeEvent
	pushed []*changelog.ChangeEvent
	asked  []string
}

func (f *fakeLog) ServeEventsRequest(ctx context.Context, peerID string, req *messages.EventsRequestMessage) (*messages.EventsResponseMessage, error) {
	f.asked = append(f.asked, peerID)
	resp := &messages.EventsResponseMessage{Through: req.Since, HighWater: int64(len(f.events))}
	for _, ev := range f.events {
		if ev.Seq <= req.Since || len(resp.Events) == req.Limit {
			continue
		}
		resp.Events = append(resp.Events, ev)
		resp.Through = ev.Seq
	}
	resp.More = resp.Through < resp.HighWater
	return resp, nil
}

func (f *fakeLog) ServeEventsPush(ctx context.Context, peerID string, push *messages.EventsPushMessage) (*messages.EventsAckMessage, error) {
	f.pushed = append(f.pushed, push.Events...)
	return &messages.EventsAckMessage{AppliedThrough: push.Through}, nil
}

func (f *fakeLog) HighWater(ctx context.Context) (int64, error) {
	return int64(len(f.events)), nil
}

type server struct {
	auth     *node.Registry
	db       *database.DB
	registry *discovery.Registry
	log      *fakeLog
	address  string
}

func startServer(t *testing.T, id string) *server {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, "sqlite", filepath.Join(t.TempDir(), id+".db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	auth, err := node.NewRegistry(&node.Identity{NodeID: id, Name: id + "-name"}, testKey)
	require.NoError(t, err)
	auth.SetAddress("192.0.2.10", 7420)

	fl := &fakeLog{}
	for i := int64(1); i <= 5; i++ {
		fl.events = append(fl.events, &changelog.ChangeEvent{
			Seq: i, EventID: fmt.Sprintf("ev-%d", i), SourceNodeID: id,
			TableName: "employees", RecordID: fmt.Sprint(i), Operation: changelog.OpInsert,
		})
	}

	registry := discovery.NewRegistry(nil, nil)
	h := network.NewHandler(ctx, auth, db, registry, network.HandlerOptions{ExchangeTimeout: 5 * time.Second})
	h.SetSyncHandler(fl)

	tr, err := transport.NewTransport("tcp", 0, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start(h))
	t.Cleanup(func() { tr.Stop() })

	return &server{auth: auth, db: db, registry: registry, log: fl, address: fmt.Sprintf("127.0.0.1:%d", tr.Port())}
}

func newClient(t *testing.T, id, key string) *network.Client {
	t.Helper()
	auth, err := node.NewRegistry(&node.Identity{NodeID: id, Name: id}, key)
	require.NoError(t, err)
	tr, err := transport.NewTransport("tcp", 0, nil)
	require.NoError(t, err)
	return network.NewClient(tr, auth, 5*time.Second, 10*time.Second, nil)
}

func TestProbeReturnsPeerIdentity(t *testing.T) {
	srv := startServer(t, "node-b")
	client := newClient(t, "node-a", testKey)

	rec, err := client.Probe(context.Background(), srv.address)
	require.NoError(t, err)
	assert.Equal(t, "node-b", rec.NodeID)
	assert.Equal(t, "node-b-name", rec.Name)
	assert.Equal(t, "127.0.0.1", rec.Address)
}

func TestOpenChecksExpectedPeer(t *testing.T) {
	srv := startServer(t, "node-b")
	client := newClient(t, "node-a", testKey)

	_, err := client.Open(context.Background(), srv.address, "node-z")
	assert.ErrorIs(t, err, network.ErrUnexpectedPeer)
	assert.False(t, network.IsTransient(err))
}

func TestWrongKeyIsUnauthenticated(t *testing.T) {
	srv := startServer(t, "node-b")
	client := newClient(t, "node-x", "another-secret-012345678")

	_, err := client.Open(context.Background(), srv.address, "")
	assert.ErrorIs(t, err, node.ErrUnauthenticated)
	assert.False(t, network.IsTransient(err))
}

func TestPullAndPushBatches(t *testing.T) {
	srv := startServer(t, "node-b")
	client := newClient(t, "node-a", testKey)
	ctx := context.Background()

	conn, err := client.Connect(ctx, discovery.PeerRecord{NodeID: "node-b", Address: "127.0.0.1", Port: port(t, srv.address)})
	require.NoError(t, err)
	defer conn.Close()

	pong, err := conn.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pong.HighWater)
	assert.Equal(t, "192.0.2.10", pong.Address)
	assert.Equal(t, 7420, pong.Port)

	resp, err := conn.RequestEvents(ctx, 0, 3)
	require.NoError(t, err)
	assert.Len(t, resp.Events, 3)
	assert.Equal(t, int64(3), resp.Through)
	assert.True(t, resp.More)

	resp, err = conn.RequestEvents(ctx, resp.Through, 3)
	require.NoError(t, err)
	assert.Len(t, resp.Events, 2)
	assert.False(t, resp.More)

	applied, err := conn.PushEvents(ctx, srv.log.events[:1], 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), applied)
	assert.Len(t, srv.log.pushed, 1)
	assert.Equal(t, []string{"node-a", "node-a"}, srv.log.asked)
}

func TestLockedPeerIsRefused(t *testing.T) {
	srv := startServer(t, "node-b")
	client := newClient(t, "node-a", testKey)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, srv.db.AcquirePeerLock(ctx, srv.db.GetDB(), &database.PeerLock{
		PeerNodeID:  "node-a",
		SessionID:   "session-1",
		OwnerNodeID: "node-b",
		AcquiredAt:  now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	conn, err := client.Connect(ctx, discovery.PeerRecord{NodeID: "node-b", Address: "127.0.0.1", Port: port(t, srv.address)})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.RequestEvents(ctx, 0, 10)
	assert.ErrorIs(t, err, network.ErrPeerLocked)
	assert.Empty(t, srv.log.asked)
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{err: network.ErrPeerLocked, code: messages.CodePeerLocked},
		{err: fmt.Errorf("wrapped: %w", network.ErrRestoreInProgress), code: messages.CodeRestoreInProgress},
		{err: fmt.Errorf("wrapped: %w", network.ErrSessionActive), code: messages.CodeSessionActive},
		{err: node.ErrUnauthenticated, code: messages.CodeUnauthenticated},
		{err: fmt.Errorf("disk full"), code: messages.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, network.ErrorCode(tt.err), tt.err.Error())
	}

	err := network.Translate(&transport.RemoteError{Code: messages.CodeRestoreInProgress, Message: "busy"})
	assert.ErrorIs(t, err, network.ErrRestoreInProgress)

	err = network.Translate(&transport.RemoteError{Code: messages.CodeSessionActive, Message: "busy"})
	assert.ErrorIs(t, err, network.ErrSessionActive)
}

func port(t *testing.T, address string) int {
	t.Helper()
	var p int
	_, err := fmt.Sscanf(address, "127.0.0.1:%d", &p)
	require.NoError(t, err)
	return p
}
