package changelog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/observability"
	"github.com/p2p-db-sync/dbsync/internal/replica"
	"github.com/p2p-db-sync/dbsync/internal/sync/conflict"
)

// Log records local mutations and applies remote ones
type Log struct {
	db           *database.DB
	store        *replica.Store
	resolver     *conflict.Resolver
	clock        *Clock
	nodeID       string
	logger       *zap.Logger
	metrics      *observability.Metrics
	logConflicts bool
	now          func() time.Time
}

// Options tunes a Log
type Options struct {
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Clock        *Clock
	LogConflicts bool
}

// New creates a change log for nodeID
func New(db *database.DB, store *replica.Store, nodeID string, opts Options) *Log {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = NewClock(nil)
	}
	return &Log{
		db:           db,
		store:        store,
		resolver:     conflict.NewResolver(),
		clock:        opts.Clock,
		nodeID:       nodeID,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		logConflicts: opts.LogConflicts,
		now:          time.Now,
	}
}

// Init advances the clock past every timestamp already in the log
func (l *Log) Init(ctx context.Context) error {
	last, err := l.db.LastOccurredAt(ctx, l.db.GetDB())
	if err != nil {
		return err
	}
	l.clock.Observe(last)
	return nil
}

// NodeID returns the id stamped on locally recorded events
func (l *Log) NodeID() string {
	return l.nodeID
}

// Observe moves the local clock past a timestamp seen outside the event
// stream, such as a restored snapshot
func (l *Log) Observe(ts int64) {
	l.clock.Observe(ts)
}

// Store returns the row store used to apply events
func (l *Log) Store() *replica.Store {
	return l.store
}

// Record appends an event for a mutation the host made in tx. It must be
// called with the same transaction as the row write so both commit or
// roll back together.
func (l *Log) Record(ctx context.Context, tx database.DBTX, table, recordID string, op Operation, payload any) (*ChangeEvent, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if recordID == "" {
		return nil, fmt.Errorf("record id is required")
	}
	t, err := l.store.Registry().Table(table)
	if err != nil {
		return nil, err
	}

	var row replica.Row
	if payload != nil {
		row, err = t.Codec.Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", table, err)
		}
	}
	if op != OpDelete {
		pk, ok := row[t.PrimaryKey]
		if !ok {
			return nil, fmt.Errorf("%s payload is missing primary key %s", table, t.PrimaryKey)
		}
		if replica.RecordID(pk) != recordID {
			return nil, fmt.Errorf("%s payload key %v does not match record id %s", table, pk, recordID)
		}
	}

	data, err := replica.EncodePayload(row)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s payload: %w", table, err)
	}

	seq, err := l.db.NextSequence(ctx, tx)
	if err != nil {
		return nil, err
	}

	ev := &ChangeEvent{
		Seq:          seq,
		EventID:      uuid.NewString(),
		SourceNodeID: l.nodeID,
		TableName:    table,
		RecordID:     recordID,
		Operation:    op,
		Payload:      data,
		OccurredAt:   l.clock.Next(),
	}

	dbRow := ev.toRow()
	dbRow.RecordedAt = l.now()
	if err := l.db.InsertChangeEvent(ctx, tx, dbRow); err != nil {
		return nil, err
	}

	err = l.db.PutRecordVersion(ctx, tx, &database.RecordVersion{
		TableName:    table,
		RecordID:     recordID,
		OccurredAt:   ev.OccurredAt,
		SourceNodeID: l.nodeID,
		EventID:      ev.EventID,
		Deleted:      op == OpDelete,
	})
	if err != nil {
		return nil, err
	}

	observability.Add(l.metrics.EventsRecorded, 1)
	return ev, nil
}

// Batch is a contiguous slice of the log
type Batch struct {
	Events []*ChangeEvent
	// Through is the highest sequence scanned, including events that were
	// filtered out. Callers resume from here.
	Through int64
	More    bool
}

// EventsSince returns up to limit events with sequence greater than since,
// in ascending order, skipping events that originated at excludeSource.
// The same range can be requested again and yields the same events.
func (l *Log) EventsSince(ctx context.Context, since int64, limit int, excludeSource string) (*Batch, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := l.db.ChangeEventsSince(ctx, l.db.GetDB(), since, limit)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Through: since, More: len(rows) == limit}
	for _, r := range rows {
		batch.Through = r.Seq
		if excludeSource != "" && r.SourceNodeID == excludeSource {
			continue
		}
		batch.Events = append(batch.Events, fromRow(r))
	}
	return batch, nil
}

// HighWater returns the last sequence allocated in the local log
func (l *Log) HighWater(ctx context.Context) (int64, error) {
	return l.db.LogHighWater(ctx, l.db.GetDB())
}

// Apply applies a remote event inside tx using last-writer-wins. Winning
// events are appended to the local log with their original identity so
// they propagate to peers that do not talk to the source directly.
func (l *Log) Apply(ctx context.Context, tx database.DBTX, ev *ChangeEvent) (conflict.Outcome, error) {
	if err := ev.validate(); err != nil {
		return conflict.Duplicate, err
	}
	l.clock.Observe(ev.OccurredAt)

	if ev.SourceNodeID == l.nodeID {
		return conflict.Duplicate, nil
	}

	t, err := l.store.Registry().Table(ev.TableName)
	if err != nil {
		return conflict.Duplicate, err
	}
	row, err := replica.DecodePayload(ev.Payload)
	if err != nil {
		return conflict.Duplicate, fmt.Errorf("event %s: %w", ev.EventID, err)
	}

	incoming := conflict.Version{OccurredAt: ev.OccurredAt, SourceNodeID: ev.SourceNodeID, EventID: ev.EventID}
	outcome, err := l.ApplyVersion(ctx, tx, t, ev.RecordID, incoming, ev.Operation == OpDelete, row)
	if err != nil || outcome != conflict.IncomingWins {
		return outcome, err
	}

	seen, err := l.db.HasEvent(ctx, tx, ev.EventID)
	if err != nil {
		return outcome, err
	}
	if seen {
		return outcome, nil
	}

	seq, err := l.db.NextSequence(ctx, tx)
	if err != nil {
		return outcome, err
	}
	relayed := *ev
	relayed.Seq = seq
	dbRow := relayed.toRow()
	dbRow.RecordedAt = l.now()
	if err := l.db.InsertChangeEvent(ctx, tx, dbRow); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ApplyVersion writes row (or deletes the record) if incoming beats the
// record's current version, and stores incoming as the new version.
func (l *Log) ApplyVersion(ctx context.Context, tx database.DBTX, t *replica.Table, recordID string, incoming conflict.Version, deleted bool, row replica.Row) (conflict.Outcome, error) {
	current, err := l.db.GetRecordVersion(ctx, tx, t.Name, recordID)
	if err != nil {
		return conflict.Duplicate, err
	}

	var cur *conflict.Version
	if current != nil {
		cur = &conflict.Version{OccurredAt: current.OccurredAt, SourceNodeID: current.SourceNodeID, EventID: current.EventID}
	}

	outcome := l.resolver.Resolve(incoming, cur)
	switch outcome {
	case conflict.CurrentWins:
		l.reportConflict(t.Name, recordID, "remote write discarded", incoming, cur)
		return outcome, nil
	case conflict.Duplicate:
		return outcome, nil
	}

	if current != nil && current.SourceNodeID == l.nodeID && !current.Deleted {
		l.reportConflict(t.Name, recordID, "local write overwritten", incoming, cur)
	}

	if deleted {
		var key any
		if row != nil {
			key = row[t.PrimaryKey]
		}
		if err := l.store.Delete(ctx, tx, t.Name, recordID, key); err != nil {
			return outcome, err
		}
	} else {
		if row == nil {
			return outcome, fmt.Errorf("%s/%s: upsert without payload", t.Name, recordID)
		}
		if err := l.store.Upsert(ctx, tx, t.Name, row); err != nil {
			return outcome, err
		}
	}

	err = l.db.PutRecordVersion(ctx, tx, &database.RecordVersion{
		TableName:    t.Name,
		RecordID:     recordID,
		OccurredAt:   incoming.OccurredAt,
		SourceNodeID: incoming.SourceNodeID,
		EventID:      incoming.EventID,
		Deleted:      deleted,
	})
	return outcome, err
}

func (l *Log) reportConflict(table, recordID, verdict string, incoming conflict.Version, current *conflict.Version) {
	observability.Add(l.metrics.ConflictsResolved, 1, observability.Outcome(verdict))

	fields := []zap.Field{
		zap.String("table", table),
		zap.String("record_id", recordID),
		zap.String("incoming_source", incoming.SourceNodeID),
		zap.Int64("incoming_occurred_at", incoming.OccurredAt),
	}
	if current != nil {
		fields = append(fields,
			zap.String("current_source", current.SourceNodeID),
			zap.Int64("current_occurred_at", current.OccurredAt))
	}
	if l.logConflicts {
		l.logger.Info("Conflict resolved: "+verdict, fields...)
	} else {
		l.logger.Debug("Conflict resolved: "+verdict, fields...)
	}
}

// Compact deletes events every listed peer has acknowledged and returns the
// number deleted. A peer that never acknowledged holds back everything.
func (l *Log) Compact(ctx context.Context, peerNodeIDs []string) (int64, error) {
	through, err := l.db.AcknowledgedFloor(ctx, l.db.GetDB(), peerNodeIDs)
	if err != nil || through <= 0 {
		return 0, err
	}
	n, err := l.db.DeleteChangeEventsThrough(ctx, l.db.GetDB(), through)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("Compacted change log", zap.Int64("through", through), zap.Int64("deleted", n))
	}
	return n, nil
}
