// Package replica describes the host tables that are replicated between
// nodes and knows how to read and write their rows generically.
package replica

import (
	"errors"
	"fmt"
	"sync"

	"github.com/p2p-db-sync/dbsync/internal/config"
)

// ErrUnknownTable is returned for a table nobody registered
var ErrUnknownTable = errors.New("table is not registered for replication")

// Table describes one replicated host table
type Table struct {
	Name       string
	PrimaryKey string
	Columns    []string
	// ExcludeWhere is a SQL predicate over the table's columns. Matching rows
	// (demo or test tenants) are never exported in a snapshot.
	ExcludeWhere string
	Codec        Codec
}

func (t *Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Registry maps table names to their descriptors. Payloads in the change
// log are a tagged union keyed by table name; the registry holds the codec
// for every tag.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
	order  []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// NewRegistryFromConfig registers every configured table with a RowCodec
func NewRegistryFromConfig(cfg config.ReplicationConfig) (*Registry, error) {
	r := NewRegistry()
	for _, tc := range cfg.Tables {
		err := r.Register(Table{
			Name:         tc.Name,
			PrimaryKey:   tc.PrimaryKey,
			Columns:      tc.Columns,
			ExcludeWhere: tc.ExcludeWhere,
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a table. A nil codec defaults to RowCodec.
func (r *Registry) Register(t Table) error {
	if t.Name == "" || t.PrimaryKey == "" {
		return fmt.Errorf("table name and primary key are required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: at least one column is required", t.Name)
	}
	if !t.hasColumn(t.PrimaryKey) {
		t.Columns = append([]string{t.PrimaryKey}, t.Columns...)
	}
	if t.Codec == nil {
		t.Codec = RowCodec{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[t.Name]; exists {
		return fmt.Errorf("table %s already registered", t.Name)
	}
	r.tables[t.Name] = &t
	r.order = append(r.order, t.Name)
	return nil
}

// SetCodec replaces the codec of a registered table, letting the host
// attach typed codecs to tables declared in configuration.
func (r *Registry) SetCodec(table string, codec Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	t.Codec = codec
	return nil
}

// Table returns the descriptor for name
func (r *Registry) Table(name string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables returns all descriptors in registration order
func (r *Registry) Tables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Table, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name])
	}
	return out
}
