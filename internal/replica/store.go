package replica

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/hashing"
)

// Store applies and reads replicated rows through the shared database
type Store struct {
	db       *database.DB
	registry *Registry
}

// NewStore creates a row store
func NewStore(db *database.DB, registry *Registry) *Store {
	return &Store{db: db, registry: registry}
}

// Registry returns the table registry backing the store
func (s *Store) Registry() *Registry {
	return s.registry
}

// Upsert inserts row or overwrites the existing row with the same primary key.
// Columns not declared for the table are ignored.
func (s *Store) Upsert(ctx context.Context, q database.DBTX, table string, row Row) error {
	t, err := s.registry.Table(table)
	if err != nil {
		return err
	}
	if _, ok := row[t.PrimaryKey]; !ok {
		return fmt.Errorf("row for %s is missing primary key %s", table, t.PrimaryKey)
	}

	cols := make([]string, 0, len(t.Columns))
	args := make([]any, 0, len(t.Columns))
	for _, c := range t.Columns {
		if v, ok := row[c]; ok {
			cols = append(cols, c)
			args = append(args, v)
		}
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = database.QuoteIdent(c)
		placeholders[i] = "?"
		if c != t.PrimaryKey {
			updates = append(updates, quoted[i]+" = excluded."+quoted[i])
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		database.QuoteIdent(t.Name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
		database.QuoteIdent(t.PrimaryKey))
	if len(updates) == 0 {
		query += "DO NOTHING"
	} else {
		query += "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	if _, err := q.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to upsert %s row: %w", table, err)
	}
	return nil
}

// Delete hard-deletes a row. key is the typed primary key when known;
// otherwise recordID is compared against the key's text form.
func (s *Store) Delete(ctx context.Context, q database.DBTX, table, recordID string, key any) error {
	t, err := s.registry.Table(table)
	if err != nil {
		return err
	}

	var query string
	var arg any
	if key != nil {
		query = fmt.Sprintf("DELETE FROM %s WHERE %s = ?", database.QuoteIdent(t.Name), database.QuoteIdent(t.PrimaryKey))
		arg = key
	} else {
		query = fmt.Sprintf("DELETE FROM %s WHERE CAST(%s AS TEXT) = ?", database.QuoteIdent(t.Name), database.QuoteIdent(t.PrimaryKey))
		arg = recordID
	}

	if _, err := q.ExecContext(ctx, s.db.Rebind(query), arg); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", table, err)
	}
	return nil
}

// Export streams every exportable row of table in primary key order
func (s *Store) Export(ctx context.Context, q database.DBTX, t *Table, fn func(Row) error) error {
	quoted := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		quoted[i] = database.QuoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		strings.Join(quoted, ", "), database.QuoteIdent(t.Name), exclusionClause(t), database.QuoteIdent(t.PrimaryKey))

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", t.Name, err)
	}
	defer rows.Close()

	values := make([]any, len(t.Columns))
	ptrs := make([]any, len(t.Columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", t.Name, err)
		}
		row := make(Row, len(t.Columns))
		for i, c := range t.Columns {
			row[c] = NormalizeValue(values[i])
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// TableStats summarizes one table for snapshot verification
type TableStats struct {
	Table    string `json:"table"`
	Rows     int64  `json:"rows"`
	Checksum string `json:"checksum,omitempty"`
}

// Stats counts the exportable rows of t and, when withChecksum is set,
// hashes them in primary key order.
func (s *Store) Stats(ctx context.Context, q database.DBTX, t *Table, withChecksum bool) (*TableStats, error) {
	stats := &TableStats{Table: t.Name}
	if !withChecksum {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", database.QuoteIdent(t.Name), exclusionClause(t))
		if err := q.QueryRowContext(ctx, query).Scan(&stats.Rows); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.Name, err)
		}
		return stats, nil
	}

	hasher := hashing.NewHasher()
	err := s.Export(ctx, q, t, func(row Row) error {
		stats.Rows++
		return writeCanonical(hasher, t, row)
	})
	if err != nil {
		return nil, err
	}
	stats.Checksum = hex.EncodeToString(hasher.Sum(nil))
	return stats, nil
}

// TableReport compares one table between snapshot source and destination
type TableReport struct {
	Table            string `json:"table"`
	ExpectedRows     int64  `json:"expected_rows"`
	ActualRows       int64  `json:"actual_rows"`
	ExpectedChecksum string `json:"expected_checksum,omitempty"`
	ActualChecksum   string `json:"actual_checksum,omitempty"`
	Match            bool   `json:"match"`
}

// CompareStats builds a report for every table in expected. Checksums are
// compared only when both sides have one.
func CompareStats(expected, actual []TableStats) []TableReport {
	byTable := make(map[string]TableStats, len(actual))
	for _, a := range actual {
		byTable[a.Table] = a
	}

	reports := make([]TableReport, 0, len(expected))
	for _, e := range expected {
		a := byTable[e.Table]
		r := TableReport{
			Table:            e.Table,
			ExpectedRows:     e.Rows,
			ActualRows:       a.Rows,
			ExpectedChecksum: e.Checksum,
			ActualChecksum:   a.Checksum,
		}
		r.Match = r.ExpectedRows == r.ActualRows
		if e.Checksum != "" && a.Checksum != "" {
			r.Match = r.Match && e.Checksum == a.Checksum
		}
		reports = append(reports, r)
	}
	return reports
}

// ReportsMatch reports whether every table matched
func ReportsMatch(reports []TableReport) bool {
	for _, r := range reports {
		if !r.Match {
			return false
		}
	}
	return true
}

// ExcludedIDs returns a subquery yielding the text primary keys of rows
// that must not leave this node, or "" when t has no exclusion rule.
func ExcludedIDs(t *Table) string {
	if t.ExcludeWhere == "" {
		return ""
	}
	return fmt.Sprintf("SELECT CAST(%s AS TEXT) FROM %s WHERE %s",
		database.QuoteIdent(t.PrimaryKey), database.QuoteIdent(t.Name), t.ExcludeWhere)
}

// RecordID renders a primary key value as the record id used in the log
func RecordID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func exclusionClause(t *Table) string {
	if t.ExcludeWhere == "" {
		return ""
	}
	return " WHERE NOT COALESCE((" + t.ExcludeWhere + "), FALSE)"
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

// writeCanonical hashes a row as a JSON array in column order, with
// numbers rendered identically whether they were scanned or decoded.
func writeCanonical(w byteWriter, t *Table, row Row) error {
	vals := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		vals[i] = canonicalValue(row[c])
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func canonicalValue(v any) any {
	switch x := v.(type) {
	case int, int32, int64, uint32, uint64:
		return fmt.Sprint(x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprint(int64(x))
		}
		return fmt.Sprint(x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, 2*len(keys))
		for _, k := range keys {
			out = append(out, k, canonicalValue(x[k]))
		}
		return out
	default:
		return NormalizeValue(v)
	}
}
