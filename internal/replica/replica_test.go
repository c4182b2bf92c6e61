package replica_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/p2p-db-sync/dbsync/internal/config"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/replica"
)

type employee struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Tenant string `json:"tenant"`
}

func employees() replica.Table {
	return replica.Table{
		Name:         "employees",
		PrimaryKey:   "id",
		Columns:      []string{"name", "tenant"},
		ExcludeWhere: "tenant = 'demo'",
	}
}

func newStore(t *testing.T) (*database.DB, *replica.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "replica.db"), 0)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.GetDB().ExecContext(ctx,
		`CREATE TABLE employees (id INTEGER PRIMARY KEY, name TEXT NOT NULL, tenant TEXT NOT NULL)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	reg := replica.NewRegistry()
	if err := reg.Register(employees()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return db, replica.NewStore(db, reg)
}

func exported(t *testing.T, db *database.DB, s *replica.Store) []replica.Row {
	t.Helper()
	tbl, _ := s.Registry().Table("employees")
	var rows []replica.Row
	err := s.Export(context.Background(), db.GetDB(), tbl, func(r replica.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return rows
}

func TestRegistry(t *testing.T) {
	reg := replica.NewRegistry()
	if err := reg.Register(employees()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(employees()); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if err := reg.Register(replica.Table{Name: "empty", PrimaryKey: "id"}); err == nil {
		t.Error("Expected a table without columns to be rejected")
	}

	tbl, err := reg.Table("employees")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	if tbl.Columns[0] != "id" {
		t.Errorf("Expected primary key to be prepended to columns, got %v", tbl.Columns)
	}
	if _, ok := tbl.Codec.(replica.RowCodec); !ok {
		t.Errorf("Expected default RowCodec, got %T", tbl.Codec)
	}

	if _, err := reg.Table("payroll"); !errors.Is(err, replica.ErrUnknownTable) {
		t.Errorf("Expected ErrUnknownTable, got %v", err)
	}
	if err := reg.SetCodec("payroll", replica.RowCodec{}); !errors.Is(err, replica.ErrUnknownTable) {
		t.Errorf("Expected ErrUnknownTable from SetCodec, got %v", err)
	}
	if err := reg.SetCodec("employees", replica.JSONCodec[employee]{}); err != nil {
		t.Errorf("SetCodec failed: %v", err)
	}
}

func TestRegistryFromConfig(t *testing.T) {
	reg, err := replica.NewRegistryFromConfig(config.ReplicationConfig{Tables: []config.TableConfig{
		{Name: "products", PrimaryKey: "sku", Columns: []string{"sku", "title"}},
		{Name: "orders", PrimaryKey: "id", Columns: []string{"id", "sku"}},
	}})
	if err != nil {
		t.Fatalf("NewRegistryFromConfig failed: %v", err)
	}
	tables := reg.Tables()
	if len(tables) != 2 || tables[0].Name != "products" || tables[1].Name != "orders" {
		t.Errorf("Expected tables in configured order, got %+v", tables)
	}
}

func TestPayloadKeepsIntegers(t *testing.T) {
	data, err := replica.EncodePayload(replica.Row{"id": int64(9007199254740993), "price": 1.5, "name": "x"})
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	row, err := replica.DecodePayload(data)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if row["id"] != int64(9007199254740993) {
		t.Errorf("Expected exact int64 id, got %#v", row["id"])
	}
	if row["price"] != 1.5 {
		t.Errorf("Expected float price, got %#v", row["price"])
	}

	empty, err := replica.DecodePayload(nil)
	if err != nil || empty != nil {
		t.Errorf("Expected nil row for empty payload, got %v, %v", empty, err)
	}
}

func TestJSONCodec(t *testing.T) {
	var c replica.JSONCodec[employee]

	row, err := c.Encode(&employee{ID: 3, Name: "Ann", Tenant: "acme"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if row["id"] != int64(3) || row["name"] != "Ann" {
		t.Errorf("Unexpected row %v", row)
	}

	v, err := c.Decode(row)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if v.(employee).Name != "Ann" {
		t.Errorf("Unexpected value %+v", v)
	}

	if _, err := c.Encode("not an employee"); err == nil {
		t.Error("Expected encoding a foreign type to fail")
	}
}

func TestUpsertDeleteAndExport(t *testing.T) {
	db, s := newStore(t)
	ctx := context.Background()
	q := db.GetDB()

	for _, r := range []replica.Row{
		{"id": int64(2), "name": "Bob", "tenant": "acme"},
		{"id": int64(1), "name": "Ann", "tenant": "acme"},
		{"id": int64(3), "name": "Demo", "tenant": "demo"},
		{"id": int64(2), "name": "Robert", "tenant": "acme", "unknown": "ignored"},
	} {
		if err := s.Upsert(ctx, q, "employees", r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if err := s.Upsert(ctx, q, "employees", replica.Row{"name": "no key"}); err == nil {
		t.Error("Expected a row without primary key to be rejected")
	}

	rows := exported(t, db, s)
	if len(rows) != 2 {
		t.Fatalf("Expected demo row to be excluded, got %v", rows)
	}
	if rows[0]["id"] != int64(1) || rows[1]["name"] != "Robert" {
		t.Errorf("Expected rows in key order with the update applied, got %v", rows)
	}

	if err := s.Delete(ctx, q, "employees", "1", int64(1)); err != nil {
		t.Fatalf("Delete by key failed: %v", err)
	}
	if err := s.Delete(ctx, q, "employees", "2", nil); err != nil {
		t.Fatalf("Delete by record id failed: %v", err)
	}
	if rows := exported(t, db, s); len(rows) != 0 {
		t.Errorf("Expected no exportable rows, got %v", rows)
	}
}

func TestStatsChecksumIgnoresInsertOrder(t *testing.T) {
	ctx := context.Background()
	dbA, a := newStore(t)
	dbB, b := newStore(t)

	rows := []replica.Row{
		{"id": int64(1), "name": "Ann", "tenant": "acme"},
		{"id": int64(2), "name": "Bob", "tenant": "acme"},
		{"id": int64(3), "name": "Cy", "tenant": "acme"},
	}
	for i := range rows {
		a.Upsert(ctx, dbA.GetDB(), "employees", rows[i])
		b.Upsert(ctx, dbB.GetDB(), "employees", rows[len(rows)-1-i])
	}
	b.Upsert(ctx, dbB.GetDB(), "employees", replica.Row{"id": int64(4), "name": "Demo", "tenant": "demo"})

	tbl, _ := a.Registry().Table("employees")
	sa, err := a.Stats(ctx, dbA.GetDB(), tbl, true)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	sb, err := b.Stats(ctx, dbB.GetDB(), tbl, true)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if sa.Rows != 3 || sa.Checksum == "" || sa.Checksum != sb.Checksum {
		t.Errorf("Expected identical stats, got %+v and %+v", sa, sb)
	}

	counted, err := b.Stats(ctx, dbB.GetDB(), tbl, false)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if counted.Rows != 3 || counted.Checksum != "" {
		t.Errorf("Expected a plain count of 3, got %+v", counted)
	}

	b.Upsert(ctx, dbB.GetDB(), "employees", replica.Row{"id": int64(2), "name": "Bobby", "tenant": "acme"})
	sb, _ = b.Stats(ctx, dbB.GetDB(), tbl, true)
	reports := replica.CompareStats([]replica.TableStats{*sa}, []replica.TableStats{*sb})
	if replica.ReportsMatch(reports) {
		t.Errorf("Expected a changed row to fail verification, got %+v", reports)
	}
	if reports[0].ExpectedRows != reports[0].ActualRows {
		t.Errorf("Expected equal counts with differing checksums, got %+v", reports[0])
	}
}

func TestUpsertPostgresShape(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	db := database.Wrap(sqlDB, database.DialectPostgres)
	reg := replica.NewRegistry()
	reg.Register(employees())
	s := replica.NewStore(db, reg)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO "employees" ("id", "name", "tenant") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name", "tenant" = excluded."tenant"`)).
		WithArgs(int64(5), "Eve", "acme").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "employees" WHERE CAST("id" AS TEXT) = $1`)).
		WithArgs("5").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := s.Upsert(ctx, sqlDB, "employees", replica.Row{"id": int64(5), "name": "Eve", "tenant": "acme"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Delete(ctx, sqlDB, "employees", "5", nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
