package migration

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file: %s", name)
		}
	}

	if len(ups) == 0 {
		t.Fatal("expected at least one migration")
	}
	for name := range ups {
		if !downs[name] {
			t.Fatalf("missing down migration for %s", name)
		}
	}
}

func TestMigrationsDefineUniqueKeys(t *testing.T) {
	files := []string{
		"000001_create_orders.up.sql",
		"000002_create_entitlements.up.sql",
	}
	var sql string
	for _, name := range files {
		raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/"+name)
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		sql += string(raw)
	}
	for _, want := range []string{
		"UNIQUE KEY uq_orders_reference (reference)",
		"UNIQUE KEY uq_orders_correlation_id (correlation_id)",
		"UNIQUE KEY uq_entitlements_user_plan (user_id, plan_type)",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected migration to contain %q", want)
		}
	}
	if strings.Contains(sql, "UNIQUE KEY uq_entitlements_source_order") {
		t.Fatal("expected entitlements to be unique per user and plan, not per order")
	}
}

func TestUpRequiresDB(t *testing.T) {
	if err := Up(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}
