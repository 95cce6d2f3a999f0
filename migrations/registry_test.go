package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	channels "github.com/goliatone/go-channels"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}
	found := map[string]bool{}
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", entry.Dialect)
		}
		found[entry.Dialect] = true
	}
	if !found[DialectPostgres] || !found[DialectSQLite] {
		t.Fatalf("expected both dialects, got %v", found)
	}
}

func TestFilesystems_RejectsUnpairedMigration(t *testing.T) {
	source := fstest.MapFS{
		"data/sql/migrations/00001_a.up.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00001_a.down.sql":      {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_a.up.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := Filesystems(source); err == nil || !strings.Contains(err.Error(), "00001_a.down.sql") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	reg, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		calls = append(calls, dialect+":"+label)
		return nil
	}, WithValidationTargets(" SQLite "), WithSourceLabel("channels-test"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != "sqlite:channels-test" {
		t.Fatalf("unexpected registration calls %v", calls)
	}
	if reg.SourceLabel != "channels-test" {
		t.Fatalf("unexpected source label %q", reg.SourceLabel)
	}
}

func TestRegister_RequiresFunction(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected error without register function")
	}
}

func TestDialectFor(t *testing.T) {
	cases := []struct {
		driver string
		want   string
	}{
		{driver: "postgres", want: DialectPostgres},
		{driver: "pq", want: DialectPostgres},
		{driver: "sqlite3", want: DialectSQLite},
	}
	for _, tc := range cases {
		got, err := DialectFor(tc.driver)
		if err != nil || got != tc.want {
			t.Fatalf("DialectFor(%q) = %q, %v", tc.driver, got, err)
		}
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestSQLiteMigrations_ApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file:migrations-channels?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(channels.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	ups, err := fs.Glob(sqliteMigrations, "*.up.sql")
	if err != nil {
		t.Fatalf("glob ups: %v", err)
	}
	for _, name := range ups {
		if err := execSQLMigration(ctx, db, sqliteMigrations, name); err != nil {
			t.Fatalf("apply %s: %v", name, err)
		}
	}
	for _, table := range Tables {
		if !tableExists(t, db, table) {
			t.Fatalf("expected table %s after up migrations", table)
		}
	}

	insert := `INSERT INTO channel_connections (id, user_id, channel, status, instance_name) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "conn_1", "user_1", "bridge", "pending", "agent_1"); err != nil {
		t.Fatalf("insert connection: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "conn_2", "user_1", "bridge", "pending", "agent_1"); err == nil {
		t.Fatalf("expected duplicate instance name to violate unique index")
	}

	receipt := `INSERT INTO channel_message_receipts (id, connection_id, event_key) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, receipt, "r_1", "conn_1", "msg:wamid.1"); err != nil {
		t.Fatalf("insert receipt: %v", err)
	}
	if _, err := db.ExecContext(ctx, receipt, "r_2", "conn_1", "msg:wamid.1"); err == nil {
		t.Fatalf("expected duplicate receipt to violate unique index")
	}

	for i := len(ups) - 1; i >= 0; i-- {
		down := strings.TrimSuffix(ups[i], ".up.sql") + ".down.sql"
		if err := execSQLMigration(ctx, db, sqliteMigrations, down); err != nil {
			t.Fatalf("rollback %s: %v", down, err)
		}
	}
	for _, table := range Tables {
		if tableExists(t, db, table) {
			t.Fatalf("expected table %s to be dropped", table)
		}
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, name string) error {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var count int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		table,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	return count == 1
}
