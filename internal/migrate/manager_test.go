package migrate

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/migrations"
)

func TestSplitStatementsKeepsDollarQuotedBodies(t *testing.T) {
	src := `create table t (v text default 'a;b');
create function f() returns trigger as $$
begin
    raise exception 'nope; really';
end;
$$ language plpgsql;
select 1`
	stmts := splitStatements(src)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[1], "end;\n$$ language plpgsql;") {
		t.Fatalf("function body was split: %q", stmts[1])
	}
}

func TestCollectSQLOrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("select 2;")},
		"0001_a.up.sql":   {Data: []byte("select 1;")},
		"0001_a.down.sql": {Data: []byte("select -1;")},
		"seeds/x.sql":     {Data: []byte("select 3;")},
	}
	files, err := collectSQL(fsys, ".", ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(files) != 2 || files[0].Base != "0001_a.up.sql" || files[1].Base != "0002_b.up.sql" {
		t.Fatalf("unexpected files %+v", files)
	}
	if missing, err := collectSQL(fsys, "nope", ".sql"); err != nil || missing != nil {
		t.Fatalf("missing dir should be empty, got %v %v", missing, err)
	}
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("create table a (id int);")},
		"0002_b.up.sql": {Data: []byte("create table b (id int); create index b_idx on b (id);")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))

	if err := NewManager(db, fsys, ".", "").Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmbeddedMigrationsHaveDownFiles(t *testing.T) {
	ups, err := collectSQL(migrations.FS, ".", ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("no embedded migrations")
	}
	downs, _ := collectSQL(migrations.FS, ".", ".down.sql")
	if len(downs) != len(ups) {
		t.Fatalf("expected a down file per migration, got %d up / %d down", len(ups), len(downs))
	}
	seeds, _ := collectSQL(migrations.FS, "seeds", ".sql")
	if len(seeds) == 0 {
		t.Fatalf("expected embedded seeds")
	}
}
