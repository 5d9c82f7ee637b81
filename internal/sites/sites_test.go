package sites

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sitepulse/internal/hours"
)

func TestConfigSourceSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	src := NewConfigSource([]hours.Site{{ID: "a", Rules: []hours.Rule{{Weekday: time.Monday, Open: "09:00", Close: "18:00", Enabled: true}}}})

	snap, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap[0].Rules[0].Open = "00:00"

	again, _ := src.Snapshot(context.Background())
	if again[0].Rules[0].Open != "09:00" {
		t.Fatalf("snapshot aliased source state: %+v", again[0].Rules[0])
	}

	src.Apply([]hours.Site{{ID: "b"}, {ID: "c"}})
	again, _ = src.Snapshot(context.Background())
	if len(again) != 2 || again[0].ID != "b" {
		t.Fatalf("after Apply: %+v", again)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Snapshot(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func newMockGorm(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return gdb, mock
}

func TestGormSourceSnapshot(t *testing.T) {
	t.Parallel()
	gdb, mock := newMockGorm(t)

	mock.ExpectQuery(`SELECT \* FROM "sites" WHERE active = \$1 ORDER BY id`).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "timezone", "active"}).
			AddRow("mx-1", "Mexico City", "America/Mexico_City", true).
			AddRow("no-hours", "Legacy", "", true))
	mock.ExpectQuery(`SELECT \* FROM "site_business_hours" WHERE "site_business_hours"."site_id" IN \(\$1,\$2\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "site_id", "weekday", "open_time", "close_time", "enabled", "timezone", "label"}).
			AddRow(1, "mx-1", 1, "09:00", "18:00", true, "", "").
			AddRow(2, "mx-1", 6, "10:00", "14:00", false, "", "sat"))

	sites, err := NewGormSource(gdb).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("sites = %+v", sites)
	}
	mx := sites[0]
	if mx.ID != "mx-1" || mx.Timezone != "America/Mexico_City" || len(mx.Rules) != 2 {
		t.Fatalf("mx = %+v", mx)
	}
	if r := mx.Rules[1]; r.Weekday != time.Saturday || r.Enabled || r.Label != "sat" {
		t.Fatalf("saturday rule = %+v", r)
	}
	if len(sites[1].Rules) != 0 {
		t.Fatalf("site without hours got rules: %+v", sites[1].Rules)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGormSourceSurfacesErrors(t *testing.T) {
	t.Parallel()
	gdb, mock := newMockGorm(t)
	mock.ExpectQuery(`SELECT \* FROM "sites"`).WillReturnError(context.DeadlineExceeded)

	if _, err := NewGormSource(gdb).Snapshot(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
