// Package dbtest opens migrated SQLite databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"x-ui-provisioner/internal/config"
	"x-ui-provisioner/internal/database"
	"x-ui-provisioner/internal/model"

	"gorm.io/gorm"
)

// Open returns a migrated database in t.TempDir.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &config.Config{
		DBDriver: "sqlite",
		DBDSN:    filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "error",
	}
	db, err := database.Connect(cfg)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Fixture is a minimal topology: one user, one plan, one location served by
// two online panels with a vless inbound each.
type Fixture struct {
	User     model.User
	Plan     model.Plan
	Location model.Location
	Panels   []model.Panel
}

// Seed writes the default Fixture.
func Seed(t *testing.T, db *gorm.DB) *Fixture {
	t.Helper()
	f := &Fixture{
		User:     model.User{TelegramID: 1001, Username: "alice"},
		Plan:     model.Plan{Name: "30d-50GB", DurationDays: 30, TrafficGB: 50, Protocol: "vless", LimitIP: 2},
		Location: model.Location{Name: "Germany", Tag: "de", Prefix: "DE", IsActive: true},
	}
	must(t, db.Create(&f.User).Error)
	must(t, db.Create(&f.Plan).Error)
	must(t, db.Create(&f.Location).Error)

	for i := 1; i <= 2; i++ {
		p := model.Panel{
			Name:     "de-" + string(rune('0'+i)),
			BaseURL:  "http://panel.test",
			APIKey:   "key",
			Status:   model.PanelStatusOnline,
			IsActive: true,
			Inbounds: []model.Inbound{{RemoteID: i, Protocol: "vless", Port: 443, Network: "tcp", Security: "reality", IsActive: true}},
		}
		must(t, db.Create(&p).Error)
		must(t, db.Model(&p).Association("Locations").Append(&f.Location))
		f.Panels = append(f.Panels, p)
	}
	return f
}

// AddLocation creates a location served by one new online panel.
func AddLocation(t *testing.T, db *gorm.DB, tag string, protocols ...string) (model.Location, model.Panel) {
	t.Helper()
	loc := model.Location{Name: tag, Tag: tag, Prefix: tag, IsActive: true}
	must(t, db.Create(&loc).Error)

	p := model.Panel{Name: tag + "-1", BaseURL: "http://panel.test", Status: model.PanelStatusOnline, IsActive: true}
	for i, proto := range protocols {
		p.Inbounds = append(p.Inbounds, model.Inbound{RemoteID: i + 1, Protocol: proto, Port: 443, IsActive: true})
	}
	must(t, db.Create(&p).Error)
	must(t, db.Model(&p).Association("Locations").Append(&loc))
	return loc, p
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}
