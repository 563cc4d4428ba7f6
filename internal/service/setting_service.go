package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SettingMaxLocationChangesPerDay = "max_location_changes_per_day"
	SettingPanelSelection           = "panel_selection_strategy"
)

var defaultSettings = map[string]string{
	SettingMaxLocationChangesPerDay: "3",
	SettingPanelSelection:           "round_robin",
}

// RemarkSchemeKey is the per-location flag selecting the remark scheme,
// "new" or "legacy".
func RemarkSchemeKey(locationID uint) string {
	return fmt.Sprintf("location.%d.remark_scheme", locationID)
}

// Settings is the engine's key/value flag source.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool)
}

// StaticSettings is a fixed map, used when no database overlay is wanted.
type StaticSettings map[string]string

func (s StaticSettings) Get(ctx context.Context, key string) (string, bool) {
	if v, ok := s[key]; ok {
		return v, true
	}
	v, ok := defaultSettings[key]
	return v, ok
}

// SettingService reads the settings table first, then file defaults, then
// built-in defaults.
type SettingService struct {
	db       *gorm.DB
	defaults map[string]string
}

func NewSettingService(db *gorm.DB, defaults map[string]string) *SettingService {
	return &SettingService{db: db, defaults: defaults}
}

func (s *SettingService) Get(ctx context.Context, key string) (string, bool) {
	var setting model.Setting
	err := s.db.WithContext(ctx).Where(&model.Setting{Key: key}).First(&setting).Error
	if err == nil {
		return setting.Value, true
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warningf("settings: failed to read %s: %v", key, err)
	}
	return s.fallback(key)
}

func (s *SettingService) fallback(key string) (string, bool) {
	if v, ok := s.defaults[key]; ok {
		return v, true
	}
	v, ok := defaultSettings[key]
	return v, ok
}

func (s *SettingService) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("setting key is required")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&model.Setting{Key: key, Value: value}).Error
}

// All returns the effective settings, stored values taking precedence.
func (s *SettingService) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(defaultSettings)+len(s.defaults))
	for k, v := range defaultSettings {
		out[k] = v
	}
	for k, v := range s.defaults {
		out[k] = v
	}

	var rows []model.Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

func intSetting(ctx context.Context, s Settings, key string, fallback int) int {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

// useNewRemarkScheme resolves the per-location flag, falling back to the
// location's stored default.
func useNewRemarkScheme(ctx context.Context, s Settings, loc *model.Location) bool {
	raw, ok := s.Get(ctx, RemarkSchemeKey(loc.ID))
	if !ok {
		return loc.UseNewRemarkScheme
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "true", "1":
		return true
	case "legacy", "false", "0":
		return false
	}
	return loc.UseNewRemarkScheme
}
