package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"x-ui-provisioner/internal/common"
	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/security"

	"gorm.io/gorm"
)

// PanelService manages the panel registry: panels, the locations they serve
// and their inbounds.
type PanelService struct {
	db *gorm.DB
}

func NewPanelService(db *gorm.DB) *PanelService {
	return &PanelService{db: db}
}

// CreatePanel registers a panel. A panel without a signing secret gets a
// generated one; the operator copies it to the panel once.
func (s *PanelService) CreatePanel(ctx context.Context, p *model.Panel) error {
	if strings.TrimSpace(p.Name) == "" {
		return common.NewConfigurationError("panel name is required")
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return common.NewConfigurationError("panel base URL must be an absolute http(s) URL")
	}
	if p.Status == "" {
		p.Status = model.PanelStatusOnline
	}
	if p.SecretKey == "" {
		secret, err := security.GenerateSecret(32)
		if err != nil {
			return fmt.Errorf("generate signing secret: %w", err)
		}
		p.SecretKey = secret
	}
	return s.db.WithContext(ctx).Omit("Locations").Create(p).Error
}

func (s *PanelService) GetPanel(ctx context.Context, id uint) (*model.Panel, error) {
	var p model.Panel
	if err := s.db.WithContext(ctx).Preload("Inbounds").Preload("Locations").First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("panel", id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *PanelService) GetAllPanels(ctx context.Context) ([]*model.Panel, error) {
	var panels []*model.Panel
	if err := s.db.WithContext(ctx).Preload("Locations").Preload("Inbounds").Order("id").Find(&panels).Error; err != nil {
		return nil, err
	}
	return panels, nil
}

// ActivePanels returns panels that are administratively enabled.
func (s *PanelService) ActivePanels(ctx context.Context) ([]*model.Panel, error) {
	var panels []*model.Panel
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&panels).Error; err != nil {
		return nil, err
	}
	return panels, nil
}

func (s *PanelService) UpdatePanelStatus(ctx context.Context, panelID uint, status model.PanelStatus) error {
	return s.db.WithContext(ctx).Model(&model.Panel{}).Where("id = ?", panelID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_check": time.Now(),
		}).Error
}

func (s *PanelService) SetPanelActive(ctx context.Context, panelID uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&model.Panel{}).Where("id = ?", panelID).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.NewNotFound("panel", panelID)
	}
	return nil
}

func (s *PanelService) CreateLocation(ctx context.Context, loc *model.Location) error {
	if strings.TrimSpace(loc.Name) == "" || strings.TrimSpace(loc.Tag) == "" {
		return common.NewConfigurationError("location name and tag are required")
	}
	return s.db.WithContext(ctx).Omit("Panels").Create(loc).Error
}

func (s *PanelService) GetAllLocations(ctx context.Context) ([]*model.Location, error) {
	var locations []*model.Location
	if err := s.db.WithContext(ctx).Order("id").Find(&locations).Error; err != nil {
		return nil, err
	}
	return locations, nil
}

// AttachLocation makes panelID serve locationID.
func (s *PanelService) AttachLocation(ctx context.Context, panelID, locationID uint) error {
	var p model.Panel
	if err := s.db.WithContext(ctx).First(&p, panelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.NewNotFound("panel", panelID)
		}
		return err
	}
	var loc model.Location
	if err := s.db.WithContext(ctx).First(&loc, locationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.NewNotFound("location", locationID)
		}
		return err
	}
	return s.db.WithContext(ctx).Model(&p).Association("Locations").Append(&loc)
}

func (s *PanelService) AddInbound(ctx context.Context, in *model.Inbound) error {
	if in.PanelID == 0 || in.RemoteID == 0 {
		return common.NewConfigurationError("inbound panel and remote id are required")
	}
	if in.Protocol == "" || in.Port <= 0 {
		return common.NewConfigurationError("inbound protocol and port are required")
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Panel{}).Where("id = ?", in.PanelID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return common.NewNotFound("panel", in.PanelID)
	}
	return s.db.WithContext(ctx).Create(in).Error
}

type DashboardMetrics struct {
	TotalPanels     int64     `json:"total_panels"`
	OnlinePanels    int64     `json:"online_panels"`
	DegradedPanels  int64     `json:"degraded_panels"`
	OfflinePanels   int64     `json:"offline_panels"`
	ActiveClients   int64     `json:"active_clients"`
	ExpiredClients  int64     `json:"expired_clients"`
	DisabledClients int64     `json:"disabled_clients"`
	TrafficUsedGB   float64   `json:"traffic_used_gb"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *PanelService) GetDashboardMetrics(ctx context.Context) (*DashboardMetrics, error) {
	metrics := &DashboardMetrics{UpdatedAt: time.Now()}

	if err := s.db.WithContext(ctx).Model(&model.Panel{}).Count(&metrics.TotalPanels).Error; err != nil {
		return nil, err
	}

	panelCounts := []struct {
		status model.PanelStatus
		dst    *int64
	}{
		{model.PanelStatusOnline, &metrics.OnlinePanels},
		{model.PanelStatusDegraded, &metrics.DegradedPanels},
		{model.PanelStatusOffline, &metrics.OfflinePanels},
	}
	for _, pc := range panelCounts {
		if err := s.db.WithContext(ctx).
			Model(&model.Panel{}).
			Where("status = ?", pc.status).
			Count(pc.dst).Error; err != nil {
			return nil, err
		}
	}

	clientCounts := []struct {
		statuses []model.ClientStatus
		dst      *int64
	}{
		{[]model.ClientStatus{model.ClientStatusActive}, &metrics.ActiveClients},
		{[]model.ClientStatus{model.ClientStatusExpired}, &metrics.ExpiredClients},
		{[]model.ClientStatus{model.ClientStatusDisabledTraffic, model.ClientStatusDisabledManual}, &metrics.DisabledClients},
	}
	for _, cc := range clientCounts {
		if err := s.db.WithContext(ctx).
			Model(&model.ClientAccount{}).
			Where("status IN ?", cc.statuses).
			Count(cc.dst).Error; err != nil {
			return nil, err
		}
	}

	var trafficBytes sql.NullFloat64
	if err := s.db.WithContext(ctx).
		Model(&model.ClientAccount{}).
		Select("COALESCE(SUM(used_traffic_bytes), 0)").
		Scan(&trafficBytes).Error; err != nil {
		return nil, err
	}
	if trafficBytes.Valid {
		metrics.TrafficUsedGB = trafficBytes.Float64 / (1024 * 1024 * 1024)
	}

	return metrics, nil
}
