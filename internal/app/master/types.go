package master

import (
	"time"

	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/panel"
)

type CreateClientPayload struct {
	UserID     uint   `json:"user_id" binding:"required"`
	PlanID     uint   `json:"plan_id" binding:"required"`
	LocationID uint   `json:"location_id" binding:"required"`
	Protocol   string `json:"protocol"`
	CustomName string `json:"custom_name"`
	Strategy   string `json:"strategy"`
	PanelID    uint   `json:"panel_id"`
}

type UpdateStatusPayload struct {
	Status string `json:"status" binding:"required"`
}

type ChangeLocationPayload struct {
	LocationID uint   `json:"location_id" binding:"required"`
	Reason     string `json:"reason"`
	Force      bool   `json:"force"`
	Strategy   string `json:"strategy"`
	PanelID    uint   `json:"panel_id"`
}

type PanelPayload struct {
	Name        string `json:"name" binding:"required"`
	BaseURL     string `json:"base_url" binding:"required"`
	APIKey      string `json:"api_key"`
	SecretKey   string `json:"secret_key"`
	Host        string `json:"host"`
	LocationIDs []uint `json:"location_ids"`
}

type LocationPayload struct {
	Name               string `json:"name" binding:"required"`
	Tag                string `json:"tag" binding:"required"`
	Prefix             string `json:"prefix"`
	UseNewRemarkScheme bool   `json:"use_new_remark_scheme"`
}

type InboundPayload struct {
	RemoteID int    `json:"remote_id" binding:"required"`
	Protocol string `json:"protocol" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Tag      string `json:"tag"`
	Network  string `json:"network"`
	Security string `json:"security"`
	Path     string `json:"path"`
	SNI      string `json:"sni"`
}

type ActivePayload struct {
	Active bool `json:"active"`
}

type SettingPayload struct {
	Value string `json:"value"`
}

// ClientResponse is the external view of a client. The panel native id and
// credentials stay internal except for the client UUID the owner needs.
type ClientResponse struct {
	ID                uint                   `json:"id"`
	UserID            uint                   `json:"user_id"`
	ClientUUID        string                 `json:"client_uuid"`
	Remark            string                 `json:"remark"`
	Protocol          string                 `json:"protocol"`
	PanelID           uint                   `json:"panel_id"`
	LocationID        uint                   `json:"location_id"`
	PlanID            uint                   `json:"plan_id"`
	Status            model.ClientStatus     `json:"status"`
	TrafficLimitBytes int64                  `json:"traffic_limit_bytes"`
	UsedTrafficBytes  int64                  `json:"used_traffic_bytes"`
	ExpireDate        time.Time              `json:"expire_date"`
	SubscriptionURL   string                 `json:"subscription_url,omitempty"`
	IsTrial           bool                   `json:"is_trial"`
	MigrationCount    int                    `json:"migration_count"`
	MigrationHistory  model.MigrationHistory `json:"migration_history,omitempty"`
}

func clientResponse(c *model.ClientAccount) ClientResponse {
	return ClientResponse{
		ID:                c.ID,
		UserID:            c.UserID,
		ClientUUID:        c.ClientUUID,
		Remark:            c.Remark,
		Protocol:          c.Protocol,
		PanelID:           c.PanelID,
		LocationID:        c.LocationID,
		PlanID:            c.PlanID,
		Status:            c.Status,
		TrafficLimitBytes: c.TrafficLimitBytes,
		UsedTrafficBytes:  c.UsedTrafficBytes,
		ExpireDate:        c.ExpireDate,
		SubscriptionURL:   c.SubscriptionURL,
		IsTrial:           c.IsTrial,
		MigrationCount:    c.MigrationCount,
		MigrationHistory:  c.MigrationHistory,
	}
}

// selection resolves the request's strategy. A bare panel_id means an
// explicit pick; otherwise an empty strategy falls back to def.
func selection(strategy, def string, panelID uint) (panel.Selection, bool) {
	if strategy == "" {
		if panelID != 0 {
			return panel.Selection{Strategy: panel.StrategyExplicit, PanelID: panelID}, true
		}
		strategy = def
	}
	s, ok := panel.ParseStrategy(strategy)
	if !ok {
		return panel.Selection{}, false
	}
	return panel.Selection{Strategy: s, PanelID: panelID}, true
}
