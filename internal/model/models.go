package model

import (
	"strings"
	"time"
)

type PanelStatus string

const (
	PanelStatusOnline   PanelStatus = "online"
	PanelStatusOffline  PanelStatus = "offline"
	PanelStatusDegraded PanelStatus = "degraded"
)

// Panel is a remote proxy server management endpoint.
type Panel struct {
	ID        uint        `gorm:"primaryKey"`
	Name      string      `gorm:"size:255;not null"`
	BaseURL   string      `gorm:"size:500;not null"`
	APIKey    string      `gorm:"size:255"`
	SecretKey string      `gorm:"size:255"`
	Host      string      `gorm:"size:255"`
	Status    PanelStatus `gorm:"type:varchar(20);default:'online'"`
	IsActive  bool        `gorm:"default:true"`
	LastCheck *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	Locations []Location `gorm:"many2many:panel_locations"`
	Inbounds  []Inbound  `gorm:"foreignKey:PanelID"`
}

func (Panel) TableName() string {
	return "panels"
}

// Available reports whether the panel may receive new clients.
func (p *Panel) Available() bool {
	return p.IsActive && p.Status != PanelStatusOffline
}

type Location struct {
	ID     uint   `gorm:"primaryKey"`
	Name   string `gorm:"size:255;not null"`
	Tag    string `gorm:"size:50;not null"`
	Prefix string `gorm:"size:50"`
	// UseNewRemarkScheme is the stored default; the settings key
	// "location.<id>.remark_scheme" overrides it.
	UseNewRemarkScheme bool `gorm:"default:false"`
	IsActive           bool `gorm:"default:true"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Panels []Panel `gorm:"many2many:panel_locations"`
}

func (Location) TableName() string {
	return "locations"
}

// RemarkPrefix is the legacy remark prefix, defaulting to the upper-cased tag.
func (l *Location) RemarkPrefix() string {
	if l.Prefix != "" {
		return l.Prefix
	}
	return strings.ToUpper(l.Tag)
}

// Inbound is a protocol+port listener on a panel.
type Inbound struct {
	ID uint `gorm:"primaryKey"`
	// RemoteID is the panel's own inbound id.
	RemoteID  int    `gorm:"not null"`
	PanelID   uint   `gorm:"index;not null"`
	Protocol  string `gorm:"size:20;not null"`
	Port      int    `gorm:"not null"`
	Tag       string `gorm:"size:100"`
	Network   string `gorm:"size:20"`
	Security  string `gorm:"size:20"`
	Path      string `gorm:"size:255"`
	SNI       string `gorm:"size:255"`
	IsActive  bool   `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Inbound) TableName() string {
	return "inbounds"
}

type Plan struct {
	ID           uint    `gorm:"primaryKey"`
	Name         string  `gorm:"size:255;not null"`
	DurationDays int     `gorm:"not null"`
	TrafficGB    float64 `gorm:"default:0"`
	Flow         string  `gorm:"size:50"`
	Protocol     string  `gorm:"size:20"`
	LimitIP      int     `gorm:"default:0"`
	IsTrial      bool    `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Plan) TableName() string {
	return "plans"
}

const bytesPerGB = 1024 * 1024 * 1024

// TrafficBytes is the plan allowance in bytes; zero means unlimited.
func (p *Plan) TrafficBytes() int64 {
	if p.TrafficGB <= 0 {
		return 0
	}
	return int64(p.TrafficGB * bytesPerGB)
}

func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

type User struct {
	ID         uint   `gorm:"primaryKey"`
	TelegramID int64  `gorm:"uniqueIndex"`
	Username   string `gorm:"size:255"`
	Balance    float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (User) TableName() string {
	return "users"
}

// ClientAccount is one provisioned VPN identity.
type ClientAccount struct {
	ID     uint `gorm:"primaryKey"`
	UserID uint `gorm:"index;not null"`

	ClientUUID            string  `gorm:"size:36;not null"`
	PanelNativeIdentifier *string `gorm:"size:255"`
	SubscriptionURL       string  `gorm:"size:512"`
	Email                 string  `gorm:"size:255;not null;uniqueIndex:idx_panel_email"`
	Remark                string  `gorm:"size:255;not null"`
	Protocol              string  `gorm:"size:20;not null"`

	PanelID    uint `gorm:"index;not null;uniqueIndex:idx_panel_email"`
	LocationID uint `gorm:"index;not null"`
	InboundID  uint `gorm:"not null"`

	PlanID            uint `gorm:"index;not null"`
	TrafficLimitBytes int64
	UsedTrafficBytes  int64
	ExpireDate        time.Time `gorm:"index"`

	Status    ClientStatus `gorm:"type:varchar(20);index;default:'active'"`
	IsTrial   bool
	CreatedAt time.Time
	UpdatedAt time.Time

	PreviousPanelID    *uint
	MigrationCount     int
	MigrationHistory   MigrationHistory `gorm:"serializer:json;type:text"`
	OriginalRemark     string           `gorm:"size:255"`
	OriginalClientUUID string           `gorm:"size:36"`

	Panel    *Panel    `gorm:"foreignKey:PanelID"`
	Location *Location `gorm:"foreignKey:LocationID"`
	Inbound  *Inbound  `gorm:"foreignKey:InboundID"`
	Plan     *Plan     `gorm:"foreignKey:PlanID"`
}

func (ClientAccount) TableName() string {
	return "client_accounts"
}

// NativeID returns the panel-assigned identifier or "" when missing.
func (c *ClientAccount) NativeID() string {
	if c.PanelNativeIdentifier == nil {
		return ""
	}
	return *c.PanelNativeIdentifier
}

// TrafficExhausted reports whether a limited client used its whole
// allowance.
func (c *ClientAccount) TrafficExhausted() bool {
	return c.TrafficLimitBytes > 0 && c.UsedTrafficBytes >= c.TrafficLimitBytes
}

// RemarkSequence is the per-location counter used by the legacy remark
// scheme. LastValue is the most recently issued number.
type RemarkSequence struct {
	LocationID uint `gorm:"primaryKey;autoIncrement:false"`
	LastValue  int64
	UpdatedAt  time.Time
}

func (RemarkSequence) TableName() string {
	return "remark_sequences"
}

// Setting stores engine flags as key/value strings.
type Setting struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"size:255;uniqueIndex;not null"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (Setting) TableName() string {
	return "settings"
}
