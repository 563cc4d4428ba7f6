// Package panel is the engine's only way to reach remote panels. It selects
// a panel for a location and forwards create/update/delete/usage/config
// calls to a vendor API client.
package panel

import (
	"context"
)

// ClientSettings is the vendor-agnostic settings payload sent on create and
// update.
type ClientSettings struct {
	UUID              string `json:"uuid"`
	Email             string `json:"email"`
	Remark            string `json:"remark"`
	Enable            bool   `json:"enable"`
	TotalBytes        int64  `json:"totalBytes"`
	ExpiryEpochMillis int64  `json:"expiryEpochMillis"`
	Flow              string `json:"flow,omitempty"`
	LimitIP           int    `json:"limitIp"`
}

// ClientRef addresses an existing client on a panel.
type ClientRef struct {
	InboundID  int
	Identifier string
	Protocol   string
}

type CreatedClient struct {
	NativeIdentifier string
	SubscriptionURL  string
}

type Usage struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

func (u Usage) Total() int64 {
	return u.Up + u.Down
}

// UpdateOptions extends an update. ResetTraffic zeroes the usage counters
// in the same request, so the panel applies both or neither.
type UpdateOptions struct {
	ResetTraffic bool
}

// API is implemented once per panel vendor. Implementations do not retry.
type API interface {
	AddClient(ctx context.Context, inboundID int, protocol string, settings ClientSettings) (*CreatedClient, error)
	UpdateClient(ctx context.Context, ref ClientRef, settings ClientSettings, opts UpdateOptions) error
	ResetClientTraffic(ctx context.Context, ref ClientRef) error
	DeleteClient(ctx context.Context, ref ClientRef) error
	GetClientUsage(ctx context.Context, ref ClientRef) (*Usage, error)
	GetClientConfig(ctx context.Context, ref ClientRef) (map[string]any, error)
	Ping(ctx context.Context) error
}
