package panel

import (
	"context"
	"fmt"
	"sync"

	"x-ui-provisioner/internal/common"
	"x-ui-provisioner/internal/model"
)

// Dialer builds the vendor API client for a panel.
type Dialer func(p *model.Panel) (API, error)

type cachedAPI struct {
	fingerprint string
	api         API
}

// Gateway selects panels and forwards client operations to them. It never
// retries; a failed remote call is returned as a *common.ServiceError.
type Gateway struct {
	dial Dialer
	rr   *roundRobin

	mu    sync.Mutex
	cache map[uint]cachedAPI
}

func NewGateway(dial Dialer) *Gateway {
	return &Gateway{
		dial:  dial,
		rr:    newRoundRobin(),
		cache: make(map[uint]cachedAPI),
	}
}

// SelectPanelForLocation picks a panel serving locationID with an inbound
// for protocol, skipping excludePanelIDs.
func (g *Gateway) SelectPanelForLocation(ctx context.Context, src Candidates, locationID uint, protocol string, excludePanelIDs []uint, sel Selection) (*Choice, error) {
	panels, err := src.PanelsForLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}

	choices := eligible(panels, protocol, excludePanelIDs)
	if len(choices) == 0 {
		return nil, common.NewNotFound("available panel for location", locationID)
	}

	switch sel.Strategy {
	case StrategyExplicit:
		for i := range choices {
			if choices[i].Panel.ID == sel.PanelID {
				return &choices[i], nil
			}
		}
		return nil, common.NewNotFound("panel", sel.PanelID)

	case StrategyLeastLoaded:
		ids := make([]uint, len(choices))
		for i, c := range choices {
			ids[i] = c.Panel.ID
		}
		counts, err := src.ClientCounts(ctx, ids)
		if err != nil {
			return nil, err
		}
		best := 0
		for i := 1; i < len(choices); i++ {
			if counts[choices[i].Panel.ID] < counts[choices[best].Panel.ID] {
				best = i
			}
		}
		return &choices[best], nil

	case StrategyRoundRobin:
		return &choices[g.rr.next(locationID, len(choices))], nil
	}

	return nil, common.NewConfigurationError("unknown selection strategy %d", sel.Strategy)
}

func (g *Gateway) api(p *model.Panel) (API, error) {
	fp := fmt.Sprintf("%s|%s|%s", p.BaseURL, p.APIKey, p.SecretKey)

	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.cache[p.ID]; ok && c.fingerprint == fp {
		return c.api, nil
	}
	api, err := g.dial(p)
	if err != nil {
		return nil, common.NewConfigurationError("panel %d: %v", p.ID, err)
	}
	g.cache[p.ID] = cachedAPI{fingerprint: fp, api: api}
	return api, nil
}

func ref(in *model.Inbound, identifier string) ClientRef {
	return ClientRef{InboundID: in.RemoteID, Identifier: identifier, Protocol: in.Protocol}
}

func (g *Gateway) AddClientToPanel(ctx context.Context, p *model.Panel, in *model.Inbound, settings ClientSettings) (*CreatedClient, error) {
	api, err := g.api(p)
	if err != nil {
		return nil, err
	}
	created, err := api.AddClient(ctx, in.RemoteID, in.Protocol, settings)
	if err != nil {
		return nil, common.NewServiceError("panel.AddClient", fmt.Errorf("panel %d inbound %d: %w", p.ID, in.RemoteID, err))
	}
	if created == nil {
		created = &CreatedClient{}
	}
	return created, nil
}

func (g *Gateway) UpdateClientOnPanel(ctx context.Context, p *model.Panel, in *model.Inbound, identifier string, settings ClientSettings, opts UpdateOptions) error {
	api, err := g.api(p)
	if err != nil {
		return err
	}
	if err := api.UpdateClient(ctx, ref(in, identifier), settings, opts); err != nil {
		return common.NewServiceError("panel.UpdateClient", fmt.Errorf("panel %d client %s: %w", p.ID, identifier, err))
	}
	return nil
}

func (g *Gateway) ResetClientTrafficOnPanel(ctx context.Context, p *model.Panel, in *model.Inbound, identifier string) error {
	api, err := g.api(p)
	if err != nil {
		return err
	}
	if err := api.ResetClientTraffic(ctx, ref(in, identifier)); err != nil {
		return common.NewServiceError("panel.ResetClientTraffic", fmt.Errorf("panel %d client %s: %w", p.ID, identifier, err))
	}
	return nil
}

// DeleteClientFromPanel reports true once the panel confirmed deletion.
func (g *Gateway) DeleteClientFromPanel(ctx context.Context, p *model.Panel, in *model.Inbound, identifier string) (bool, error) {
	api, err := g.api(p)
	if err != nil {
		return false, err
	}
	if err := api.DeleteClient(ctx, ref(in, identifier)); err != nil {
		return false, common.NewServiceError("panel.DeleteClient", fmt.Errorf("panel %d client %s: %w", p.ID, identifier, err))
	}
	return true, nil
}

func (g *Gateway) GetClientUsageFromPanel(ctx context.Context, p *model.Panel, in *model.Inbound, identifier string) (*Usage, error) {
	api, err := g.api(p)
	if err != nil {
		return nil, err
	}
	usage, err := api.GetClientUsage(ctx, ref(in, identifier))
	if err != nil {
		return nil, common.NewServiceError("panel.GetClientUsage", fmt.Errorf("panel %d client %s: %w", p.ID, identifier, err))
	}
	if usage == nil {
		return nil, common.NewServiceErrorf("panel.GetClientUsage", "panel %d returned no usage for client %s", p.ID, identifier)
	}
	return usage, nil
}

func (g *Gateway) GetClientConfigFromPanel(ctx context.Context, p *model.Panel, in *model.Inbound, identifier string) (map[string]any, error) {
	api, err := g.api(p)
	if err != nil {
		return nil, err
	}
	cfg, err := api.GetClientConfig(ctx, ref(in, identifier))
	if err != nil {
		return nil, common.NewServiceError("panel.GetClientConfig", fmt.Errorf("panel %d client %s: %w", p.ID, identifier, err))
	}
	return cfg, nil
}

func (g *Gateway) Ping(ctx context.Context, p *model.Panel) error {
	api, err := g.api(p)
	if err != nil {
		return err
	}
	if err := api.Ping(ctx); err != nil {
		return common.NewServiceError("panel.Ping", err)
	}
	return nil
}
