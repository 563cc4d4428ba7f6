// Package paneltest provides an in-memory panel.API for tests.
package paneltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/panel"
)

// Client is the fake panel's view of one client.
type Client struct {
	InboundID int
	Protocol  string
	Settings  panel.ClientSettings
	Usage     panel.Usage
	Resets    int
}

// API records every call and keeps clients keyed by native identifier.
// Set a Fail* field to make the matching call return that error.
type API struct {
	mu sync.Mutex

	Clients map[string]*Client
	Calls   []string

	FailAdd    error
	FailUpdate error
	FailReset  error
	FailDelete error
	FailUsage  error
	FailConfig error
	FailPing   error

	// IdentifierPrefix makes AddClient issue "<prefix><uuid>" identifiers
	// instead of echoing the UUID.
	IdentifierPrefix string
	// OmitIdentifier makes AddClient succeed without an identifier.
	OmitIdentifier bool
}

func New() *API {
	return &API{Clients: map[string]*Client{}}
}

func (a *API) record(call string) {
	a.Calls = append(a.Calls, call)
}

func (a *API) AddClient(ctx context.Context, inboundID int, protocol string, settings panel.ClientSettings) (*panel.CreatedClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("add")
	if a.FailAdd != nil {
		return nil, a.FailAdd
	}
	id := a.IdentifierPrefix + settings.UUID
	for _, c := range a.Clients {
		if c.InboundID == inboundID && c.Settings.Email == settings.Email {
			return nil, fmt.Errorf("duplicate email %s", settings.Email)
		}
	}
	a.Clients[id] = &Client{InboundID: inboundID, Protocol: protocol, Settings: settings}
	if a.OmitIdentifier {
		return &panel.CreatedClient{}, nil
	}
	return &panel.CreatedClient{NativeIdentifier: id, SubscriptionURL: "https://sub.test/" + id}, nil
}

// UpdateClient applies settings and an optional reset as one request:
// FailReset rejects a resetting update before anything changes.
func (a *API) UpdateClient(ctx context.Context, ref panel.ClientRef, settings panel.ClientSettings, opts panel.UpdateOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("update")
	if a.FailUpdate != nil {
		return a.FailUpdate
	}
	if opts.ResetTraffic && a.FailReset != nil {
		return a.FailReset
	}
	c, ok := a.Clients[ref.Identifier]
	if !ok {
		return errors.New("client not found")
	}
	c.Settings = settings
	if opts.ResetTraffic {
		c.Usage = panel.Usage{}
		c.Resets++
	}
	return nil
}

func (a *API) ResetClientTraffic(ctx context.Context, ref panel.ClientRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("reset")
	if a.FailReset != nil {
		return a.FailReset
	}
	c, ok := a.Clients[ref.Identifier]
	if !ok {
		return errors.New("client not found")
	}
	c.Usage = panel.Usage{}
	c.Resets++
	return nil
}

func (a *API) DeleteClient(ctx context.Context, ref panel.ClientRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("delete")
	if a.FailDelete != nil {
		return a.FailDelete
	}
	delete(a.Clients, ref.Identifier)
	return nil
}

func (a *API) GetClientUsage(ctx context.Context, ref panel.ClientRef) (*panel.Usage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("usage")
	if a.FailUsage != nil {
		return nil, a.FailUsage
	}
	c, ok := a.Clients[ref.Identifier]
	if !ok {
		return nil, errors.New("client not found")
	}
	u := c.Usage
	return &u, nil
}

func (a *API) GetClientConfig(ctx context.Context, ref panel.ClientRef) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("config")
	if a.FailConfig != nil {
		return nil, a.FailConfig
	}
	c, ok := a.Clients[ref.Identifier]
	if !ok {
		return nil, errors.New("client not found")
	}
	return map[string]any{
		"uuid":     c.Settings.UUID,
		"email":    c.Settings.Email,
		"protocol": c.Protocol,
		"enable":   c.Settings.Enable,
	}, nil
}

func (a *API) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("ping")
	return a.FailPing
}

// Client returns a copy of the stored client, if present.
func (a *API) Client(identifier string) (Client, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.Clients[identifier]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// SetUsage overwrites the usage counters the panel reports for identifier.
func (a *API) SetUsage(identifier string, up, down int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.Clients[identifier]; ok {
		c.Usage = panel.Usage{Up: up, Down: down}
	}
}

func (a *API) CallCount(call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// Fleet hands out one fake API per panel ID.
type Fleet struct {
	mu   sync.Mutex
	apis map[uint]*API
}

func NewFleet() *Fleet {
	return &Fleet{apis: map[uint]*API{}}
}

// Panel returns the fake for panelID, creating it on first use.
func (f *Fleet) Panel(panelID uint) *API {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apis[panelID]
	if !ok {
		a = New()
		f.apis[panelID] = a
	}
	return a
}

func (f *Fleet) Dialer() panel.Dialer {
	return func(p *model.Panel) (panel.API, error) {
		return f.Panel(p.ID), nil
	}
}

// CallCount sums call across every panel in the fleet.
func (f *Fleet) CallCount(call string) int {
	f.mu.Lock()
	apis := make([]*API, 0, len(f.apis))
	for _, a := range f.apis {
		apis = append(apis, a)
	}
	f.mu.Unlock()

	n := 0
	for _, a := range apis {
		n += a.CallCount(call)
	}
	return n
}
