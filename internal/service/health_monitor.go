package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/notify"
	"x-ui-provisioner/internal/panel"

	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
)

const (
	defaultHealthSchedule = "@every 30s"
	pingTimeout           = 10 * time.Second
	degradedLatency       = 3 * time.Second
)

// HealthMonitor pings every active panel on a schedule and records whether
// it is online, degraded or offline. Selection skips offline panels.
type HealthMonitor struct {
	panelService *PanelService
	gateway      *panel.Gateway
	notifier     notify.Notifier
	schedule     string

	cron    *cron.Cron
	started atomic.Bool
	cycles  atomic.Uint64
}

func NewHealthMonitor(panelService *PanelService, gateway *panel.Gateway, notifier notify.Notifier, schedule string) *HealthMonitor {
	if schedule == "" {
		schedule = defaultHealthSchedule
	}
	return &HealthMonitor{
		panelService: panelService,
		gateway:      gateway,
		notifier:     notifier,
		schedule:     schedule,
	}
}

func (h *HealthMonitor) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}
	h.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := h.cron.AddJob(h.schedule, h); err != nil {
		h.started.Store(false)
		return fmt.Errorf("schedule health monitor %q: %w", h.schedule, err)
	}
	h.cron.Start()
	logger.Infof("panel health monitor started (%s)", h.schedule)
	return nil
}

// Stop waits for a running check to finish.
func (h *HealthMonitor) Stop() {
	if !h.started.CompareAndSwap(true, false) {
		return
	}
	<-h.cron.Stop().Done()
	logger.Info("panel health monitor stopped")
}

// Run implements cron.Job.
func (h *HealthMonitor) Run() {
	h.CheckAll(context.Background())
}

func (h *HealthMonitor) Cycles() uint64 {
	return h.cycles.Load()
}

func (h *HealthMonitor) CheckAll(ctx context.Context) {
	defer h.cycles.Inc()

	panels, err := h.panelService.ActivePanels(ctx)
	if err != nil {
		logger.Warningf("health monitor: failed to list panels: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, p := range panels {
		wg.Add(1)
		go func(p *model.Panel) {
			defer wg.Done()
			h.checkPanel(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (h *HealthMonitor) checkPanel(ctx context.Context, p *model.Panel) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := h.gateway.Ping(pingCtx, p)
	latency := time.Since(start)

	status := model.PanelStatusOnline
	switch {
	case err != nil:
		status = model.PanelStatusOffline
		logger.Warningf("panel %d (%s) health check failed: %v", p.ID, p.Name, err)
	case latency > degradedLatency:
		status = model.PanelStatusDegraded
	}

	if err := h.panelService.UpdatePanelStatus(ctx, p.ID, status); err != nil {
		logger.Warningf("health monitor: failed to store status for panel %d: %v", p.ID, err)
		return
	}

	if status == p.Status {
		return
	}
	switch {
	case status == model.PanelStatusOffline:
		notify.Send(ctx, h.notifier, notify.Message{
			Topic:     notify.Outages{},
			Text:      fmt.Sprintf("Panel %s (#%d) is offline: %v", p.Name, p.ID, err),
			DedupeKey: fmt.Sprintf("panel:%d:offline", p.ID),
			DedupeTTL: time.Hour,
		})
	case p.Status == model.PanelStatusOffline:
		notify.Send(ctx, h.notifier, notify.Message{
			Topic: notify.Outages{},
			Text:  fmt.Sprintf("Panel %s (#%d) is back %s after outage", p.Name, p.ID, status),
		})
	}
}
