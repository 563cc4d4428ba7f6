package master

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"x-ui-provisioner/internal/common"
	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/reconciler"
	"x-ui-provisioner/internal/repository"
	"x-ui-provisioner/internal/service"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CycleRunner is a background job that can also be triggered on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context) (reconciler.CycleResult, error)
}

// Deps are the collaborators the API calls into. Health, UsageSync and
// ExpirySweep are optional.
type Deps struct {
	DB          *gorm.DB
	Lifecycle   *service.ClientLifecycleService
	Panels      *service.PanelService
	Settings    *service.SettingService
	Health      *service.HealthMonitor
	UsageSync   CycleRunner
	ExpirySweep CycleRunner
	Callers     []*Caller
	RatePerMin  int
	Burst       int
}

type Server struct {
	Deps
	engine  *gin.Engine
	limiter *rateLimiter

	mu      sync.Mutex
	httpSrv *http.Server
}

func NewServer(deps Deps) *Server {
	if deps.RatePerMin <= 0 {
		deps.RatePerMin = 120
	}
	if deps.Burst <= 0 {
		deps.Burst = 60
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gzip.Gzip(gzip.DefaultCompression))

	s := &Server{
		Deps:    deps,
		engine:  engine,
		limiter: newRateLimiter(deps.RatePerMin, deps.Burst),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	logger.Infof("admin API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	authed := api.Group("", apiKeyAuth(s.Callers, s.limiter))
	{
		clients := authed.Group("/clients")
		clients.POST("", requireCapability(CapClientsCreate), s.handleCreateClient)
		clients.GET("/:id", requireCapability(CapClientsRead), s.handleGetClient)
		clients.GET("/:id/config", requireCapability(CapClientsRead), s.handleClientConfig)
		clients.PATCH("/:id/status", requireCapability(CapClientsManage), s.handleUpdateStatus)
		clients.POST("/:id/renew", requireCapability(CapClientsManage), s.handleRenew)
		clients.POST("/:id/reset-traffic", requireCapability(CapClientsManage), s.handleResetTraffic)
		clients.POST("/:id/sync", requireCapability(CapClientsManage), s.handleSyncUsage)
		clients.POST("/:id/location", requireCapability(CapClientsMigrate), s.handleChangeLocation)

		authed.GET("/users/:id/clients", requireCapability(CapClientsRead), s.handleUserClients)

		admin := authed.Group("/admin", requireCapability(CapAdmin))
		admin.GET("/dashboard", s.handleDashboard)
		admin.GET("/logs", s.handleLogs)
		admin.GET("/panels", s.handleListPanels)
		admin.POST("/panels", s.handleCreatePanel)
		admin.POST("/panels/check", s.handleCheckPanels)
		admin.PATCH("/panels/:id/active", s.handleSetPanelActive)
		admin.POST("/panels/:id/inbounds", s.handleAddInbound)
		admin.POST("/panels/:id/locations/:location_id", s.handleAttachLocation)
		admin.GET("/locations", s.handleListLocations)
		admin.POST("/locations", s.handleCreateLocation)
		admin.GET("/settings", s.handleListSettings)
		admin.PUT("/settings/:key", s.handleSetSetting)
		admin.POST("/jobs/usage-sync", s.handleRunJob(func() CycleRunner { return s.UsageSync }))
		admin.POST("/jobs/expiry-sweep", s.handleRunJob(func() CycleRunner { return s.ExpirySweep }))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}

// inTx runs fn in a request-scoped transaction, committing only when fn
// succeeds.
func (s *Server) inTx(c *gin.Context, fn func(ctx context.Context, tx *gorm.DB) (any, error)) {
	ctx := c.Request.Context()
	tx := s.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		s.respondError(c, tx.Error)
		return
	}
	obj, err := fn(ctx, tx)
	if err != nil {
		tx.Rollback()
		s.respondError(c, err)
		return
	}
	if err := tx.Commit().Error; err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, obj)
}

func (s *Server) defaultStrategy(ctx context.Context) string {
	if s.Settings == nil {
		return ""
	}
	v, _ := s.Settings.Get(ctx, service.SettingPanelSelection)
	return v
}

func (s *Server) handleCreateClient(c *gin.Context) {
	var payload CreateClientPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	sel, ok := selection(payload.Strategy, s.defaultStrategy(c.Request.Context()), payload.PanelID)
	if !ok {
		s.respondStatus(c, http.StatusBadRequest, "unknown strategy "+payload.Strategy)
		return
	}
	s.inTx(c, func(ctx context.Context, tx *gorm.DB) (any, error) {
		client, err := s.Lifecycle.CreateClient(ctx, tx, payload.UserID, payload.PlanID, payload.LocationID, payload.Protocol,
			service.CreateClientOptions{CustomName: payload.CustomName, Selection: sel})
		if err != nil {
			return nil, err
		}
		return clientResponse(client), nil
	})
}

func (s *Server) handleGetClient(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	client, err := repository.NewClientRepository(s.DB).GetClient(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, clientResponse(client))
}

func (s *Server) handleUserClients(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	clients, err := repository.NewClientRepository(s.DB).ClientsForUser(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]ClientResponse, 0, len(clients))
	for i := range clients {
		out = append(out, clientResponse(&clients[i]))
	}
	s.respondOK(c, out)
}

func (s *Server) handleClientConfig(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	// Read-only: no transaction.
	cfg, err := s.Lifecycle.GetClientConfig(ctx, s.DB.WithContext(ctx), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	switch strings.ToLower(c.DefaultQuery("format", "json")) {
	case "json":
		s.respondOK(c, cfg)
	case "clash":
		c.Data(http.StatusOK, "application/yaml", []byte(cfg.Clash))
	case "link":
		c.Data(http.StatusOK, "text/plain", []byte(cfg.ShareLink))
	default:
		s.respondStatus(c, http.StatusBadRequest, "unsupported format")
	}
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var payload UpdateStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	status, err := model.ParseClientStatus(strings.ToLower(payload.Status))
	if err != nil {
		s.respondStatus(c, http.StatusBadRequest, err.Error())
		return
	}
	s.inTx(c, func(ctx context.Context, tx *gorm.DB) (any, error) {
		client, err := s.Lifecycle.UpdateClientStatus(ctx, tx, id, status)
		if err != nil {
			return nil, err
		}
		return clientResponse(client), nil
	})
}

func (s *Server) handleRenew(c *gin.Context) {
	s.clientOp(c, s.Lifecycle.RenewClient)
}

func (s *Server) handleResetTraffic(c *gin.Context) {
	s.clientOp(c, s.Lifecycle.ResetClientTraffic)
}

func (s *Server) handleSyncUsage(c *gin.Context) {
	s.clientOp(c, s.Lifecycle.SyncClientUsage)
}

// clientOp runs a lifecycle operation that takes only the client id.
func (s *Server) clientOp(c *gin.Context, op func(ctx context.Context, tx *gorm.DB, id uint) (*model.ClientAccount, error)) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	s.inTx(c, func(ctx context.Context, tx *gorm.DB) (any, error) {
		client, err := op(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return clientResponse(client), nil
	})
}

func (s *Server) handleChangeLocation(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var payload ChangeLocationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	caller := CallerFrom(c)
	if payload.Force && !caller.Can(CapForceMigrate) {
		s.respondStatus(c, http.StatusForbidden, "caller lacks capability "+string(CapForceMigrate))
		return
	}
	sel, ok := selection(payload.Strategy, s.defaultStrategy(c.Request.Context()), payload.PanelID)
	if !ok {
		s.respondStatus(c, http.StatusBadRequest, "unknown strategy "+payload.Strategy)
		return
	}
	s.inTx(c, func(ctx context.Context, tx *gorm.DB) (any, error) {
		client, err := s.Lifecycle.ChangeLocation(ctx, tx, id, service.ChangeLocationRequest{
			NewLocationID: payload.LocationID,
			Reason:        payload.Reason,
			PerformedBy:   caller.Name,
			Force:         payload.Force,
			Selection:     sel,
		})
		if err != nil {
			return nil, err
		}
		return clientResponse(client), nil
	})
}

func (s *Server) handleDashboard(c *gin.Context) {
	metrics, err := s.Panels.GetDashboardMetrics(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, metrics)
}

func (s *Server) handleLogs(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count <= 0 {
		s.respondStatus(c, http.StatusBadRequest, "count must be a positive number")
		return
	}
	s.respondOK(c, logger.GetLogs(count, c.DefaultQuery("level", "info")))
}

func panelView(p *model.Panel) gin.H {
	locations := make([]gin.H, 0, len(p.Locations))
	for _, loc := range p.Locations {
		locations = append(locations, gin.H{"id": loc.ID, "name": loc.Name, "tag": loc.Tag})
	}
	inbounds := make([]gin.H, 0, len(p.Inbounds))
	for _, in := range p.Inbounds {
		inbounds = append(inbounds, gin.H{
			"id":        in.ID,
			"remote_id": in.RemoteID,
			"protocol":  in.Protocol,
			"port":      in.Port,
			"active":    in.IsActive,
		})
	}
	return gin.H{
		"id":         p.ID,
		"name":       p.Name,
		"base_url":   p.BaseURL,
		"host":       p.Host,
		"status":     p.Status,
		"is_active":  p.IsActive,
		"last_check": p.LastCheck,
		"locations":  locations,
		"inbounds":   inbounds,
	}
}

func (s *Server) handleListPanels(c *gin.Context) {
	panels, err := s.Panels.GetAllPanels(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(panels))
	for _, p := range panels {
		out = append(out, panelView(p))
	}
	s.respondOK(c, out)
}

func (s *Server) handleCreatePanel(c *gin.Context) {
	var payload PanelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	p := &model.Panel{
		Name:      payload.Name,
		BaseURL:   payload.BaseURL,
		APIKey:    payload.APIKey,
		SecretKey: payload.SecretKey,
		Host:      payload.Host,
		IsActive:  true,
	}
	if err := s.Panels.CreatePanel(ctx, p); err != nil {
		s.respondError(c, err)
		return
	}
	for _, locID := range payload.LocationIDs {
		if err := s.Panels.AttachLocation(ctx, p.ID, locID); err != nil {
			s.respondError(c, err)
			return
		}
	}
	created, err := s.Panels.GetPanel(ctx, p.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	view := panelView(created)
	if payload.SecretKey == "" {
		// Shown once so the operator can configure the panel.
		view["signing_secret"] = created.SecretKey
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": view})
}

func (s *Server) handleCheckPanels(c *gin.Context) {
	if s.Health == nil {
		s.respondStatus(c, http.StatusServiceUnavailable, "health monitor disabled")
		return
	}
	s.Health.CheckAll(c.Request.Context())
	s.handleListPanels(c)
}

func (s *Server) handleSetPanelActive(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var payload ActivePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if err := s.Panels.SetPanelActive(c.Request.Context(), id, payload.Active); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, gin.H{"id": id, "is_active": payload.Active})
}

func (s *Server) handleAddInbound(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	var payload InboundPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	in := &model.Inbound{
		PanelID:  id,
		RemoteID: payload.RemoteID,
		Protocol: strings.ToLower(payload.Protocol),
		Port:     payload.Port,
		Tag:      payload.Tag,
		Network:  payload.Network,
		Security: payload.Security,
		Path:     payload.Path,
		SNI:      payload.SNI,
		IsActive: true,
	}
	if err := s.Panels.AddInbound(c.Request.Context(), in); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"id": in.ID}})
}

func (s *Server) handleAttachLocation(c *gin.Context) {
	id, ok := s.idParam(c, "id")
	if !ok {
		return
	}
	locID, ok := s.idParam(c, "location_id")
	if !ok {
		return
	}
	if err := s.Panels.AttachLocation(c.Request.Context(), id, locID); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, gin.H{"panel_id": id, "location_id": locID})
}

func (s *Server) handleListLocations(c *gin.Context) {
	locations, err := s.Panels.GetAllLocations(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(locations))
	for _, loc := range locations {
		out = append(out, gin.H{
			"id":                    loc.ID,
			"name":                  loc.Name,
			"tag":                   loc.Tag,
			"prefix":                loc.Prefix,
			"use_new_remark_scheme": loc.UseNewRemarkScheme,
			"is_active":             loc.IsActive,
		})
	}
	s.respondOK(c, out)
}

func (s *Server) handleCreateLocation(c *gin.Context) {
	var payload LocationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	loc := &model.Location{
		Name:               payload.Name,
		Tag:                strings.ToLower(payload.Tag),
		Prefix:             payload.Prefix,
		UseNewRemarkScheme: payload.UseNewRemarkScheme,
		IsActive:           true,
	}
	if err := s.Panels.CreateLocation(c.Request.Context(), loc); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"id": loc.ID}})
}

func (s *Server) handleListSettings(c *gin.Context) {
	all, err := s.Settings.All(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondOK(c, all)
}

func (s *Server) handleSetSetting(c *gin.Context) {
	var payload SettingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	key := c.Param("key")
	if err := s.Settings.Set(c.Request.Context(), key, payload.Value); err != nil {
		s.respondError(c, err)
		return
	}
	logger.Infof("setting %s changed by %s", key, CallerFrom(c).Name)
	s.respondOK(c, gin.H{"key": key, "value": payload.Value})
}

func (s *Server) handleRunJob(job func() CycleRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		runner := job()
		if runner == nil {
			s.respondStatus(c, http.StatusServiceUnavailable, "job disabled")
			return
		}
		res, err := runner.RunCycle(c.Request.Context())
		if err != nil {
			s.respondError(c, err)
			return
		}
		s.respondOK(c, gin.H{"processed": res.Processed, "updated": res.Updated, "failed": res.Failed})
	}
}

func (s *Server) idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		s.respondStatus(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case common.IsNotFound(err):
		return http.StatusNotFound
	case common.IsConfiguration(err):
		return http.StatusConflict
	case common.IsInsufficientBalance(err):
		return http.StatusPaymentRequired
	case common.IsService(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) respondOK(c *gin.Context, obj any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": obj})
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	s.respondStatus(c, status, err.Error())
}

func (s *Server) respondStatus(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}
