package master

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"x-ui-provisioner/internal/common"
	"x-ui-provisioner/internal/config"
	"x-ui-provisioner/internal/database/dbtest"
	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/panel"
	"x-ui-provisioner/internal/panel/paneltest"
	"x-ui-provisioner/internal/reconciler"
	"x-ui-provisioner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	adminKey = "admin-key"
	botKey   = "bot-key"
)

type apiEnv struct {
	db     *gorm.DB
	fx     *dbtest.Fixture
	fleet  *paneltest.Fleet
	server *Server
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := dbtest.Open(t)
	fx := dbtest.Seed(t, db)
	fleet := paneltest.NewFleet()
	gw := panel.NewGateway(fleet.Dialer())
	settings := service.NewSettingService(db, nil)
	lifecycle := service.NewClientLifecycleService(gw, settings, nil, nil)
	panels := service.NewPanelService(db)

	callers := NewCallers([]config.CallerConfig{
		{Name: "admin", APIKey: adminKey, Capabilities: []string{"*"}},
		{Name: "bot", APIKey: botKey, Capabilities: []string{"clients:read", "clients:create", "clients:manage", "clients:migrate"}},
	})
	server := NewServer(Deps{
		DB:          db,
		Lifecycle:   lifecycle,
		Panels:      panels,
		Settings:    settings,
		Health:      service.NewHealthMonitor(panels, gw, nil, ""),
		ExpirySweep: reconciler.NewExpirySweepJob(db, lifecycle, nil, ""),
		Callers:     callers,
	})
	return &apiEnv{db: db, fx: fx, fleet: fleet, server: server}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *apiEnv) do(t *testing.T, method, path, key string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (e *apiEnv) createClient(t *testing.T) ClientResponse {
	t.Helper()
	rec, env := e.do(t, http.MethodPost, "/api/clients", botKey, CreateClientPayload{
		UserID: e.fx.User.ID, PlanID: e.fx.Plan.ID, LocationID: e.fx.Location.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var c ClientResponse
	require.NoError(t, json.Unmarshal(env.Data, &c))
	return c
}

func TestHealthNeedsNoKey(t *testing.T) {
	e := newAPI(t)
	rec, _ := e.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAndCapabilities(t *testing.T) {
	e := newAPI(t)

	rec, _ := e.do(t, http.MethodGet, "/api/clients/1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/clients/1", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := e.do(t, http.MethodGet, "/api/admin/dashboard", botKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, env.Message, "admin")

	rec, _ = e.do(t, http.MethodGet, "/api/admin/dashboard", adminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateClientCommits(t *testing.T) {
	e := newAPI(t)
	c := e.createClient(t)
	assert.Equal(t, "DE-1", c.Remark)
	assert.Equal(t, model.ClientStatusActive, c.Status)

	var stored model.ClientAccount
	require.NoError(t, e.db.First(&stored, c.ID).Error)
	assert.NotEmpty(t, stored.NativeID())

	rec, env := e.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d/clients", e.fx.User.ID), botKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ClientResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)
}

func TestCreateClientFailureRollsBack(t *testing.T) {
	e := newAPI(t)
	e.fleet.Panel(e.fx.Panels[0].ID).FailAdd = errors.New("boom")

	rec, env := e.do(t, http.MethodPost, "/api/clients", botKey, CreateClientPayload{
		UserID: e.fx.User.ID, PlanID: e.fx.Plan.ID, LocationID: e.fx.Location.ID,
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, env.Success)

	var n int64
	require.NoError(t, e.db.Model(&model.ClientAccount{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestCreateClientValidation(t *testing.T) {
	e := newAPI(t)

	rec, _ := e.do(t, http.MethodPost, "/api/clients", botKey, map[string]any{"user_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/clients", botKey, CreateClientPayload{
		UserID: e.fx.User.ID, PlanID: e.fx.Plan.ID, LocationID: e.fx.Location.ID, Strategy: "random",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/clients", botKey, CreateClientPayload{
		UserID: e.fx.User.ID, PlanID: 404, LocationID: e.fx.Location.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateClientExplicitPanel(t *testing.T) {
	e := newAPI(t)
	target := e.fx.Panels[1].ID
	rec, env := e.do(t, http.MethodPost, "/api/clients", botKey, CreateClientPayload{
		UserID: e.fx.User.ID, PlanID: e.fx.Plan.ID, LocationID: e.fx.Location.ID, PanelID: target,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var c ClientResponse
	require.NoError(t, json.Unmarshal(env.Data, &c))
	assert.Equal(t, target, c.PanelID)
}

func TestStatusRenewResetAndSync(t *testing.T) {
	e := newAPI(t)
	c := e.createClient(t)
	base := fmt.Sprintf("/api/clients/%d", c.ID)

	rec, _ := e.do(t, http.MethodPatch, base+"/status", botKey, UpdateStatusPayload{Status: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := e.do(t, http.MethodPatch, base+"/status", botKey, UpdateStatusPayload{Status: "disabled_manual"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got ClientResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, model.ClientStatusDisabledManual, got.Status)

	rec, env = e.do(t, http.MethodPost, base+"/renew", botKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, model.ClientStatusActive, got.Status)
	assert.True(t, got.ExpireDate.After(c.ExpireDate))

	e.fleet.Panel(c.PanelID).SetUsage(got.ClientUUID, 10, 20)
	rec, env = e.do(t, http.MethodPost, base+"/sync", botKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, int64(30), got.UsedTrafficBytes)

	rec, env = e.do(t, http.MethodPost, base+"/reset-traffic", botKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Zero(t, got.UsedTrafficBytes)

	rec, _ = e.do(t, http.MethodPost, "/api/clients/999/renew", botKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/api/clients/abc/renew", botKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingNativeIdentifierMapsToConflict(t *testing.T) {
	e := newAPI(t)
	c := e.createClient(t)
	require.NoError(t, e.db.Model(&model.ClientAccount{}).Where("id = ?", c.ID).Update("panel_native_identifier", nil).Error)

	rec, _ := e.do(t, http.MethodPost, fmt.Sprintf("/api/clients/%d/renew", c.ID), botKey, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChangeLocationAndForce(t *testing.T) {
	e := newAPI(t)
	nl, nlPanel := dbtest.AddLocation(t, e.db, "nl", "vless")
	c := e.createClient(t)
	path := fmt.Sprintf("/api/clients/%d/location", c.ID)

	rec, _ := e.do(t, http.MethodPost, path, botKey, ChangeLocationPayload{LocationID: nl.ID, Force: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env := e.do(t, http.MethodPost, path, botKey, ChangeLocationPayload{LocationID: nl.ID, Reason: "speed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var moved ClientResponse
	require.NoError(t, json.Unmarshal(env.Data, &moved))
	assert.Equal(t, nlPanel.ID, moved.PanelID)
	require.Len(t, moved.MigrationHistory, 1)
	assert.Equal(t, "bot", moved.MigrationHistory[0].PerformedBy)

	require.NoError(t, e.server.Settings.Set(context.Background(), service.SettingMaxLocationChangesPerDay, "1"))
	rec, _ = e.do(t, http.MethodPost, path, botKey, ChangeLocationPayload{LocationID: e.fx.Location.ID})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, env = e.do(t, http.MethodPost, path, adminKey, ChangeLocationPayload{LocationID: e.fx.Location.ID, Force: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &moved))
	assert.Equal(t, 2, moved.MigrationCount)
}

func TestClientConfigFormats(t *testing.T) {
	e := newAPI(t)
	c := e.createClient(t)
	path := fmt.Sprintf("/api/clients/%d/config", c.ID)

	rec, env := e.do(t, http.MethodGet, path, botKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cfg service.ClientConfig
	require.NoError(t, json.Unmarshal(env.Data, &cfg))
	assert.Contains(t, cfg.ShareLink, "vless://")

	rec, _ = e.do(t, http.MethodGet, path+"?format=clash", botKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxies:")

	rec, _ = e.do(t, http.MethodGet, path+"?format=link", botKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vless://")

	rec, _ = e.do(t, http.MethodGet, path+"?format=pdf", botKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminPanelRegistry(t *testing.T) {
	e := newAPI(t)

	rec, env := e.do(t, http.MethodPost, "/api/admin/locations", adminKey, LocationPayload{Name: "Poland", Tag: "PL"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct{ ID uint }
	require.NoError(t, json.Unmarshal(env.Data, &created))
	locID := created.ID

	rec, _ = e.do(t, http.MethodPost, "/api/admin/panels", adminKey, PanelPayload{Name: "bad", BaseURL: "nope"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, env = e.do(t, http.MethodPost, "/api/admin/panels", adminKey, PanelPayload{
		Name: "pl-1", BaseURL: "https://pl.example.com", APIKey: "secret-key", LocationIDs: []uint{locID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret-key")
	var p struct {
		ID            uint
		SigningSecret string `json:"signing_secret"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Len(t, p.SigningSecret, 64)

	rec, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/admin/panels/%d/inbounds", p.ID), adminKey,
		InboundPayload{RemoteID: 1, Protocol: "VLESS", Port: 443})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = e.do(t, http.MethodPost, "/api/clients", botKey, CreateClientPayload{
		UserID: e.fx.User.ID, PlanID: e.fx.Plan.ID, LocationID: locID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/api/admin/panels/%d/active", p.ID), adminKey, ActivePayload{Active: false})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/api/clients", botKey, CreateClientPayload{
		UserID: e.fx.User.ID, PlanID: e.fx.Plan.ID, LocationID: locID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "inactive panel is not selectable")

	rec, env = e.do(t, http.MethodGet, "/api/admin/panels", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), p.SigningSecret, "secret is only shown on create")
	var panels []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &panels))
	assert.Len(t, panels, 3)

	rec, _ = e.do(t, http.MethodPost, "/api/admin/panels/check", adminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminSettingsLogsAndJobs(t *testing.T) {
	e := newAPI(t)

	rec, _ := e.do(t, http.MethodPut, "/api/admin/settings/"+service.SettingPanelSelection, adminKey, SettingPayload{Value: "least_loaded"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := e.do(t, http.MethodGet, "/api/admin/settings", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &settings))
	assert.Equal(t, "least_loaded", settings[service.SettingPanelSelection])

	rec, _ = e.do(t, http.MethodGet, "/api/admin/logs?count=10", adminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/api/admin/logs?count=-1", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c := e.createClient(t)
	require.NoError(t, e.db.Model(&model.ClientAccount{}).Where("id = ?", c.ID).Update("expire_date", time.Now().Add(-time.Hour)).Error)
	rec, env = e.do(t, http.MethodPost, "/api/admin/jobs/expiry-sweep", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 1, res["updated"])

	rec, _ = e.do(t, http.MethodPost, "/api/admin/jobs/usage-sync", adminKey, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimiterPerCaller(t *testing.T) {
	now := time.Unix(0, 0)
	l := newRateLimiter(60, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("bot"))
	assert.True(t, l.allow("bot"))
	assert.False(t, l.allow("bot"))
	assert.True(t, l.allow("admin"), "buckets are per caller")

	now = now.Add(time.Second)
	assert.True(t, l.allow("bot"), "one token per second at 60/min")
	assert.False(t, l.allow("bot"))
}

func TestStatusForTypedErrors(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("wrap: %w", common.NewNotFound("client", 1))))
	assert.Equal(t, http.StatusConflict, statusFor(common.NewConfigurationError("x")))
	assert.Equal(t, http.StatusBadGateway, statusFor(common.NewServiceError("op", errors.New("x"))))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}
