package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"x-ui-provisioner/internal/common"
	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/notify"
	"x-ui-provisioner/internal/panel"
	"x-ui-provisioner/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClientLifecycleService creates, renews, migrates and retires clients.
//
// Every method takes the caller's transaction and never commits it. A remote
// panel call always happens before the local mutation it pairs with, so a
// failed call leaves nothing worth committing.
type ClientLifecycleService struct {
	gateway  *panel.Gateway
	settings Settings
	remarks  *remarkGenerator
	notifier notify.Notifier

	now           func() time.Time
	newUUID       func() string
	notifyTimeout time.Duration
}

const defaultNotifyTimeout = 5 * time.Second

func NewClientLifecycleService(gateway *panel.Gateway, settings Settings, seq repository.SequenceAllocator, notifier notify.Notifier) *ClientLifecycleService {
	if settings == nil {
		settings = StaticSettings{}
	}
	if seq == nil {
		seq = repository.NewDBSequenceAllocator()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &ClientLifecycleService{
		gateway:       gateway,
		settings:      settings,
		remarks:       &remarkGenerator{settings: settings, seq: seq},
		notifier:      notifier,
		now:           time.Now,
		newUUID:       uuid.NewString,
		notifyTimeout: defaultNotifyTimeout,
	}
}

// CreateClientOptions are the optional inputs of CreateClient.
type CreateClientOptions struct {
	CustomName string
	Selection  panel.Selection
}

// CreateClient provisions a new client for user on a panel serving the
// location. The returned entity is flushed but not committed; on error the
// caller must roll back.
func (s *ClientLifecycleService) CreateClient(ctx context.Context, tx *gorm.DB, userID, planID, locationID uint, protocol string, opts CreateClientOptions) (*model.ClientAccount, error) {
	repo := repository.NewClientRepository(tx)

	location, err := repo.GetLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	plan, err := repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if protocol == "" {
		protocol = plan.Protocol
	}

	choice, err := s.gateway.SelectPanelForLocation(ctx, repo, location.ID, protocol, nil, opts.Selection)
	if err != nil {
		return nil, err
	}

	remark, err := s.remarks.generate(ctx, tx, user, location, choice.Panel.ID, opts.CustomName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	client := &model.ClientAccount{
		UserID:            user.ID,
		ClientUUID:        s.newUUID(),
		Email:             remark,
		Remark:            remark,
		Protocol:          choice.Inbound.Protocol,
		PanelID:           choice.Panel.ID,
		LocationID:        location.ID,
		InboundID:         choice.Inbound.ID,
		PlanID:            plan.ID,
		TrafficLimitBytes: plan.TrafficBytes(),
		ExpireDate:        now.Add(plan.Duration()),
		Status:            model.ClientStatusActive,
		IsTrial:           plan.IsTrial,
	}
	if err := repo.Create(ctx, client); err != nil {
		return nil, fmt.Errorf("persist provisional client: %w", err)
	}

	client.Panel = choice.Panel
	client.Inbound = choice.Inbound
	client.Location = location
	client.Plan = plan

	created, err := s.gateway.AddClientToPanel(ctx, choice.Panel, choice.Inbound, clientSettings(client, true))
	if err != nil {
		logger.Warningf("create client %s on panel %d failed: %v", remark, choice.Panel.ID, err)
		return nil, err
	}
	if created.NativeIdentifier == "" {
		logger.Errorf("panel %d accepted client %s without returning an identifier", choice.Panel.ID, remark)
		return nil, common.NewServiceErrorf("CreateClient", "panel %d returned no native identifier for %s", choice.Panel.ID, remark)
	}

	native := created.NativeIdentifier
	client.PanelNativeIdentifier = &native
	client.SubscriptionURL = created.SubscriptionURL
	if err := repo.Save(ctx, client); err != nil {
		return nil, fmt.Errorf("store panel identifier: %w", err)
	}

	logger.Infof("client %d (%s) created on panel %d for user %d", client.ID, remark, choice.Panel.ID, user.ID)
	return client, nil
}

// UpdateClientStatus pushes the enable flag for status to the panel and,
// only if that succeeds, stores the new status.
func (s *ClientLifecycleService) UpdateClientStatus(ctx context.Context, tx *gorm.DB, clientID uint, status model.ClientStatus) (*model.ClientAccount, error) {
	repo := repository.NewClientRepository(tx)
	client, err := repo.GetClientForUpdate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyStatus(ctx, client, status); err != nil {
		return nil, err
	}
	if err := repo.StoreStatus(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// ApplyStatus is the shared status-transition path. It makes the remote
// call and mutates client in memory; persisting is left to the caller. The
// client must have its panel and inbound loaded.
func (s *ClientLifecycleService) ApplyStatus(ctx context.Context, client *model.ClientAccount, status model.ClientStatus) error {
	if !status.Valid() {
		return common.NewConfigurationError("unknown client status %q", status)
	}
	if !model.CanTransition(client.Status, status) {
		return common.NewServiceErrorf("UpdateClientStatus", "client %d cannot move from %s to %s", client.ID, client.Status, status)
	}
	// Only renew and reset hand out new traffic.
	if status == model.ClientStatusActive && client.TrafficExhausted() {
		return common.NewServiceErrorf("UpdateClientStatus", "client %d has used its %d byte allowance; renew or reset traffic first",
			client.ID, client.TrafficLimitBytes)
	}
	if err := requireRemote(client); err != nil {
		return err
	}

	err := s.gateway.UpdateClientOnPanel(ctx, client.Panel, client.Inbound, client.NativeID(),
		clientSettings(client, status.Enabled()), panel.UpdateOptions{})
	if err != nil {
		return err
	}

	if client.Status != status {
		logger.Infof("client %d status %s -> %s", client.ID, client.Status, status)
	}
	client.Status = status
	return nil
}

// RenewClient extends expiry by the plan's current duration, resets the
// traffic limit to the plan's current allowance and zeroes usage, in one
// logical remote update.
func (s *ClientLifecycleService) RenewClient(ctx context.Context, tx *gorm.DB, clientID uint) (*model.ClientAccount, error) {
	repo := repository.NewClientRepository(tx)
	client, err := repo.GetClientForUpdate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := requireRemote(client); err != nil {
		return nil, err
	}
	plan, err := repo.GetPlan(ctx, client.PlanID)
	if err != nil {
		return nil, err
	}

	base := s.now()
	if client.ExpireDate.After(base) {
		base = client.ExpireDate
	}

	renewed := *client
	renewed.ExpireDate = base.Add(plan.Duration())
	renewed.TrafficLimitBytes = plan.TrafficBytes()
	renewed.UsedTrafficBytes = 0
	renewed.Status = model.ClientStatusActive
	renewed.Plan = plan

	err = s.gateway.UpdateClientOnPanel(ctx, client.Panel, client.Inbound, client.NativeID(),
		clientSettings(&renewed, true), panel.UpdateOptions{ResetTraffic: true})
	if err != nil {
		return nil, err
	}

	if err := repo.Save(ctx, &renewed); err != nil {
		return nil, err
	}
	logger.Infof("client %d renewed until %s", renewed.ID, renewed.ExpireDate.Format(time.RFC3339))
	return &renewed, nil
}

// ResetClientTraffic zeroes usage on the panel and locally. A client
// disabled for traffic is re-enabled by a second call whose failure only
// gets logged.
func (s *ClientLifecycleService) ResetClientTraffic(ctx context.Context, tx *gorm.DB, clientID uint) (*model.ClientAccount, error) {
	repo := repository.NewClientRepository(tx)
	client, err := repo.GetClientForUpdate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := requireRemote(client); err != nil {
		return nil, err
	}

	if err := s.gateway.ResetClientTrafficOnPanel(ctx, client.Panel, client.Inbound, client.NativeID()); err != nil {
		return nil, err
	}
	client.UsedTrafficBytes = 0

	if client.Status == model.ClientStatusDisabledTraffic {
		err := s.gateway.UpdateClientOnPanel(ctx, client.Panel, client.Inbound, client.NativeID(),
			clientSettings(client, true), panel.UpdateOptions{})
		if err != nil {
			logger.Warningf("client %d traffic reset but re-enable failed: %v", client.ID, err)
		} else {
			client.Status = model.ClientStatusActive
		}
	}

	if err := repo.Save(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// ChangeLocationRequest describes one migration.
type ChangeLocationRequest struct {
	NewLocationID uint
	Reason        string
	PerformedBy   string
	Force         bool
	Selection     panel.Selection
}

// ChangeLocation moves a client to a panel in another location, carrying
// over only its remaining entitlement. Deleting the old panel entry is best
// effort; a failure there leaves an orphan that is reported, not rolled
// back.
func (s *ClientLifecycleService) ChangeLocation(ctx context.Context, tx *gorm.DB, clientID uint, req ChangeLocationRequest) (*model.ClientAccount, error) {
	repo := repository.NewClientRepository(tx)
	client, err := repo.GetClientForUpdate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.LocationID == req.NewLocationID {
		return client, nil
	}

	target, err := repo.GetLocation(ctx, req.NewLocationID)
	if err != nil {
		return nil, err
	}
	if err := requireRemote(client); err != nil {
		return nil, err
	}

	now := s.now()
	if !req.Force {
		limit := intSetting(ctx, s.settings, SettingMaxLocationChangesPerDay, 3)
		if done := migrationsToday(client, now); limit > 0 && done >= limit {
			return nil, common.NewServiceErrorf("ChangeLocation", "client %d reached the daily limit of %d location changes", client.ID, limit)
		}
	}

	user, err := repo.GetUser(ctx, client.UserID)
	if err != nil {
		return nil, err
	}

	choice, err := s.gateway.SelectPanelForLocation(ctx, repo, target.ID, client.Protocol, []uint{client.PanelID}, req.Selection)
	if err != nil {
		return nil, err
	}

	entitlement := client.TrafficLimitBytes
	if entitlement == 0 && client.Plan != nil {
		entitlement = client.Plan.TrafficBytes()
	}
	remaining := entitlement - client.UsedTrafficBytes
	if remaining < 0 {
		remaining = 0
	}
	exhausted := entitlement > 0 && remaining == 0
	remainingDays := daysUntil(now, client.ExpireDate)

	remark, err := s.remarks.generate(ctx, tx, user, target, choice.Panel.ID, "")
	if err != nil {
		return nil, err
	}

	moved := *client
	moved.ClientUUID = s.newUUID()
	moved.Remark = remark
	moved.Email = remark
	moved.Protocol = choice.Inbound.Protocol
	moved.Panel = choice.Panel
	moved.Inbound = choice.Inbound
	moved.Location = target
	if exhausted {
		// Nothing left to carry: keep the old counters so the limit stays
		// reached, and park the client disabled until renewal.
		moved.TrafficLimitBytes = entitlement
		if moved.Status == model.ClientStatusActive {
			moved.Status = model.ClientStatusDisabledTraffic
		}
	} else {
		moved.TrafficLimitBytes = remaining
		moved.UsedTrafficBytes = 0
	}

	created, err := s.gateway.AddClientToPanel(ctx, choice.Panel, choice.Inbound, clientSettings(&moved, moved.Status.Enabled()))
	if err != nil {
		logger.Warningf("migration of client %d to panel %d aborted: %v", client.ID, choice.Panel.ID, err)
		return nil, err
	}
	if created.NativeIdentifier == "" {
		logger.Errorf("panel %d accepted migrated client %s without returning an identifier", choice.Panel.ID, remark)
		return nil, common.NewServiceErrorf("ChangeLocation", "panel %d returned no native identifier for %s", choice.Panel.ID, remark)
	}

	entry := model.MigrationEntry{
		Timestamp:      now.UTC(),
		FromPanelID:    client.PanelID,
		ToPanelID:      choice.Panel.ID,
		FromLocationID: client.LocationID,
		ToLocationID:   target.ID,
		Reason:         req.Reason,
		PerformedBy:    req.PerformedBy,
		Forced:         req.Force,
	}

	if _, err := s.gateway.DeleteClientFromPanel(ctx, client.Panel, client.Inbound, client.NativeID()); err != nil {
		entry.OrphanedIdentifier = client.NativeID()
		logger.Errorf("client %d migrated but old entry %s on panel %d needs manual cleanup: %v",
			client.ID, client.NativeID(), client.PanelID, err)
		// The caller's transaction is still open; do not let a slow
		// notifier hold it.
		nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
		notify.Send(nctx, s.notifier, notify.Message{
			Topic: notify.Manage{},
			Text: fmt.Sprintf("Orphaned client %s (%s) left on panel %s (#%d) after migrating client #%d: %v",
				client.NativeID(), client.Remark, client.Panel.Name, client.PanelID, client.ID, err),
			DedupeKey: "orphan:" + client.NativeID(),
			DedupeTTL: 24 * time.Hour,
		})
		cancel()
	}

	if client.MigrationCount == 0 {
		moved.OriginalRemark = client.Remark
		moved.OriginalClientUUID = client.ClientUUID
	}
	previous := client.PanelID
	native := created.NativeIdentifier
	moved.PreviousPanelID = &previous
	moved.PanelID = choice.Panel.ID
	moved.LocationID = target.ID
	moved.InboundID = choice.Inbound.ID
	moved.PanelNativeIdentifier = &native
	moved.SubscriptionURL = created.SubscriptionURL
	moved.MigrationCount = client.MigrationCount + 1
	moved.MigrationHistory = client.MigrationHistory.Append(entry)

	if err := repo.Save(ctx, &moved); err != nil {
		return nil, err
	}

	logger.Infof("client %d moved from panel %d/location %d to panel %d/location %d (%d bytes, %d days left)",
		moved.ID, previous, client.LocationID, moved.PanelID, moved.LocationID, remaining, remainingDays)
	return &moved, nil
}

// SyncClientUsage pulls usage from the panel and stores it when it grew.
func (s *ClientLifecycleService) SyncClientUsage(ctx context.Context, tx *gorm.DB, clientID uint) (*model.ClientAccount, error) {
	repo := repository.NewClientRepository(tx)
	client, err := repo.GetClientForUpdate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	changed, err := s.RefreshUsage(ctx, client)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := repo.StoreUsage(ctx, client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// RefreshUsage fetches usage for client and applies it in memory. It reports
// whether anything needs saving. Panel counters lower than the stored value
// are ignored. An ACTIVE client that reached its limit is disabled through
// ApplyStatus.
func (s *ClientLifecycleService) RefreshUsage(ctx context.Context, client *model.ClientAccount) (bool, error) {
	if err := requireRemote(client); err != nil {
		return false, err
	}
	usage, err := s.gateway.GetClientUsageFromPanel(ctx, client.Panel, client.Inbound, client.NativeID())
	if err != nil {
		return false, err
	}

	changed := false
	total := usage.Total()
	switch {
	case total > client.UsedTrafficBytes:
		client.UsedTrafficBytes = total
		changed = true
	case total < client.UsedTrafficBytes:
		logger.Debugf("client %d: panel reports %d bytes, below stored %d; keeping stored value",
			client.ID, total, client.UsedTrafficBytes)
	}

	if client.Status == model.ClientStatusActive && client.TrafficExhausted() {
		if err := s.ApplyStatus(ctx, client, model.ClientStatusDisabledTraffic); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// GetClientConfig returns the panel's config for the client together with
// a share link and Clash profile.
func (s *ClientLifecycleService) GetClientConfig(ctx context.Context, tx *gorm.DB, clientID uint) (*ClientConfig, error) {
	repo := repository.NewClientRepository(tx)
	client, err := repo.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := requireRemote(client); err != nil {
		return nil, err
	}
	remote, err := s.gateway.GetClientConfigFromPanel(ctx, client.Panel, client.Inbound, client.NativeID())
	if err != nil {
		return nil, err
	}
	return buildClientConfig(client, remote)
}

func requireRemote(client *model.ClientAccount) error {
	if client.NativeID() == "" {
		return common.NewConfigurationError("client %d has no panel identifier", client.ID)
	}
	if client.Panel == nil {
		return common.NewConfigurationError("client %d has no panel", client.ID)
	}
	if client.Inbound == nil {
		return common.NewConfigurationError("client %d has no inbound configured", client.ID)
	}
	return nil
}

func clientSettings(client *model.ClientAccount, enable bool) panel.ClientSettings {
	settings := panel.ClientSettings{
		UUID:              client.ClientUUID,
		Email:             client.Email,
		Remark:            client.Remark,
		Enable:            enable,
		TotalBytes:        client.TrafficLimitBytes,
		ExpiryEpochMillis: client.ExpireDate.UnixMilli(),
	}
	if client.Plan != nil {
		settings.Flow = client.Plan.Flow
		settings.LimitIP = client.Plan.LimitIP
	}
	return settings
}

// migrationsToday counts location changes since the start of the UTC day.
// Records migrated before history was kept have a count but no entries;
// those count as today.
func migrationsToday(client *model.ClientAccount, now time.Time) int {
	if len(client.MigrationHistory) == 0 {
		return client.MigrationCount
	}
	dayStart := now.UTC().Truncate(24 * time.Hour)
	return client.MigrationHistory.CountSince(dayStart)
}

func daysUntil(now, t time.Time) int {
	if !t.After(now) {
		return 0
	}
	return int(math.Ceil(t.Sub(now).Hours() / 24))
}
