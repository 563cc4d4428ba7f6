// Package repository holds transaction-bound data access for the engine.
// Every repository wraps the *gorm.DB it is given; callers pass a
// transaction and own its commit.
package repository

import (
	"context"
	"errors"
	"time"

	"x-ui-provisioner/internal/common"
	"x-ui-provisioner/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ClientRepository struct {
	db *gorm.DB
}

func NewClientRepository(db *gorm.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

func (r *ClientRepository) DB() *gorm.DB {
	return r.db
}

func notFound(err error, entity string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.NewNotFound(entity, id)
	}
	return err
}

func (r *ClientRepository) withClientRelations(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Panel").
		Preload("Location").
		Preload("Inbound").
		Preload("Plan")
}

// GetClient loads a client with its panel, location, inbound and plan.
func (r *ClientRepository) GetClient(ctx context.Context, id uint) (*model.ClientAccount, error) {
	var client model.ClientAccount
	if err := r.withClientRelations(ctx).First(&client, id).Error; err != nil {
		return nil, notFound(err, "client", id)
	}
	return &client, nil
}

// GetClientForUpdate is GetClient holding a row lock until the transaction
// ends. Every read-modify-write of a client goes through it so a request and
// a background loop never both act on the same snapshot.
func (r *ClientRepository) GetClientForUpdate(ctx context.Context, id uint) (*model.ClientAccount, error) {
	var client model.ClientAccount
	err := r.withClientRelations(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&client, id).Error
	if err != nil {
		return nil, notFound(err, "client", id)
	}
	return &client, nil
}

func (r *ClientRepository) Create(ctx context.Context, client *model.ClientAccount) error {
	return r.db.WithContext(ctx).Omit("Panel", "Location", "Inbound", "Plan").Create(client).Error
}

// Save writes all client columns. Associations are never upserted through it.
func (r *ClientRepository) Save(ctx context.Context, client *model.ClientAccount) error {
	return r.db.WithContext(ctx).Omit("Panel", "Location", "Inbound", "Plan").Save(client).Error
}

// StoreUsage writes only the usage counter and status of client.
func (r *ClientRepository) StoreUsage(ctx context.Context, client *model.ClientAccount) error {
	return r.db.WithContext(ctx).Model(&model.ClientAccount{}).
		Where("id = ?", client.ID).
		Updates(map[string]any{
			"used_traffic_bytes": client.UsedTrafficBytes,
			"status":             client.Status,
		}).Error
}

// StoreStatus writes only the status of client.
func (r *ClientRepository) StoreStatus(ctx context.Context, client *model.ClientAccount) error {
	return r.db.WithContext(ctx).Model(&model.ClientAccount{}).
		Where("id = ?", client.ID).
		Update("status", client.Status).Error
}

func (r *ClientRepository) ClientsForUser(ctx context.Context, userID uint) ([]model.ClientAccount, error) {
	var clients []model.ClientAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id").
		Find(&clients).Error
	return clients, err
}

// ActiveClients returns every ACTIVE client with its panel and inbound.
func (r *ClientRepository) ActiveClients(ctx context.Context) ([]model.ClientAccount, error) {
	var clients []model.ClientAccount
	err := r.withClientRelations(ctx).
		Where("status = ?", model.ClientStatusActive).
		Order("id").
		Find(&clients).Error
	return clients, err
}

// ExpiredActiveClients returns ACTIVE clients whose expiry is before now.
func (r *ClientRepository) ExpiredActiveClients(ctx context.Context, now time.Time) ([]model.ClientAccount, error) {
	var clients []model.ClientAccount
	err := r.withClientRelations(ctx).
		Where("status = ? AND expire_date < ?", model.ClientStatusActive, now).
		Order("id").
		Find(&clients).Error
	return clients, err
}

func (r *ClientRepository) CountClientsForLocation(ctx context.Context, locationID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ClientAccount{}).
		Where("location_id = ?", locationID).
		Count(&n).Error
	return n, err
}

func (r *ClientRepository) GetUser(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err, "user", id)
	}
	return &user, nil
}

func (r *ClientRepository) GetPlan(ctx context.Context, id uint) (*model.Plan, error) {
	var plan model.Plan
	if err := r.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		return nil, notFound(err, "plan", id)
	}
	return &plan, nil
}

func (r *ClientRepository) GetLocation(ctx context.Context, id uint) (*model.Location, error) {
	var location model.Location
	if err := r.db.WithContext(ctx).First(&location, id).Error; err != nil {
		return nil, notFound(err, "location", id)
	}
	return &location, nil
}

func (r *ClientRepository) GetPanel(ctx context.Context, id uint) (*model.Panel, error) {
	var p model.Panel
	if err := r.db.WithContext(ctx).Preload("Inbounds").First(&p, id).Error; err != nil {
		return nil, notFound(err, "panel", id)
	}
	return &p, nil
}

func (r *ClientRepository) GetInbound(ctx context.Context, id uint) (*model.Inbound, error) {
	var in model.Inbound
	if err := r.db.WithContext(ctx).First(&in, id).Error; err != nil {
		return nil, notFound(err, "inbound", id)
	}
	return &in, nil
}

// PanelsForLocation returns active panels linked to the location, inbounds
// preloaded. Online status is left to the selection step.
func (r *ClientRepository) PanelsForLocation(ctx context.Context, locationID uint) ([]model.Panel, error) {
	var panels []model.Panel
	err := r.db.WithContext(ctx).
		Preload("Inbounds", "is_active = ?", true).
		Joins("JOIN panel_locations pl ON pl.panel_id = panels.id").
		Where("pl.location_id = ? AND panels.is_active = ?", locationID, true).
		Order("panels.id").
		Find(&panels).Error
	return panels, err
}

// ClientCounts returns the number of non-expired clients per panel.
func (r *ClientRepository) ClientCounts(ctx context.Context, panelIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(panelIDs))
	if len(panelIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		PanelID uint
		N       int64
	}
	err := r.db.WithContext(ctx).Model(&model.ClientAccount{}).
		Select("panel_id, COUNT(*) AS n").
		Where("panel_id IN ? AND status <> ?", panelIDs, model.ClientStatusExpired).
		Group("panel_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.PanelID] = row.N
	}
	return counts, nil
}

// EmailTakenOnPanel reports whether any client on the panel already uses
// email.
func (r *ClientRepository) EmailTakenOnPanel(ctx context.Context, panelID uint, email string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ClientAccount{}).
		Where("panel_id = ? AND email = ?", panelID, email).
		Count(&n).Error
	return n > 0, err
}
