package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"x-ui-provisioner/internal/model"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SequenceAllocator issues per-location remark numbers. Numbers are unique
// per location; gaps are allowed.
type SequenceAllocator interface {
	Next(ctx context.Context, tx *gorm.DB, locationID uint) (int64, error)
}

// DBSequenceAllocator keeps the counter in the remark_sequences table and
// increments it inside the caller's transaction, so concurrent allocators
// for one location serialize on the row lock.
type DBSequenceAllocator struct{}

func NewDBSequenceAllocator() *DBSequenceAllocator {
	return &DBSequenceAllocator{}
}

func (a *DBSequenceAllocator) Next(ctx context.Context, tx *gorm.DB, locationID uint) (int64, error) {
	db := tx.WithContext(ctx)

	for attempt := 0; attempt < 2; attempt++ {
		res := db.Model(&model.RemarkSequence{}).
			Where("location_id = ?", locationID).
			UpdateColumn("last_value", gorm.Expr("last_value + 1"))
		if res.Error != nil {
			return 0, fmt.Errorf("increment remark sequence: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			var seq model.RemarkSequence
			if err := db.First(&seq, "location_id = ?", locationID).Error; err != nil {
				return 0, fmt.Errorf("read remark sequence: %w", err)
			}
			return seq.LastValue, nil
		}

		// First allocation for this location. Existing clients seed the
		// counter so legacy remarks keep counting from where they were.
		seed, err := sequenceSeed(ctx, tx, locationID)
		if err != nil {
			return 0, err
		}
		res = db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.RemarkSequence{LocationID: locationID, LastValue: seed + 1})
		if res.Error != nil {
			return 0, fmt.Errorf("seed remark sequence: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return seed + 1, nil
		}
		// Lost the seeding race; the row exists now.
	}
	return 0, fmt.Errorf("remark sequence for location %d unavailable", locationID)
}

// RedisSequenceAllocator uses INCR on remark_seq:{location}. A missing key
// is seeded with the highest number already in use for the location.
type RedisSequenceAllocator struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSequenceAllocator(rdb *redis.Client) *RedisSequenceAllocator {
	return &RedisSequenceAllocator{rdb: rdb, prefix: "remark_seq:"}
}

func (a *RedisSequenceAllocator) key(locationID uint) string {
	return fmt.Sprintf("%s%d", a.prefix, locationID)
}

func (a *RedisSequenceAllocator) Next(ctx context.Context, tx *gorm.DB, locationID uint) (int64, error) {
	key := a.key(locationID)

	exists, err := a.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis exists %s: %w", key, err)
	}
	if exists == 0 {
		seed, err := sequenceSeed(ctx, tx, locationID)
		if err != nil {
			return 0, err
		}
		if err := a.rdb.SetNX(ctx, key, seed, 0).Err(); err != nil {
			return 0, fmt.Errorf("redis setnx %s: %w", key, err)
		}
	}

	n, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// sequenceSeed returns the highest remark number the location may already
// have issued: the stored counter, the client count or the largest legacy
// number among its current clients. Clients that migrated away lower the
// count, so the count alone is not enough.
func sequenceSeed(ctx context.Context, tx *gorm.DB, locationID uint) (int64, error) {
	repo := NewClientRepository(tx)
	seed, err := repo.CountClientsForLocation(ctx, locationID)
	if err != nil {
		return 0, err
	}

	var stored []model.RemarkSequence
	if err := tx.WithContext(ctx).Where("location_id = ?", locationID).Limit(1).Find(&stored).Error; err != nil {
		return 0, fmt.Errorf("read remark sequence: %w", err)
	}
	if len(stored) == 1 && stored[0].LastValue > seed {
		seed = stored[0].LastValue
	}

	loc, err := repo.GetLocation(ctx, locationID)
	if err != nil {
		return 0, err
	}
	prefix := loc.RemarkPrefix() + "-"
	var remarks []string
	err = tx.WithContext(ctx).Model(&model.ClientAccount{}).
		Where("location_id = ? AND remark LIKE ?", locationID, prefix+"%").
		Pluck("remark", &remarks).Error
	if err != nil {
		return 0, fmt.Errorf("scan legacy remarks: %w", err)
	}
	for _, r := range remarks {
		if n, ok := legacyNumber(r, prefix); ok && n > seed {
			seed = n
		}
	}
	return seed, nil
}

// legacyNumber extracts n from "{prefix}{n}" or "{prefix}{n}-{custom}".
func legacyNumber(remark, prefix string) (int64, bool) {
	rest, ok := strings.CutPrefix(remark, prefix)
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		rest = rest[:i]
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
