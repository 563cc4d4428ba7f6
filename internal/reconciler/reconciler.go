// Package reconciler runs the background loops that keep local client
// records in line with the panels: usage sync and the expiry sweep.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"x-ui-provisioner/internal/common"
	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/notify"
	"x-ui-provisioner/internal/repository"

	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"gorm.io/gorm"
)

const (
	DefaultUsageSyncSchedule   = "@every 5m"
	DefaultExpirySweepSchedule = "@every 1m"
)

// ClientUpdater is the slice of the lifecycle service the loops drive.
// Both methods mutate the client in memory only.
type ClientUpdater interface {
	RefreshUsage(ctx context.Context, client *model.ClientAccount) (bool, error)
	ApplyStatus(ctx context.Context, client *model.ClientAccount, status model.ClientStatus) error
}

// CycleResult summarizes one loop iteration.
type CycleResult struct {
	Processed int
	Updated   int
	Failed    int
}

// loop is one independently scheduled job with its own cron instance.
type loop struct {
	name     string
	schedule string
	cycle    func(ctx context.Context)

	cron    *cron.Cron
	started atomic.Bool
	running atomic.Bool
	cycles  atomic.Uint64
}

func (l *loop) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return nil
	}
	l.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := l.cron.AddJob(l.schedule, l); err != nil {
		l.started.Store(false)
		return fmt.Errorf("schedule %s %q: %w", l.name, l.schedule, err)
	}
	l.cron.Start()
	logger.Infof("%s started (%s)", l.name, l.schedule)
	return nil
}

// Stop waits for an in-flight cycle to finish.
func (l *loop) Stop() {
	if !l.started.CompareAndSwap(true, false) {
		return
	}
	<-l.cron.Stop().Done()
	logger.Infof("%s stopped", l.name)
}

// Run implements cron.Job. Overlapping invocations are dropped.
func (l *loop) Run() {
	if !l.running.CompareAndSwap(false, true) {
		logger.Debugf("%s: previous cycle still running, skipping", l.name)
		return
	}
	defer l.running.Store(false)
	defer l.cycles.Inc()
	l.cycle(context.Background())
}

func (l *loop) Cycles() uint64 {
	return l.cycles.Load()
}

type outcome struct {
	changed bool
	err     error
}

// fanOut runs fn for every client concurrently and waits for all of them.
// A failure for one client never cancels the others.
func fanOut(ctx context.Context, clients []model.ClientAccount, fn func(ctx context.Context, c *model.ClientAccount) (bool, error)) []outcome {
	out := make([]outcome, len(clients))
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			changed, err := fn(ctx, &clients[i])
			out[i] = outcome{changed: changed, err: err}
		}(i)
	}
	wg.Wait()
	return out
}

// UsageSyncJob pulls usage for every ACTIVE client and stores increases.
type UsageSyncJob struct {
	*loop
	db       *gorm.DB
	clients  ClientUpdater
	notifier notify.Notifier
}

func NewUsageSyncJob(db *gorm.DB, clients ClientUpdater, notifier notify.Notifier, schedule string) *UsageSyncJob {
	if schedule == "" {
		schedule = DefaultUsageSyncSchedule
	}
	j := &UsageSyncJob{db: db, clients: clients, notifier: notifier}
	j.loop = &loop{name: "usage sync", schedule: schedule, cycle: func(ctx context.Context) { _, _ = j.RunCycle(ctx) }}
	return j
}

// RunCycle syncs all ACTIVE clients. Each client is re-read under a row lock
// in its own transaction and only its usage and status are written, so a
// renewal or migration committed since the candidate list was loaded is
// never overwritten. Per-client failures are logged and counted.
func (j *UsageSyncJob) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	clients, err := repository.NewClientRepository(j.db).ActiveClients(ctx)
	if err != nil {
		logger.Warningf("usage sync: failed to load clients: %v", err)
		return res, err
	}
	res.Processed = len(clients)

	outcomes := fanOut(ctx, clients, j.syncClient)

	var failures []string
	for i, o := range outcomes {
		c := &clients[i]
		if o.err != nil {
			res.Failed++
			failures = append(failures, fmt.Sprintf("#%d %s: %v", c.ID, c.Remark, o.err))
			logger.Warningf("usage sync: client %d: %v", c.ID, o.err)
		}
		if o.changed {
			res.Updated++
		}
	}

	if len(failures) > 0 {
		notify.Send(ctx, j.notifier, notify.Message{
			Topic:     notify.Logs{},
			Text:      fmt.Sprintf("Usage sync: %d of %d clients failed\n%s", res.Failed, res.Processed, joinLimited(failures, 10)),
			DedupeKey: "usage-sync-failures",
			DedupeTTL: time.Hour,
		})
	}
	logger.Debugf("usage sync: %d clients, %d updated, %d failed", res.Processed, res.Updated, res.Failed)
	return res, nil
}

// syncClient refreshes one client. candidate only supplies the id; the
// record acted on is the one read under the lock.
func (j *UsageSyncJob) syncClient(ctx context.Context, candidate *model.ClientAccount) (bool, error) {
	tx := j.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, tx.Error
	}
	repo := repository.NewClientRepository(tx)

	client, err := repo.GetClientForUpdate(ctx, candidate.ID)
	if err != nil {
		tx.Rollback()
		if common.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if client.Status != model.ClientStatusActive {
		tx.Rollback()
		return false, nil
	}

	changed, syncErr := j.clients.RefreshUsage(ctx, client)
	if !changed {
		tx.Rollback()
		return false, syncErr
	}
	// A failed disable still carries a valid usage increase.
	if err := repo.StoreUsage(ctx, client); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("store usage: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return false, fmt.Errorf("commit usage: %w", err)
	}
	return true, syncErr
}

// ExpirySweepJob moves ACTIVE clients past their expiry to EXPIRED.
type ExpirySweepJob struct {
	*loop
	db       *gorm.DB
	clients  ClientUpdater
	notifier notify.Notifier
	now      func() time.Time
}

func NewExpirySweepJob(db *gorm.DB, clients ClientUpdater, notifier notify.Notifier, schedule string) *ExpirySweepJob {
	if schedule == "" {
		schedule = DefaultExpirySweepSchedule
	}
	j := &ExpirySweepJob{db: db, clients: clients, notifier: notifier, now: time.Now}
	j.loop = &loop{name: "expiry sweep", schedule: schedule, cycle: func(ctx context.Context) { _, _ = j.RunCycle(ctx) }}
	return j
}

// RunCycle expires overdue clients through the regular status path so the
// panel disables them first. Like usage sync, every client is re-checked
// under a lock in its own transaction.
func (j *ExpirySweepJob) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	clients, err := repository.NewClientRepository(j.db).ExpiredActiveClients(ctx, j.now())
	if err != nil {
		logger.Warningf("expiry sweep: failed to load clients: %v", err)
		return res, err
	}
	res.Processed = len(clients)
	if len(clients) == 0 {
		return res, nil
	}

	outcomes := fanOut(ctx, clients, j.expireClient)

	var expired []string
	for i, o := range outcomes {
		c := &clients[i]
		if o.err != nil {
			res.Failed++
			logger.Warningf("expiry sweep: client %d: %v", c.ID, o.err)
			continue
		}
		if o.changed {
			res.Updated++
			expired = append(expired, c.Remark)
		}
	}

	logger.Infof("expiry sweep: %d expired, %d failed", res.Updated, res.Failed)
	if res.Updated+res.Failed > 0 {
		notify.Send(ctx, j.notifier, notify.Message{
			Topic: notify.Reports{},
			Text: fmt.Sprintf("Expiry sweep: %d clients expired, %d failed\n%s",
				res.Updated, res.Failed, joinLimited(expired, 20)),
		})
	}
	return res, nil
}

// expireClient expires one client if it is still ACTIVE and overdue once
// locked. A client renewed after the candidate list was loaded is left alone.
func (j *ExpirySweepJob) expireClient(ctx context.Context, candidate *model.ClientAccount) (bool, error) {
	tx := j.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, tx.Error
	}
	repo := repository.NewClientRepository(tx)

	client, err := repo.GetClientForUpdate(ctx, candidate.ID)
	if err != nil {
		tx.Rollback()
		if common.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if client.Status != model.ClientStatusActive || !client.ExpireDate.Before(j.now()) {
		tx.Rollback()
		return false, nil
	}

	if err := j.clients.ApplyStatus(ctx, client, model.ClientStatusExpired); err != nil {
		tx.Rollback()
		return false, err
	}
	if err := repo.StoreStatus(ctx, client); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("store status: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return false, fmt.Errorf("commit status: %w", err)
	}
	return true, nil
}

func joinLimited(items []string, max int) string {
	s := ""
	for i, item := range items {
		if i == max {
			s += fmt.Sprintf("... and %d more", len(items)-max)
			break
		}
		s += item + "\n"
	}
	return s
}

// Reconciler owns both loops.
type Reconciler struct {
	UsageSync   *UsageSyncJob
	ExpirySweep *ExpirySweepJob
}

func New(db *gorm.DB, clients ClientUpdater, notifier notify.Notifier, usageSchedule, expirySchedule string) *Reconciler {
	return &Reconciler{
		UsageSync:   NewUsageSyncJob(db, clients, notifier, usageSchedule),
		ExpirySweep: NewExpirySweepJob(db, clients, notifier, expirySchedule),
	}
}

func (r *Reconciler) Start() error {
	if err := r.UsageSync.Start(); err != nil {
		return err
	}
	if err := r.ExpirySweep.Start(); err != nil {
		r.UsageSync.Stop()
		return err
	}
	return nil
}

func (r *Reconciler) Stop() {
	r.UsageSync.Stop()
	r.ExpirySweep.Stop()
}
