package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/metrics"
	"xray-control/internal/model"
	"xray-control/internal/notify"
	"xray-control/internal/xrayapi"
	"xray-control/internal/xrayconf"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const lookupChunk = 500

// SourceLister yields the cores to collect from.
type SourceLister interface {
	StatSources() []xrayapi.Source
}

type Options struct {
	BackupDir  string
	Workers    int
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.BackupDir == "" {
		o.BackupDir = "backups"
	}
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
}

type Deps struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Sources  SourceLister
	Pusher   Pusher
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// Reconciler moves counters from running cores into the store. Run, Flush,
// Recover and ReviewUsers are serialized.
type Reconciler struct {
	db       *gorm.DB
	redis    *redis.Client
	backups  backupStore
	sources  SourceLister
	pusher   Pusher
	notifier notify.Notifier
	metrics  *metrics.Metrics
	opts     Options

	mu  sync.Mutex
	now func() time.Time
}

func New(deps Deps, opts Options) *Reconciler {
	opts.applyDefaults()
	r := &Reconciler{
		db:       deps.DB,
		redis:    deps.Redis,
		backups:  backupStore{dir: opts.BackupDir},
		sources:  deps.Sources,
		pusher:   deps.Pusher,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		opts:     opts,
		now:      time.Now,
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	return r
}

type sample struct {
	source xrayapi.Source
	stats  *xrayapi.Stats
}

// Run performs one usage cycle.
func (r *Reconciler) Run(ctx context.Context) error {
	started := r.now()
	samples := r.collect(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		r.metrics.SetBackupPending(r.backups.pending())
		r.metrics.ObserveUsageCycle(r.now().Sub(started))
	}()

	raw := r.rawDeltas(samples, started)
	deltas, err := r.attribute(ctx, raw)
	if err != nil {
		// the cores have already reset these counters
		b := &Backup{ID: uuid.NewString(), Deltas: raw}
		if werr := r.backups.write(groupUnresolved, b); werr != nil {
			return errors.Join(err, werr)
		}
		return fmt.Errorf("resolve usage owners: %w", err)
	}

	byGroup := split(deltas)
	var touched, buffered []uint
	var errs []error
	for _, g := range groups {
		set := byGroup[g]
		if r.redis != nil {
			if len(set) == 0 {
				continue
			}
			err := r.bufferRedis(ctx, g, set)
			if err == nil {
				if g == groupUsers {
					buffered = userIDs(set)
				}
				continue
			}
			logger.Warningf("usage: buffer %s in redis failed, writing directly: %v", g, err)
		}
		applied, err := r.persistDirect(ctx, g, set)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if g == groupUsers {
			touched = userIDs(applied)
		}
	}
	if err := r.backups.remove(groupUnresolved); err != nil {
		errs = append(errs, err)
	}

	if len(buffered) > 0 {
		due, err := r.enforcementDue(ctx, buffered)
		switch {
		case err != nil:
			errs = append(errs, err)
		case due:
			if err := r.flushLocked(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := r.enforceUsers(ctx, touched); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) collect(ctx context.Context) []sample {
	sources := r.sources.StatSources()
	out := make([]sample, len(sources))

	g := new(errgroup.Group)
	g.SetLimit(r.opts.Workers)
	for i, src := range sources {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()
			stats, err := src.API.QueryStats(cctx, true)
			if err != nil {
				logger.Warningf("usage: query stats from %s: %v", src.Name, err)
				r.metrics.CollectFailure(src.Name)
				return nil
			}
			out[i] = sample{source: src, stats: stats}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func scale(v int64, coefficient float64) int64 {
	if coefficient == 1 || coefficient <= 0 {
		return v
	}
	return int64(math.Round(float64(v) * coefficient))
}

type owner struct {
	ID        uint
	AdminID   *uint
	ServiceID *uint
}

func (r *Reconciler) owners(ctx context.Context, ids []uint) (map[uint]owner, error) {
	out := make(map[uint]owner, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		var rows []owner
		err := r.db.WithContext(ctx).Model(&model.User{}).
			Select("id", "admin_id", "service_id").
			Where("id IN ?", ids[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, o := range rows {
			out[o.ID] = o
		}
	}
	return out, nil
}

// rawDeltas turns counters into per-user, per-node and master deltas and
// merges in whatever an earlier cycle could not attribute.
func (r *Reconciler) rawDeltas(samples []sample, now time.Time) []Delta {
	bucket := now.UTC().Truncate(time.Hour).Unix()

	var out []Delta
	for _, s := range samples {
		if s.stats == nil {
			continue
		}
		coef := s.source.Coefficient
		for email, t := range s.stats.Users {
			id, ok := xrayconf.UserIDFromEmail(email)
			if !ok {
				continue
			}
			up, down := scale(t.Uplink, coef), scale(t.Downlink, coef)
			if up == 0 && down == 0 {
				continue
			}
			out = append(out,
				Delta{Kind: KindUser, SubjectID: id, Uplink: up, Downlink: down},
				Delta{Kind: KindNodeUser, SubjectID: id, SecondaryID: s.source.NodeID, Bucket: bucket, Uplink: up, Downlink: down},
			)
		}

		var total xrayapi.Traffic
		for tag, t := range s.stats.Outbounds {
			if tag == xrayconf.APITag {
				continue
			}
			total.Uplink += t.Uplink
			total.Downlink += t.Downlink
		}
		r.metrics.AddUsage(s.source.Name, total.Uplink, total.Downlink)
		if total.Total() == 0 {
			continue
		}
		if s.source.NodeID > 0 {
			out = append(out, Delta{Kind: KindNode, SubjectID: s.source.NodeID, Uplink: total.Uplink, Downlink: total.Downlink})
		} else {
			out = append(out, Delta{Kind: KindSystem, SubjectID: 1, Uplink: total.Uplink, Downlink: total.Downlink})
		}
		out = append(out, Delta{Kind: KindNodeUsage, SubjectID: s.source.NodeID, Bucket: bucket, Uplink: total.Uplink, Downlink: total.Downlink})
	}

	carried, err := r.backups.read(groupUnresolved)
	if err != nil {
		logger.Errorf("usage: discarding unreadable unresolved backup: %v", err)
	}
	if carried != nil {
		logger.Infof("usage: retrying %d unresolved deltas from batch %s", len(carried.Deltas), carried.ID)
		return Merge(carried.Deltas, out)
	}
	return Merge(out)
}

// attribute adds admin, service and admin-service deltas for every user
// delta. Traffic of users no longer in the store is dropped.
func (r *Reconciler) attribute(ctx context.Context, raw []Delta) ([]Delta, error) {
	ids := userIDs(raw)
	var known map[uint]owner
	err := r.withRetry(ctx, func() error {
		var err error
		known, err = r.owners(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Delta, 0, len(raw))
	for _, d := range raw {
		if d.Kind != KindUser && d.Kind != KindNodeUser {
			out = append(out, d)
			continue
		}
		o, ok := known[d.SubjectID]
		if !ok {
			if d.Kind == KindUser {
				logger.Debugf("usage: dropping traffic of unknown user %d", d.SubjectID)
			}
			continue
		}
		out = append(out, d)
		if d.Kind == KindNodeUser {
			continue
		}
		if o.AdminID != nil {
			out = append(out, Delta{Kind: KindAdmin, SubjectID: *o.AdminID, Uplink: d.Uplink, Downlink: d.Downlink})
		}
		if o.ServiceID != nil {
			out = append(out, Delta{Kind: KindService, SubjectID: *o.ServiceID, Uplink: d.Uplink, Downlink: d.Downlink})
			if o.AdminID != nil {
				out = append(out, Delta{Kind: KindAdminService, SubjectID: *o.AdminID, SecondaryID: *o.ServiceID, Uplink: d.Uplink, Downlink: d.Downlink})
			}
		}
	}
	return Merge(out), nil
}

// persistDirect folds deltas into the group's backup, commits it and clears
// the backup. It returns what was committed.
func (r *Reconciler) persistDirect(ctx context.Context, g group, deltas []Delta) ([]Delta, error) {
	b, err := r.backups.read(g)
	if err != nil {
		return nil, err
	}
	if b != nil {
		done, err := r.committed(ctx, b.ID, g)
		if err != nil {
			// store unreachable: keep this cycle's deltas with the batch
			b.Deltas = Merge(b.Deltas, deltas)
			b.Buffered = false
			return nil, errors.Join(&PersistenceError{Group: string(g), BatchID: b.ID, Err: err}, r.backups.write(g, b))
		}
		if done {
			if err := r.backups.remove(g); err != nil {
				return nil, err
			}
			b = nil
		}
	}
	if b == nil {
		if len(deltas) == 0 {
			return nil, nil
		}
		b = &Backup{ID: uuid.NewString()}
	}
	b.Deltas = Merge(b.Deltas, deltas)
	b.Buffered = false
	if err := r.backups.write(g, b); err != nil {
		return nil, err
	}
	if err := r.persist(ctx, g, b); err != nil {
		return nil, err
	}
	return b.Deltas, r.backups.remove(g)
}

// Flush commits the batches buffered in Redis. Without Redis it is a no-op.
func (r *Reconciler) Flush(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.metrics.SetBackupPending(r.backups.pending()) }()
	return r.flushLocked(ctx)
}

func (r *Reconciler) flushLocked(ctx context.Context) error {
	var touched []uint
	var errs []error
	for _, g := range groups {
		ids, err := r.flushGroup(ctx, g)
		touched = append(touched, ids...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.enforceUsers(ctx, touched); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flushGroup commits the group's Redis batch and returns the users it
// touched.
func (r *Reconciler) flushGroup(ctx context.Context, g group) ([]uint, error) {
	if err := r.absorb(ctx, g); err != nil {
		return nil, err
	}
	b, err := r.loadPending(ctx, g)
	if err != nil || b == nil {
		return nil, err
	}
	if err := r.persist(ctx, g, b); err != nil {
		return nil, err
	}
	var touched []uint
	if g == groupUsers {
		touched = userIDs(b.Deltas)
	}
	if err := r.dropPending(ctx, g); err != nil {
		return touched, err
	}
	return touched, r.backups.remove(g)
}

// Recover handles backups left by a previous process. Committed batches are
// discarded, the rest go back into Redis or straight to the store.
func (r *Reconciler) Recover(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.metrics.SetBackupPending(r.backups.pending()) }()

	var touched []uint
	var errs []error
	for _, g := range groups {
		b, err := r.backups.read(g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if b == nil {
			continue
		}
		done, err := r.committed(ctx, b.ID, g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			logger.Infof("usage: %s backup %s already committed", g, b.ID)
			if err := r.backups.remove(g); err != nil {
				errs = append(errs, err)
			}
			if r.redis != nil {
				if id, err := r.pendingBatch(ctx, g); err == nil && id == b.ID {
					errs = append(errs, r.dropPending(ctx, g))
				}
			}
			continue
		}

		logger.Infof("usage: recovering %s backup %s (%d deltas)", g, b.ID, len(b.Deltas))
		if r.redis != nil {
			err := r.absorb(ctx, g)
			if err == nil {
				continue
			}
			logger.Warningf("usage: replay %s backup into redis failed, writing directly: %v", g, err)
		}
		if err := r.persist(ctx, g, b); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.backups.remove(g); err != nil {
			errs = append(errs, err)
		}
		if g == groupUsers {
			touched = userIDs(b.Deltas)
		}
	}

	if r.redis != nil {
		if err := r.flushLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.enforceUsers(ctx, touched); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReviewUsers re-evaluates every non-disabled user and every admin.
func (r *Reconciler) ReviewUsers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var errs []error
	var batch []model.User
	res := r.db.WithContext(ctx).Preload("NextPlan").
		Where("status <> ?", model.UserStatusDisabled).
		FindInBatches(&batch, lookupChunk, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				if err := r.evaluate(ctx, &batch[i], now); err != nil {
					errs = append(errs, err)
				}
			}
			return nil
		})
	if res.Error != nil {
		return res.Error
	}

	var adminIDs []uint
	if err := r.db.WithContext(ctx).Model(&model.Admin{}).Pluck("id", &adminIDs).Error; err != nil {
		return err
	}
	errs = append(errs, r.enforceAdmins(ctx, adminIDs))
	return errors.Join(errs...)
}

func userIDs(deltas []Delta) []uint {
	var ids []uint
	for _, d := range deltas {
		if d.Kind == KindUser {
			ids = append(ids, d.SubjectID)
		}
	}
	return ids
}
