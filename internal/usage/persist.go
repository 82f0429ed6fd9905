package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PersistenceError means a usage batch could not be committed. Its backup
// is kept for the next cycle.
type PersistenceError struct {
	Group   string
	BatchID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s usage batch %s: %v", e.Group, e.BatchID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// isRetryable reports transient lock and deadlock errors.
func isRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// deadlock, lock wait timeout
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001", "55P03":
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// withRetry runs fn up to Retries times while it fails with a retryable
// error, backing off exponentially from RetryDelay.
func (r *Reconciler) withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.RetryDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.opts.Retries-1)), ctx),
		func(err error, next time.Duration) {
			r.metrics.PersistRetry()
			logger.Debugf("usage: retrying in %s: %v", next, err)
		})
}

func (r *Reconciler) committed(ctx context.Context, batchID string, g group) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.UsageCommit{}).
		Where("batch_id = ? AND category = ?", batchID, string(g)).
		Count(&n).Error
	return n > 0, err
}

// persist applies one group's batch and its commit marker in a single
// transaction, retrying transient errors.
func (r *Reconciler) persist(ctx context.Context, g group, b *Backup) error {
	now := r.now()
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&model.UsageCommit{BatchID: b.ID, Category: string(g), CreatedAt: now}).Error; err != nil {
				return err
			}
			for _, d := range b.Deltas {
				if err := apply(tx, d, now); err != nil {
					return fmt.Errorf("apply %s %d: %w", d.Kind, d.SubjectID, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		r.metrics.PersistFailure()
		return &PersistenceError{Group: string(g), BatchID: b.ID, Err: err}
	}
	return nil
}

func bucketTime(bucket int64) time.Time {
	return time.Unix(bucket, 0).UTC()
}

func apply(tx *gorm.DB, d Delta, now time.Time) error {
	total := d.Total()
	switch d.Kind {
	case KindUser:
		return tx.Model(&model.User{}).Where("id = ?", d.SubjectID).Updates(map[string]any{
			"used_traffic":          gorm.Expr("used_traffic + ?", total),
			"lifetime_used_traffic": gorm.Expr("lifetime_used_traffic + ?", total),
			"online_at":             now,
		}).Error

	case KindNodeUser:
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "created_at"}, {Name: "user_id"}, {Name: "node_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"used_traffic": gorm.Expr("node_user_usages.used_traffic + ?", total),
			}),
		}).Create(&model.NodeUserUsage{
			CreatedAt:   bucketTime(d.Bucket),
			UserID:      d.SubjectID,
			NodeID:      d.SecondaryID,
			UsedTraffic: total,
		}).Error

	case KindAdmin:
		return tx.Model(&model.Admin{}).Where("id = ?", d.SubjectID).Updates(map[string]any{
			"users_usage":    gorm.Expr("users_usage + ?", total),
			"lifetime_usage": gorm.Expr("lifetime_usage + ?", total),
		}).Error

	case KindAdminService:
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "admin_id"}, {Name: "service_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"used_traffic": gorm.Expr("admins_services.used_traffic + ?", total),
			}),
		}).Create(&model.AdminService{
			AdminID:     d.SubjectID,
			ServiceID:   d.SecondaryID,
			UsedTraffic: total,
		}).Error

	case KindService:
		return tx.Model(&model.Service{}).Where("id = ?", d.SubjectID).Updates(map[string]any{
			"used_traffic":          gorm.Expr("used_traffic + ?", total),
			"lifetime_used_traffic": gorm.Expr("lifetime_used_traffic + ?", total),
		}).Error

	case KindNode:
		return tx.Model(&model.Node{}).Where("id = ?", d.SubjectID).Updates(map[string]any{
			"uplink":   gorm.Expr("uplink + ?", d.Uplink),
			"downlink": gorm.Expr("downlink + ?", d.Downlink),
		}).Error

	case KindNodeUsage:
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "created_at"}, {Name: "node_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"uplink":   gorm.Expr("node_usages.uplink + ?", d.Uplink),
				"downlink": gorm.Expr("node_usages.downlink + ?", d.Downlink),
			}),
		}).Create(&model.NodeUsage{
			CreatedAt: bucketTime(d.Bucket),
			NodeID:    d.SubjectID,
			Uplink:    d.Uplink,
			Downlink:  d.Downlink,
		}).Error

	case KindSystem:
		return tx.Model(&model.System{}).Where("id = ?", 1).Updates(map[string]any{
			"uplink":   gorm.Expr("uplink + ?", d.Uplink),
			"downlink": gorm.Expr("downlink + ?", d.Downlink),
		}).Error
	}
	return fmt.Errorf("unknown delta kind %q", d.Kind)
}
