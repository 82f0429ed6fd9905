package usage

import (
	"context"
	"errors"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/model"

	"gorm.io/gorm"
)

// Pusher applies user credential changes to running cores.
type Pusher interface {
	QueueAddUser(user *model.User)
	QueueRemoveUser(user *model.User)
}

var errStatusChanged = errors.New("user status changed concurrently")

var liveStatuses = []model.UserStatus{model.UserStatusActive, model.UserStatusOnHold}

func planApplies(plan *model.NextPlan, user *model.User, limited, expired bool) bool {
	if plan == nil {
		return false
	}
	if plan.RequireConnected && user.OnlineAt == nil {
		return false
	}
	switch plan.TriggerOn {
	case model.TriggerOnData:
		return limited
	case model.TriggerOnExpire:
		return expired
	default:
		return limited || expired
	}
}

// enforcementDue reports whether any of the users, or an admin owning them,
// would change once the batches buffered in Redis are committed.
func (r *Reconciler) enforcementDue(ctx context.Context, ids []uint) (bool, error) {
	pendingUsers, err := r.pendingTotals(ctx, groupUsers, KindUser)
	if err != nil {
		return false, err
	}
	pendingAdmins, err := r.pendingTotals(ctx, groupAdmins, KindAdmin)
	if err != nil {
		return false, err
	}

	now := r.now()
	admins := make(map[uint]struct{})
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		var users []model.User
		err := r.db.WithContext(ctx).Preload("NextPlan").
			Where("id IN ? AND status <> ?", ids[start:end], model.UserStatusDisabled).
			Find(&users).Error
		if err != nil {
			return false, err
		}
		for i := range users {
			u := &users[i]
			if extra := pendingUsers[u.ID]; extra > 0 {
				u.UsedTraffic += extra
				u.OnlineAt = &now
			}
			if needsAction(u, now) {
				return true, nil
			}
			if u.AdminID != nil {
				admins[*u.AdminID] = struct{}{}
			}
		}
	}
	if len(admins) == 0 {
		return false, nil
	}

	adminIDs := make([]uint, 0, len(admins))
	for id := range admins {
		adminIDs = append(adminIDs, id)
	}
	var rows []model.Admin
	if err := r.db.WithContext(ctx).Where("id IN ?", adminIDs).Find(&rows).Error; err != nil {
		return false, err
	}
	for _, a := range rows {
		if !a.LimitReached && a.DataLimit > 0 && a.UsersUsage+pendingAdmins[a.ID] >= a.DataLimit {
			return true, nil
		}
	}
	return false, nil
}

// enforceUsers re-evaluates the given users and the admins owning them.
func (r *Reconciler) enforceUsers(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	now := r.now()
	admins := make(map[uint]struct{})
	var errs []error
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		var users []model.User
		err := r.db.WithContext(ctx).Preload("NextPlan").
			Where("id IN ? AND status <> ?", ids[start:end], model.UserStatusDisabled).
			Find(&users).Error
		if err != nil {
			return err
		}
		for i := range users {
			if err := r.evaluate(ctx, &users[i], now); err != nil {
				errs = append(errs, err)
			}
			if users[i].AdminID != nil {
				admins[*users[i].AdminID] = struct{}{}
			}
		}
	}
	adminIDs := make([]uint, 0, len(admins))
	for id := range admins {
		adminIDs = append(adminIDs, id)
	}
	errs = append(errs, r.enforceAdmins(ctx, adminIDs))
	return errors.Join(errs...)
}

// needsAction reports whether evaluate would change the user.
func needsAction(user *model.User, now time.Time) bool {
	overData := user.DataLimit > 0 && user.UsedTraffic >= user.DataLimit
	pastExpire := user.Expire != nil && !user.Expire.After(now)

	switch user.Status {
	case model.UserStatusActive:
		return overData || pastExpire
	case model.UserStatusOnHold:
		timedOut := user.OnHoldTimeout != nil && !user.OnHoldTimeout.After(now)
		return user.OnlineAt != nil || timedOut
	case model.UserStatusLimited, model.UserStatusExpired:
		limited := user.Status == model.UserStatusLimited || overData
		expired := user.Status == model.UserStatusExpired || pastExpire
		return planApplies(user.NextPlan, user, limited, expired)
	}
	return false
}

func (r *Reconciler) evaluate(ctx context.Context, user *model.User, now time.Time) error {
	if !needsAction(user, now) {
		return nil
	}
	overData := user.DataLimit > 0 && user.UsedTraffic >= user.DataLimit
	pastExpire := user.Expire != nil && !user.Expire.After(now)

	switch user.Status {
	case model.UserStatusActive:
		if planApplies(user.NextPlan, user, overData, pastExpire) {
			return r.applyPlan(ctx, user, now)
		}
		next := model.UserStatusExpired
		if overData {
			next = model.UserStatusLimited
		}
		return r.transition(ctx, user, next, nil)

	case model.UserStatusOnHold:
		updates := map[string]any{}
		if user.OnHoldExpireDuration > 0 {
			updates["expire"] = now.Add(time.Duration(user.OnHoldExpireDuration) * time.Second)
		}
		return r.transition(ctx, user, model.UserStatusActive, updates)

	default:
		// limited or expired with an applicable plan
		return r.applyPlan(ctx, user, now)
	}
}

// transition moves the user to next unless its status changed meanwhile.
func (r *Reconciler) transition(ctx context.Context, user *model.User, next model.UserStatus, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = next
	res := r.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND status = ?", user.ID, user.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if exp, ok := updates["expire"].(time.Time); ok {
		user.Expire = &exp
	}
	prev := user.Status
	user.Status = next
	r.afterTransition(ctx, user, prev)
	return nil
}

// applyPlan rolls the user's next plan into its limits and reactivates it.
func (r *Reconciler) applyPlan(ctx context.Context, user *model.User, now time.Time) error {
	plan := user.NextPlan
	limit := plan.DataLimit
	if plan.AddRemainingTraffic && user.DataLimit > 0 {
		if remaining := user.DataLimit - user.UsedTraffic; remaining > 0 {
			limit += remaining
		}
	}
	var expire *time.Time
	if plan.ExpireSeconds > 0 {
		t := now.Add(time.Duration(plan.ExpireSeconds) * time.Second)
		expire = &t
	}

	prev := user.Status
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).
			Where("id = ? AND status = ?", user.ID, prev).
			Updates(map[string]any{
				"status":       model.UserStatusActive,
				"data_limit":   limit,
				"expire":       expire,
				"used_traffic": 0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStatusChanged
		}
		return tx.Delete(&model.NextPlan{}, plan.ID).Error
	})
	if errors.Is(err, errStatusChanged) {
		return nil
	}
	if err != nil {
		return err
	}

	user.Status = model.UserStatusActive
	user.DataLimit = limit
	user.Expire = expire
	user.UsedTraffic = 0
	user.NextPlan = nil
	logger.Infof("user %s: next plan applied (limit %d)", user.Username, limit)
	r.metrics.UserTransition("next_plan")
	if prev != model.UserStatusActive {
		r.afterTransition(ctx, user, prev)
	}
	return nil
}

func (r *Reconciler) afterTransition(ctx context.Context, user *model.User, prev model.UserStatus) {
	logger.Infof("user %s: %s -> %s", user.Username, prev, user.Status)
	r.metrics.UserTransition(string(user.Status))
	wasLive := prev == model.UserStatusActive || prev == model.UserStatusOnHold
	switch {
	case wasLive && !user.Live():
		r.pusher.QueueRemoveUser(user)
	case !wasLive && user.Live():
		r.pusher.QueueAddUser(user)
	}
	r.notifier.UserStatusChanged(ctx, user, prev)
}

// enforceAdmins flags admins over their data or user limit and disables
// their live users.
func (r *Reconciler) enforceAdmins(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	var admins []model.Admin
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&admins).Error; err != nil {
		return err
	}
	var errs []error
	for i := range admins {
		if err := r.enforceAdmin(ctx, &admins[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) enforceAdmin(ctx context.Context, admin *model.Admin) error {
	db := r.db.WithContext(ctx)
	var live int64
	if err := db.Model(&model.User{}).
		Where("admin_id = ? AND status IN ?", admin.ID, liveStatuses).
		Count(&live).Error; err != nil {
		return err
	}
	breach := (admin.DataLimit > 0 && admin.UsersUsage >= admin.DataLimit) ||
		(admin.UsersLimit > 0 && live > admin.UsersLimit)

	if !breach {
		if admin.LimitReached {
			logger.Infof("admin %s: back under limits", admin.Username)
			return db.Model(&model.Admin{}).Where("id = ?", admin.ID).Update("limit_reached", false).Error
		}
		return nil
	}
	if admin.LimitReached {
		return nil
	}

	res := db.Model(&model.Admin{}).
		Where("id = ? AND limit_reached = ?", admin.ID, false).
		Update("limit_reached", true)
	if res.Error != nil || res.RowsAffected == 0 {
		return res.Error
	}
	admin.LimitReached = true
	logger.Warningf("admin %s: limit reached (usage %d/%d, users %d/%d)",
		admin.Username, admin.UsersUsage, admin.DataLimit, live, admin.UsersLimit)

	var users []model.User
	if err := db.Where("admin_id = ? AND status IN ?", admin.ID, liveStatuses).Find(&users).Error; err != nil {
		return err
	}
	var errs []error
	for i := range users {
		if err := r.transition(ctx, &users[i], model.UserStatusDisabled, nil); err != nil {
			errs = append(errs, err)
		}
	}
	r.notifier.AdminLimitReached(ctx, admin)
	return errors.Join(errs...)
}
