package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"xray-control/internal/config"
	"xray-control/internal/database"
	"xray-control/internal/model"
	"xray-control/internal/xrayapi"
	"xray-control/internal/xrayconf"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// fakeCore hands out one queued stats snapshot per query.
type fakeCore struct {
	mu    sync.Mutex
	queue []*xrayapi.Stats
	err   error
}

func (c *fakeCore) push(s *xrayapi.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, s)
}

func (c *fakeCore) Ping(ctx context.Context) error                            { return nil }
func (c *fakeCore) WaitReady(ctx context.Context, every time.Duration) error  { return nil }
func (c *fakeCore) AddUser(ctx context.Context, e xrayconf.ClientEntry) error { return nil }
func (c *fakeCore) RemoveUser(ctx context.Context, tag, email string) error   { return nil }
func (c *fakeCore) Close() error                                              { return nil }

func (c *fakeCore) QueryStats(ctx context.Context, reset bool) (*xrayapi.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(c.queue) == 0 {
		return &xrayapi.Stats{}, nil
	}
	s := c.queue[0]
	c.queue = c.queue[1:]
	return s, nil
}

type staticSources []xrayapi.Source

func (s staticSources) StatSources() []xrayapi.Source { return s }

type pushRecorder struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (p *pushRecorder) QueueAddUser(u *model.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, u.Username)
}

func (p *pushRecorder) QueueRemoveUser(u *model.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, u.Username)
}

type harness struct {
	db     *gorm.DB
	master *fakeCore
	node   *fakeCore
	pusher *pushRecorder
	rec    *Reconciler
	dir    string
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Connect(&config.MasterConfig{
		DBDriver: "sqlite",
		DBDSN:    filepath.Join(t.TempDir(), "usage.db"),
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func newHarness(t *testing.T, rdb *redis.Client) *harness {
	t.Helper()
	h := &harness{
		db:     openDB(t),
		master: &fakeCore{},
		node:   &fakeCore{},
		pusher: &pushRecorder{},
		dir:    t.TempDir(),
	}
	sources := staticSources{
		{NodeID: 0, Name: "master", Coefficient: 1, API: h.master},
		{NodeID: 1, Name: "edge", Coefficient: 2, API: h.node},
	}
	h.rec = New(Deps{DB: h.db, Redis: rdb, Sources: sources, Pusher: h.pusher}, Options{
		BackupDir:  h.dir,
		RetryDelay: time.Millisecond,
	})
	h.rec.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }
	seed(t, h.db)
	return h
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	admin := model.Admin{ID: 1, Username: "root"}
	service := model.Service{ID: 1, Name: "default", InboundTags: []string{"VLESS"}}
	node := model.Node{ID: 1, Name: "edge", Address: "10.0.0.2", UsageCoefficient: 2}
	for _, v := range []any{&admin, &service, &node} {
		if err := db.Create(v).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	adminID, serviceID := uint(1), uint(1)
	users := []model.User{
		{ID: 1, Username: "alice", Status: model.UserStatusActive, AdminID: &adminID, ServiceID: &serviceID},
		{ID: 2, Username: "bob", Status: model.UserStatusActive, DataLimit: 100, UsedTraffic: 90},
	}
	if err := db.Create(&users).Error; err != nil {
		t.Fatalf("seed users: %v", err)
	}
}

func traffic(up, down int64) xrayapi.Traffic {
	return xrayapi.Traffic{Uplink: up, Downlink: down}
}

func (h *harness) feed() {
	h.master.push(&xrayapi.Stats{
		Users:     map[string]xrayapi.Traffic{"1.alice": traffic(100, 50), "99.ghost": traffic(7, 7)},
		Outbounds: map[string]xrayapi.Traffic{"DIRECT": traffic(120, 60), xrayconf.APITag: traffic(999, 999)},
	})
	h.node.push(&xrayapi.Stats{
		Users:     map[string]xrayapi.Traffic{"1.alice": traffic(10, 0)},
		Outbounds: map[string]xrayapi.Traffic{"DIRECT": traffic(10, 5)},
	})
}

type snapshot struct {
	aliceUsed, aliceLifetime int64
	adminUsage, serviceUsage int64
	adminService             int64
	nodeUp, nodeDown         int64
	sysUp, sysDown           int64
	nodeUserRows, nodeRows   int64
	onlineSet                bool
}

func (h *harness) snapshot(t *testing.T) snapshot {
	t.Helper()
	var s snapshot
	var alice model.User
	var admin model.Admin
	var service model.Service
	var node model.Node
	var sys model.System
	var as model.AdminService
	must := func(err error) {
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
	}
	must(h.db.First(&alice, 1).Error)
	must(h.db.First(&admin, 1).Error)
	must(h.db.First(&service, 1).Error)
	must(h.db.First(&node, 1).Error)
	must(h.db.First(&sys, 1).Error)
	must(h.db.Where("admin_id = ? AND service_id = ?", 1, 1).First(&as).Error)
	must(h.db.Model(&model.NodeUserUsage{}).Count(&s.nodeUserRows).Error)
	must(h.db.Model(&model.NodeUsage{}).Count(&s.nodeRows).Error)
	s.aliceUsed, s.aliceLifetime = alice.UsedTraffic, alice.LifetimeUsedTraffic
	s.adminUsage, s.serviceUsage, s.adminService = admin.UsersUsage, service.UsedTraffic, as.UsedTraffic
	s.nodeUp, s.nodeDown = node.Uplink, node.Downlink
	s.sysUp, s.sysDown = sys.Uplink, sys.Downlink
	s.onlineSet = alice.OnlineAt != nil
	return s
}

// alice: master 150 + edge 10*2 = 170
var wantAfterOneCycle = snapshot{
	aliceUsed: 170, aliceLifetime: 170,
	adminUsage: 170, serviceUsage: 170, adminService: 170,
	nodeUp: 10, nodeDown: 5,
	sysUp: 120, sysDown: 60,
	nodeUserRows: 2, nodeRows: 2,
	onlineSet: true,
}

func TestDirectCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.feed()
	if err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.snapshot(t); got != wantAfterOneCycle {
		t.Fatalf("unexpected state:\n got %+v\nwant %+v", got, wantAfterOneCycle)
	}
	if h.rec.backups.pending() {
		t.Fatalf("backups should be cleared after commit")
	}
}

func TestRedisCycleMatchesDirect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := newHarness(t, rdb)
	h.feed()
	ctx := context.Background()
	if err := h.rec.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.rec.backups.pending() {
		t.Fatalf("buffered batch should be mirrored to a backup")
	}
	var alice model.User
	if err := h.db.First(&alice, 1).Error; err != nil || alice.UsedTraffic != 0 {
		t.Fatalf("usage applied before flush: %d %v", alice.UsedTraffic, err)
	}
	if err := h.rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := h.snapshot(t); got != wantAfterOneCycle {
		t.Fatalf("unexpected state:\n got %+v\nwant %+v", got, wantAfterOneCycle)
	}
	if h.rec.backups.pending() {
		t.Fatalf("backups should be cleared after flush")
	}
	if mr.Exists(pendingKey(groupUsers)) {
		t.Fatalf("pending hash should be dropped after flush")
	}
}

func TestRedisOutageFallsBackToDirect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	h := newHarness(t, rdb)
	mr.Close()
	h.feed()
	if err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.snapshot(t); got != wantAfterOneCycle {
		t.Fatalf("unexpected state:\n got %+v\nwant %+v", got, wantAfterOneCycle)
	}
}

func TestFailedCommitKeepsBackupAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("disk on fire")
	cb := h.db.Callback().Update()
	if err := cb.Before("gorm:update").Register("test:fail", func(tx *gorm.DB) {
		if tx.Statement.Table == "users" {
			_ = tx.AddError(boom)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	h.feed()
	err := h.rec.Run(context.Background())
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Group != string(groupUsers) {
		t.Fatalf("expected users PersistenceError, got %v", err)
	}
	if !h.rec.backups.pending() {
		t.Fatalf("backup must survive a failed commit")
	}
	var alice model.User
	if err := h.db.First(&alice, 1).Error; err != nil || alice.UsedTraffic != 0 {
		t.Fatalf("partial commit: %d %v", alice.UsedTraffic, err)
	}

	if err := cb.Remove("test:fail"); err != nil {
		t.Fatalf("remove callback: %v", err)
	}
	if err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := h.snapshot(t); got != wantAfterOneCycle {
		t.Fatalf("unexpected state:\n got %+v\nwant %+v", got, wantAfterOneCycle)
	}
}

func TestRecoverSkipsCommittedBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.feed()
	ctx := context.Background()
	if err := h.rec.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var commit model.UsageCommit
	if err := h.db.Where("category = ?", string(groupUsers)).First(&commit).Error; err != nil {
		t.Fatalf("commit marker: %v", err)
	}
	// crash between commit and backup removal
	stale := &Backup{ID: commit.BatchID, Deltas: []Delta{{Kind: KindUser, SubjectID: 1, Uplink: 170}}}
	if err := h.rec.backups.write(groupUsers, stale); err != nil {
		t.Fatalf("write backup: %v", err)
	}
	// a batch that never made it
	fresh := &Backup{ID: "not-committed", Deltas: []Delta{{Kind: KindService, SubjectID: 1, Downlink: 30}}}
	if err := h.rec.backups.write(groupServices, fresh); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	if err := h.rec.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got := h.snapshot(t)
	if got.aliceUsed != 170 {
		t.Fatalf("committed batch applied twice: %d", got.aliceUsed)
	}
	if got.serviceUsage != 200 {
		t.Fatalf("pending batch not recovered: %d", got.serviceUsage)
	}
	if h.rec.backups.pending() {
		t.Fatalf("backups should be cleared after recovery")
	}
}

func TestRecoverReplaysIntoRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := newHarness(t, rdb)
	b := &Backup{ID: "left-over", Deltas: []Delta{{Kind: KindUser, SubjectID: 1, Uplink: 40, Downlink: 2}}}
	if err := h.rec.backups.write(groupUsers, b); err != nil {
		t.Fatalf("write backup: %v", err)
	}
	if err := h.rec.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	var alice model.User
	if err := h.db.First(&alice, 1).Error; err != nil || alice.UsedTraffic != 42 {
		t.Fatalf("expected replayed usage 42, got %d %v", alice.UsedTraffic, err)
	}
	if mr.Exists(batchKey(groupUsers)) {
		t.Fatalf("replayed batch should be flushed")
	}
}

func TestUserHitsDataLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.master.push(&xrayapi.Stats{Users: map[string]xrayapi.Traffic{"2.bob": traffic(15, 5)}})
	if err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var bob model.User
	if err := h.db.First(&bob, 2).Error; err != nil {
		t.Fatalf("load bob: %v", err)
	}
	if bob.UsedTraffic != 110 || bob.Status != model.UserStatusLimited {
		t.Fatalf("expected limited with 110 used, got %s with %d", bob.Status, bob.UsedTraffic)
	}
	if len(h.pusher.removed) != 1 || h.pusher.removed[0] != "bob" {
		t.Fatalf("expected bob to be removed from cores, got %v", h.pusher.removed)
	}
}

func TestNextPlanOnDataLimit(t *testing.T) {
	h := newHarness(t, nil)
	plan := model.NextPlan{UserID: 2, DataLimit: 500, AddRemainingTraffic: true, TriggerOn: model.TriggerOnData}
	if err := h.db.Create(&plan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}
	h.master.push(&xrayapi.Stats{Users: map[string]xrayapi.Traffic{"2.bob": traffic(12, 0)}})
	if err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var bob model.User
	if err := h.db.Preload("NextPlan").First(&bob, 2).Error; err != nil {
		t.Fatalf("load bob: %v", err)
	}
	// 102 used of 100: nothing left to carry over
	if bob.Status != model.UserStatusActive || bob.DataLimit != 500 || bob.UsedTraffic != 0 {
		t.Fatalf("plan not applied: %s limit %d used %d", bob.Status, bob.DataLimit, bob.UsedTraffic)
	}
	if bob.NextPlan != nil {
		t.Fatalf("plan should be consumed")
	}
	if len(h.pusher.removed) != 0 {
		t.Fatalf("active user must not be removed: %v", h.pusher.removed)
	}
}

func TestReviewAppliesPlanOnExpiry(t *testing.T) {
	h := newHarness(t, nil)
	now := h.rec.now()
	past := now.Add(-time.Minute)
	if err := h.db.Model(&model.User{}).Where("id = ?", 1).Updates(map[string]any{
		"status": model.UserStatusExpired,
		"expire": past,
	}).Error; err != nil {
		t.Fatalf("expire alice: %v", err)
	}
	plan := model.NextPlan{UserID: 1, ExpireSeconds: 3600, TriggerOn: model.TriggerOnExpire}
	if err := h.db.Create(&plan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if err := h.rec.ReviewUsers(context.Background()); err != nil {
		t.Fatalf("ReviewUsers: %v", err)
	}
	var alice model.User
	if err := h.db.First(&alice, 1).Error; err != nil {
		t.Fatalf("load alice: %v", err)
	}
	if alice.Status != model.UserStatusActive {
		t.Fatalf("expected active, got %s", alice.Status)
	}
	if alice.Expire == nil || !alice.Expire.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expire %v", alice.Expire)
	}
	if len(h.pusher.added) != 1 || h.pusher.added[0] != "alice" {
		t.Fatalf("expected alice to be pushed back, got %v", h.pusher.added)
	}
}

func TestReviewActivatesOnHoldAfterTimeout(t *testing.T) {
	h := newHarness(t, nil)
	now := h.rec.now()
	if err := h.db.Model(&model.User{}).Where("id = ?", 1).Updates(map[string]any{
		"status":                  model.UserStatusOnHold,
		"on_hold_timeout":         now.Add(-time.Second),
		"on_hold_expire_duration": 86400,
	}).Error; err != nil {
		t.Fatalf("hold alice: %v", err)
	}
	if err := h.rec.ReviewUsers(context.Background()); err != nil {
		t.Fatalf("ReviewUsers: %v", err)
	}
	var alice model.User
	if err := h.db.First(&alice, 1).Error; err != nil {
		t.Fatalf("load alice: %v", err)
	}
	if alice.Status != model.UserStatusActive || alice.Expire == nil || !alice.Expire.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("on hold not activated: %s %v", alice.Status, alice.Expire)
	}
	if len(h.pusher.added) != 0 {
		t.Fatalf("on hold users are already live: %v", h.pusher.added)
	}
}

func TestAdminLimitDisablesUsers(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.db.Model(&model.Admin{}).Where("id = ?", 1).Update("data_limit", 100).Error; err != nil {
		t.Fatalf("limit admin: %v", err)
	}
	h.feed()
	if err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var admin model.Admin
	var alice model.User
	if err := h.db.First(&admin, 1).Error; err != nil {
		t.Fatalf("load admin: %v", err)
	}
	if err := h.db.First(&alice, 1).Error; err != nil {
		t.Fatalf("load alice: %v", err)
	}
	if !admin.LimitReached || alice.Status != model.UserStatusDisabled {
		t.Fatalf("admin limit not enforced: reached=%v alice=%s", admin.LimitReached, alice.Status)
	}
	if len(h.pusher.removed) != 1 || h.pusher.removed[0] != "alice" {
		t.Fatalf("expected alice removal, got %v", h.pusher.removed)
	}
}

func TestStoreFailureDuringRedisOutageKeepsUsage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	h := newHarness(t, rdb)
	ctx := context.Background()
	cb := h.db.Callback().Update()
	if err := cb.Before("gorm:update").Register("test:fail", func(tx *gorm.DB) {
		if tx.Statement.Table == "users" {
			_ = tx.AddError(errors.New("disk on fire"))
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	mr.Close()
	h.feed()
	if err := h.rec.Run(ctx); err == nil {
		t.Fatalf("expected the users commit to fail")
	}
	left, err := h.rec.backups.read(groupUsers)
	if err != nil || left == nil || left.Buffered {
		t.Fatalf("expected an unbuffered users backup, got %+v %v", left, err)
	}

	if err := cb.Remove("test:fail"); err != nil {
		t.Fatalf("remove callback: %v", err)
	}
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart redis: %v", err)
	}
	h.feed()
	if err := h.rec.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if err := h.rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := h.snapshot(t)
	if got.aliceUsed != 340 || got.aliceLifetime != 340 {
		t.Fatalf("usage of the failed cycle lost: used %d lifetime %d", got.aliceUsed, got.aliceLifetime)
	}
	if got.adminUsage != 340 || got.serviceUsage != 340 {
		t.Fatalf("unexpected admin %d service %d", got.adminUsage, got.serviceUsage)
	}
	if h.rec.backups.pending() {
		t.Fatalf("backups should be cleared after flush")
	}
}

func TestOwnerLookupFailureCarriesCounters(t *testing.T) {
	h := newHarness(t, nil)
	failing := true
	cb := h.db.Callback().Query()
	if err := cb.Before("gorm:query").Register("test:fail", func(tx *gorm.DB) {
		if failing && tx.Statement.Table == "users" {
			_ = tx.AddError(errors.New("pool checkout timeout"))
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	h.feed()
	ctx := context.Background()
	if err := h.rec.Run(ctx); err == nil {
		t.Fatalf("expected the owner lookup to fail")
	}
	if !h.rec.backups.pending() {
		t.Fatalf("counters reset on the cores must be kept on disk")
	}

	failing = false
	if err := h.rec.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := h.snapshot(t); got != wantAfterOneCycle {
		t.Fatalf("unexpected state:\n got %+v\nwant %+v", got, wantAfterOneCycle)
	}
	if h.rec.backups.pending() {
		t.Fatalf("backups should be cleared after commit")
	}
}

func TestRedisPathEnforcesDataLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := newHarness(t, rdb)
	h.master.push(&xrayapi.Stats{Users: map[string]xrayapi.Traffic{"2.bob": traffic(15, 5)}})
	if err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var bob model.User
	if err := h.db.First(&bob, 2).Error; err != nil {
		t.Fatalf("load bob: %v", err)
	}
	if bob.UsedTraffic != 110 || bob.Status != model.UserStatusLimited {
		t.Fatalf("expected limited with 110 used, got %s with %d", bob.Status, bob.UsedTraffic)
	}
	if len(h.pusher.removed) != 1 || h.pusher.removed[0] != "bob" {
		t.Fatalf("expected bob to be removed from cores, got %v", h.pusher.removed)
	}
	if mr.Exists(pendingKey(groupUsers)) {
		t.Fatalf("users batch should be flushed once a limit is reached")
	}
}
