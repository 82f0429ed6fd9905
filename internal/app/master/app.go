package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"xray-control/internal/config"
	"xray-control/internal/database"
	"xray-control/internal/job"
	"xray-control/internal/logger"
	"xray-control/internal/logstream"
	"xray-control/internal/metrics"
	"xray-control/internal/node"
	"xray-control/internal/notify"
	"xray-control/internal/service"
	"xray-control/internal/usage"
	"xray-control/internal/workerpool"
	"xray-control/internal/xrayconf"
	"xray-control/internal/xraycore"

	"github.com/robfig/cron/v3"
)

// App is the master runtime: every long lived component and its wiring.
type App struct {
	cfg *config.MasterConfig

	stores   *database.Stores
	metrics  *metrics.Metrics
	notifier notify.Notifier
	telegram *notify.Telegram
	pool     *workerpool.Pool

	nodes   *service.NodeService
	users   *service.UserService
	configs *service.ConfigService
	certs   *service.CertificateService

	core    *xraycore.Core
	manager *node.Manager
	usage   *usage.Reconciler

	cron       *cron.Cron
	server     *Server
	httpServer *http.Server
}

func New(ctx context.Context, cfg *config.MasterConfig) (*App, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	if cfg.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("database migration: %w", err)
		}
	}
	rdb, err := database.NewRedis(ctx, cfg)
	if err != nil {
		logger.Warningf("redis unavailable, usage is written directly: %v", err)
	}

	a := &App{
		cfg:     cfg,
		stores:  &database.Stores{DB: db, Redis: rdb},
		metrics: metrics.New(),
		pool:    workerpool.New("tasks", cfg.TaskWorkers, 1024),
	}
	if err := a.initNotifier(); err != nil {
		return nil, err
	}

	a.nodes = service.NewNodeService(db)
	a.users = service.NewUserService(db)
	a.certs = service.NewCertificateService(db)
	a.configs = service.NewConfigService(db, a.users, xrayconf.Options{
		APIHost:     cfg.XrayAPIHost,
		APIPort:     cfg.XrayAPIPort,
		ExcludeTags: cfg.XrayExcludeInbounds,
		FallbackTag: cfg.XrayFallbacksTag,
		XrayBinary:  cfg.XrayBinary,
	})

	runner := xraycore.NewRunner(cfg.XrayBinary, cfg.XrayAssetsPath, logstream.New(logstream.DefaultCapacity))
	apiAddr := net.JoinHostPort(cfg.XrayAPIHost, strconv.Itoa(cfg.XrayAPIPort))
	a.core = xraycore.NewCore(runner, apiAddr, cfg.NodeTimeout)

	clientCert, _, err := a.certs.ClientCertificate(ctx, cfg.NodeClientCertFile, cfg.NodeClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("master client certificate: %w", err)
	}

	a.manager = node.NewManager(node.Deps{
		Store:     a.nodes,
		Directory: a.users,
		Configs:   a.configs,
		Master:    a.core,
		Notifier:  a.notifier,
		Metrics:   a.metrics,
		Pool:      a.pool,
	}, node.Options{
		ClientCert:     clientCert,
		Timeout:        cfg.NodeTimeout,
		ReadyTimeout:   cfg.NodeTimeout,
		NotifyCooldown: cfg.NotifyCooldown,
		Workers:        cfg.CollectWorkers,
	})

	a.usage = usage.New(usage.Deps{
		DB:       db,
		Redis:    rdb,
		Sources:  a.manager,
		Pusher:   a.manager,
		Notifier: a.notifier,
		Metrics:  a.metrics,
	}, usage.Options{
		BackupDir: cfg.BackupDir,
		Workers:   cfg.CollectWorkers,
		Timeout:   cfg.NodeTimeout,
		Retries:   cfg.PersistRetries,
	})

	a.server = NewServer(ServerDeps{
		Nodes:   a.nodes,
		Configs: a.configs,
		Manager: a.manager,
		Cores:   a,
		Metrics: a.metrics,
		Secret:  cfg.HMACSecret,
	})
	return a, nil
}

func (a *App) initNotifier() error {
	msgs, err := notify.NewMessages(a.cfg.Language)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	notifiers := notify.Multi{notify.NewLog(msgs)}
	if a.cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(a.cfg.TelegramToken, a.cfg.TelegramAdminIDs, msgs)
		if err != nil {
			return err
		}
		a.telegram = tg
		notifiers = append(notifiers, tg)
	}
	a.notifier = notifiers
	return nil
}

// Start recovers pending usage, starts the cores, schedules the periodic
// jobs and serves the API.
func (a *App) Start(ctx context.Context) error {
	if err := a.usage.Recover(ctx); err != nil {
		logger.Errorf("usage recovery: %v", err)
	}
	if err := a.configs.Init(ctx, a.cfg.XrayConfigFile); err != nil {
		return fmt.Errorf("load core config: %w", err)
	}

	if err := a.startMasterCore(ctx); err != nil {
		logger.Errorf("master core: %v", err)
	}
	if err := a.manager.ConnectAll(ctx); err != nil {
		logger.Errorf("connect nodes: %v", err)
	}

	if err := a.schedule(); err != nil {
		return err
	}
	return a.serve()
}

func (a *App) schedule() error {
	a.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger.CronLogger{}),
		cron.WithChain(cron.Recover(logger.CronLogger{}), cron.SkipIfStillRunning(logger.CronLogger{})),
	)
	every := func(d time.Duration) string { return "@every " + d.String() }
	timeout := 4 * a.cfg.NodeTimeout

	jobs := []struct {
		interval time.Duration
		job      cron.Job
	}{
		{a.cfg.HealthCheckInterval, job.NewNodeHealthJob(a.manager, timeout)},
		{a.cfg.UsageInterval, job.NewUsageJob(a.usage, timeout)},
		{a.cfg.ReviewInterval, job.NewUserReviewJob(a.usage, timeout)},
		{a.cfg.CacheInterval, job.NewCacheRefreshJob(a.configs, a.manager, a.RestartCores, timeout)},
	}
	if a.stores.HasRedis() {
		jobs = append(jobs, struct {
			interval time.Duration
			job      cron.Job
		}{a.cfg.UsageInterval * 3, job.NewUsageFlushJob(a.usage, timeout)})
	}
	for _, j := range jobs {
		if _, err := a.cron.AddJob(every(j.interval), j.job); err != nil {
			return fmt.Errorf("schedule job: %w", err)
		}
	}
	a.cron.Start()
	return nil
}

func (a *App) serve() error {
	listener, err := net.Listen("tcp", ":"+a.cfg.HTTPPort)
	if err != nil {
		return err
	}
	a.httpServer = &http.Server{
		Handler:           a.server.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsOn := a.cfg.TLSCertFile != "" && a.cfg.TLSKeyFile != ""
	if tlsOn {
		logger.Infof("API server running HTTPS on %s", listener.Addr())
	} else {
		logger.Infof("API server running HTTP on %s", listener.Addr())
	}
	go func() {
		var err error
		if tlsOn {
			err = a.httpServer.ServeTLS(listener, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = a.httpServer.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API server: %v", err)
		}
	}()
	return nil
}

func (a *App) startMasterCore(ctx context.Context) error {
	version, err := a.core.Version(ctx)
	if err != nil {
		return err
	}
	cfg, err := a.configs.SynthesizeConfig(ctx, version)
	if err != nil {
		return err
	}
	if err := a.core.Start(ctx, cfg); err != nil {
		return err
	}
	logger.Noticef("master core %s started", version)
	return nil
}

// RestartCores restarts the master core with a freshly synthesized config
// and queues a restart of every connected node.
func (a *App) RestartCores(ctx context.Context) error {
	return restartCores(ctx, a.core, a.configs, a.manager.RestartAll)
}

type masterCore interface {
	Version(ctx context.Context) (string, error)
	Started() bool
	Start(ctx context.Context, cfg *xrayconf.Config) error
	Restart(ctx context.Context, cfg *xrayconf.Config) error
}

type configSynthesizer interface {
	SynthesizeConfig(ctx context.Context, coreVersion string) (*xrayconf.Config, error)
}

// restartCores queues restartNodes only once a config could be synthesized.
func restartCores(ctx context.Context, core masterCore, configs configSynthesizer, restartNodes func()) error {
	version, err := core.Version(ctx)
	if err != nil {
		return err
	}
	cfg, err := configs.SynthesizeConfig(ctx, version)
	if err != nil {
		return err
	}
	defer restartNodes()

	if !core.Started() {
		return core.Start(ctx, cfg)
	}
	return core.Restart(ctx, cfg)
}

// Shutdown stops the jobs and the API, commits buffered usage and stops
// every core.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.httpServer != nil {
		errs = append(errs, a.httpServer.Shutdown(ctx))
	}
	errs = append(errs, a.usage.Run(ctx), a.usage.Flush(ctx))

	a.manager.Shutdown(ctx)
	if a.core.Started() {
		errs = append(errs, a.core.Stop())
	}
	errs = append(errs, a.pool.Close(ctx))
	if a.telegram != nil {
		errs = append(errs, a.telegram.Close(ctx))
	}
	errs = append(errs, a.stores.Close())
	return errors.Join(errs...)
}
