package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"xray-control/internal/logger"
	"xray-control/internal/model"
	"xray-control/internal/xrayconf"

	"go.uber.org/atomic"
	"gorm.io/gorm"
)

var ErrNoCoreConfig = errors.New("no core config stored")

// ConfigService stores versioned xray documents and keeps the resolved
// current one in memory.
type ConfigService struct {
	db      *gorm.DB
	dir     xrayconf.Directory
	opts    xrayconf.Options
	current atomic.Pointer[xrayconf.Config]
	version atomic.Int64
}

func NewConfigService(db *gorm.DB, dir xrayconf.Directory, opts xrayconf.Options) *ConfigService {
	return &ConfigService{db: db, dir: dir, opts: opts}
}

// Config returns the cached config, or nil before the first Refresh.
func (s *ConfigService) Config() *xrayconf.Config {
	return s.current.Load()
}

// Current returns the latest stored document.
func (s *ConfigService) Current(ctx context.Context) (*model.CoreConfig, error) {
	var row model.CoreConfig
	err := s.db.WithContext(ctx).Order("version DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCoreConfig
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Save validates data and stores it as a new version. The cache is updated
// only after the insert succeeds.
func (s *ConfigService) Save(ctx context.Context, data []byte) (*model.CoreConfig, error) {
	cfg, err := xrayconf.LoadJSON(ctx, data, s.opts)
	if err != nil {
		return nil, err
	}

	var row model.CoreConfig
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&model.CoreConfig{}).Select("COALESCE(MAX(version), 0)").Scan(&last).Error; err != nil {
			return err
		}
		row = model.CoreConfig{Version: last + 1, Data: data}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	s.version.Store(int64(row.Version))
	logger.Infof("core config version %d saved", row.Version)
	return &row, nil
}

// Refresh reloads the latest document when its version differs from the
// cached one. It reports whether the cache changed.
func (s *ConfigService) Refresh(ctx context.Context) (bool, error) {
	row, err := s.Current(ctx)
	if err != nil {
		return false, err
	}
	if s.current.Load() != nil && int64(row.Version) == s.version.Load() {
		return false, nil
	}
	cfg, err := xrayconf.LoadJSON(ctx, row.Data, s.opts)
	if err != nil {
		return false, fmt.Errorf("core config version %d: %w", row.Version, err)
	}
	s.current.Store(cfg)
	s.version.Store(int64(row.Version))
	return true, nil
}

// Init loads the stored config, seeding it from path when the store is empty.
func (s *ConfigService) Init(ctx context.Context, path string) error {
	_, err := s.Refresh(ctx)
	if !errors.Is(err, ErrNoCoreConfig) {
		return err
	}
	if path == "" {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read core config seed: %w", err)
	}
	_, err = s.Save(ctx, data)
	return err
}

// Synthesize renders the current config with every live user for a core of
// the given version.
func (s *ConfigService) Synthesize(ctx context.Context, coreVersion string) ([]byte, error) {
	full, err := s.SynthesizeConfig(ctx, coreVersion)
	if err != nil {
		return nil, err
	}
	return full.JSON()
}

func (s *ConfigService) SynthesizeConfig(ctx context.Context, coreVersion string) (*xrayconf.Config, error) {
	cfg := s.Config()
	if cfg == nil {
		return nil, ErrNoCoreConfig
	}
	return xrayconf.IncludeLiveUsers(ctx, cfg, s.dir, coreVersion)
}
