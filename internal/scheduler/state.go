package scheduler

import (
	"fmt"
	"time"

	"github.com/LJTian/NewsBot/internal/config"
	"github.com/LJTian/NewsBot/internal/dedup"
	"github.com/LJTian/NewsBot/internal/icons"
	"github.com/sirupsen/logrus"
)

// State 是需要跨进程保存的全部数据，只由流水线这一个 worker 修改
type State struct {
	Config     *config.File
	ConfigPath string
	Dedup      *dedup.Cache
	Icons      *icons.Cache
	IconsPath  string
}

// LoadState 读取配置和图标缓存；任何一个读不出来都视为启动失败
func LoadState(configPath, iconsPath string, now time.Time, log *logrus.Entry) (*State, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	iconCache, err := icons.LoadCache(iconsPath)
	if err != nil {
		return nil, err
	}

	var dd *dedup.Cache
	if cfg.Cache.Timestamp == 0 {
		dd = dedup.New(now, cfg.Cache.Items, log)
	} else {
		dd = dedup.FromTimestamp(cfg.Cache.Timestamp, cfg.Cache.Items, log)
	}

	log.WithFields(logrus.Fields{
		"routes":      len(cfg.Routes),
		"interval":    cfg.Interval(),
		"dedup_items": dd.Len(),
		"icons":       iconCache.Len(),
	}).Info("state loaded")

	return &State{
		Config:     cfg,
		ConfigPath: configPath,
		Dedup:      dd,
		Icons:      iconCache,
		IconsPath:  iconsPath,
	}, nil
}

// Save 把去重缓存写回配置文件的 cache 段，再保存图标缓存
func (s *State) Save() error {
	s.Config.Cache = config.CacheSection{
		Timestamp: s.Dedup.Timestamp(),
		Items:     s.Dedup.Items(),
	}
	if err := s.Config.Save(s.ConfigPath); err != nil {
		return err
	}
	if err := s.Icons.Save(s.IconsPath); err != nil {
		return fmt.Errorf("save icons: %w", err)
	}
	return nil
}
