package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/LJTian/NewsBot/internal/delivery"
	"gopkg.in/yaml.v3"
)

// Options 是命令行/环境变量给出的运行参数
type Options struct {
	Token         string
	ImgurClientID string
	ConfigPath    string
	IconsPath     string
	ListingURL    string

	Listen    string
	BasicUser string
	BasicPass string

	PostgresDSN string
	RedisAddr   string
}

// File 是 YAML 配置文件，运行中会把去重缓存写回 cache 段
type File struct {
	UserAgent            string        `yaml:"user_agent"`
	ProbeIntervalSeconds int           `yaml:"probe_interval_seconds"`
	Routes               []RouteConfig `yaml:"routes"`
	Cache                CacheSection  `yaml:"cache"`

	// 旧版字段，只在读取时迁移，保存时不再写出
	ProbeNewsDelay int      `yaml:"probe_news_delay,omitempty"`
	Channel        string   `yaml:"channel,omitempty"`
	Servers        []string `yaml:"servers,omitempty"`
}

type RouteConfig struct {
	GroupID     string   `yaml:"group_id"`
	ChannelName string   `yaml:"channel_name"`
	Reactions   []string `yaml:"reactions,omitempty"`
}

// CacheSection 当天已推送的 URL，timestamp 为当天零点的秒级时间戳
type CacheSection struct {
	Timestamp int64    `yaml:"timestamp"`
	Items     []string `yaml:"items"`
}

// Load 读取并校验配置文件；文件不存在或格式错误都返回错误
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.migrate()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// migrate 把旧版的 probe_news_delay / channel + servers 转成新字段
func (f *File) migrate() {
	if f.ProbeIntervalSeconds == 0 && f.ProbeNewsDelay > 0 {
		f.ProbeIntervalSeconds = f.ProbeNewsDelay
	}
	if len(f.Routes) == 0 && f.Channel != "" {
		for _, server := range f.Servers {
			f.Routes = append(f.Routes, RouteConfig{GroupID: server, ChannelName: f.Channel})
		}
	}
	f.ProbeNewsDelay = 0
	f.Channel = ""
	f.Servers = nil
}

func (f *File) Validate() error {
	var errs []error
	if f.UserAgent == "" {
		errs = append(errs, errors.New("user_agent is required"))
	}
	if f.ProbeIntervalSeconds <= 0 {
		errs = append(errs, errors.New("probe_interval_seconds must be positive"))
	}
	if len(f.Routes) == 0 {
		errs = append(errs, errors.New("at least one route is required"))
	}
	for i, r := range f.Routes {
		if r.GroupID == "" || r.ChannelName == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: group_id and channel_name are required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (f *File) Interval() time.Duration {
	return time.Duration(f.ProbeIntervalSeconds) * time.Second
}

// CronSpec 把探测间隔转成 cron 的 @every 表达式
func (f *File) CronSpec() string {
	return "@every " + strconv.Itoa(f.ProbeIntervalSeconds) + "s"
}

func (f *File) DeliveryRoutes() []delivery.Route {
	routes := make([]delivery.Route, 0, len(f.Routes))
	for _, r := range f.Routes {
		routes = append(routes, delivery.Route{
			GroupID:     r.GroupID,
			ChannelName: r.ChannelName,
			Reactions:   append([]string(nil), r.Reactions...),
		})
	}
	return routes
}

// Save 先写临时文件再 rename，避免中途退出留下半个文件
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Now returns current time, 方便后续做可测试封装
func Now() time.Time {
	return time.Now()
}
