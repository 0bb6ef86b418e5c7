package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LJTian/NewsBot/internal/delivery"
	"github.com/LJTian/NewsBot/internal/processor"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const listCacheTTL = 5 * time.Minute

// Feed 描述一个新闻源，例如 codeproject
type Feed struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Code    string `gorm:"size:64;uniqueIndex" json:"code"`
	Name    string `gorm:"size:128" json:"name"`
	BaseURL string `gorm:"size:256" json:"baseUrl"`
	Status  string `gorm:"size:32;index" json:"status"` // active / disabled

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Delivery 一条已交给推送的新闻，URL 唯一
type Delivery struct {
	ID            string `gorm:"primaryKey;size:40" json:"id"`
	Title         string `gorm:"size:512" json:"title"`
	URL           string `gorm:"size:1024;uniqueIndex" json:"url"`
	Feed          string `gorm:"size:64;index" json:"feed"`
	Source        string `gorm:"size:256" json:"source"`
	Category      string `gorm:"size:128" json:"category"`
	Subtitle      string `gorm:"size:1024" json:"subtitle"`
	IconURL       string `gorm:"size:1024" json:"iconUrl"`
	PublishedDate string `gorm:"size:10;index" json:"publishedDate"` // YYYY-MM-DD
	Color         int    `json:"color"`
	// Routes 记录每个路由的推送结果 route -> {posted, failed, reactionsFailed}
	Routes      datatypes.JSONMap `gorm:"type:jsonb" json:"routes"`
	DeliveredAt time.Time         `gorm:"index" json:"deliveredAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Store struct {
	DB    *gorm.DB
	Redis *redis.Client

	log *logrus.Entry
}

// NewStore 连接 Postgres；redisAddr 为空时不使用缓存
func NewStore(dsn, redisAddr string, log *logrus.Entry) (*Store, error) {
	log = log.WithField("component", "storage")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.AutoMigrate(&Feed{}, &Delivery{}, &IconEntry{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{DB: db, log: log}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis ping failed")
		}
		s.Redis = rdb
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureFeed 确保某个新闻源存在
func (s *Store) EnsureFeed(ctx context.Context, code, name, baseURL string) (*Feed, error) {
	f := &Feed{}
	if err := s.DB.WithContext(ctx).Where("code = ?", code).First(f).Error; err == nil {
		return f, nil
	}

	f = &Feed{
		Code:    code,
		Name:    name,
		BaseURL: baseURL,
		Status:  "active",
	}
	if err := s.DB.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// toValidUTF8 将字符串规范为合法 UTF-8，避免 PostgreSQL invalid byte sequence 错误
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// truncateRunesDB 按 rune 数截断字符串，确保不会超过数据库字段长度
func truncateRunesDB(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}

// routeResults 把推送报告转成可存 jsonb 的结构
func routeResults(report delivery.Report) datatypes.JSONMap {
	m := datatypes.JSONMap{}
	for _, rr := range report.Routes {
		m[rr.Route] = map[string]any{
			"posted":          rr.Posted,
			"failed":          rr.Failed,
			"reactionsFailed": rr.ReactionsFailed,
		}
	}
	return m
}

// toDeliveries 一批消息转成存档记录，Items 和 Messages 一一对应
func toDeliveries(batch processor.Batch, report delivery.Report, now time.Time) []Delivery {
	routes := routeResults(report)
	out := make([]Delivery, 0, len(batch.Items))
	for i, it := range batch.Items {
		d := Delivery{
			ID:            processor.ItemID(it.URL),
			Title:         truncateRunesDB(toValidUTF8(it.Title), 512),
			URL:           it.URL,
			Feed:          batch.Feed,
			Source:        truncateRunesDB(toValidUTF8(it.Source), 256),
			Category:      truncateRunesDB(toValidUTF8(it.Category), 128),
			Subtitle:      truncateRunesDB(toValidUTF8(it.Subtitle), 1024),
			PublishedDate: it.PublishedDate.Format("2006-01-02"),
			Color:         batch.Color,
			Routes:        routes,
			DeliveredAt:   now,
		}
		if i < len(batch.Messages) {
			d.IconURL = batch.Messages[i].AuthorIconURL
		}
		out = append(out, d)
	}
	return out
}

// SaveDeliveries 保存一批推送记录，已存在的按 URL 更新推送结果
func (s *Store) SaveDeliveries(ctx context.Context, batch processor.Batch, report delivery.Report) error {
	db := s.DB.WithContext(ctx)
	for _, d := range toDeliveries(batch, report, time.Now()) {
		d := d
		// 以 URL 作为幂等键，重复推送（例如跨天）只更新结果
		if err := db.Where("url = ?", d.URL).FirstOrCreate(&d).Error; err != nil {
			return fmt.Errorf("save delivery %s: %w", d.URL, err)
		}
		if err := db.Model(&d).Updates(map[string]any{
			"routes":       d.Routes,
			"delivered_at": d.DeliveredAt,
			"color":        d.Color,
		}).Error; err != nil {
			return fmt.Errorf("update delivery %s: %w", d.URL, err)
		}
	}
	// 不主动删除列表缓存，依赖短 TTL 自然过期
	s.log.WithField("item_count", len(batch.Items)).Debug("deliveries archived")
	return nil
}

func deliveriesCacheKey(feed, date string, limit int) string {
	return fmt.Sprintf("newsbot:deliveries:%s:%s:%d", feed, date, limit)
}

// ListDeliveries 按新闻源与可选日期返回推送记录，并使用 Redis 做简单缓存
// date: 可选，格式 2006-01-02
func (s *Store) ListDeliveries(ctx context.Context, feed, date string, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	cacheKey := deliveriesCacheKey(feed, date, limit)

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []Delivery
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var list []Delivery
	db := s.DB.WithContext(ctx).Model(&Delivery{})
	if feed != "" {
		db = db.Where("feed = ?", feed)
	}
	if date != "" {
		db = db.Where("published_date = ?", date)
	}
	if err := db.Order("delivered_at DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}

	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			_ = s.Redis.Set(ctx, cacheKey, bs, listCacheTTL).Err()
		}
	}
	return list, nil
}
