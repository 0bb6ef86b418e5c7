package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const iconsRedisKey = "newsbot:icons"

// IconEntry 图标缓存表：内容 sha256 -> 图床地址
type IconEntry struct {
	Hash      string    `gorm:"primaryKey;size:64" json:"hash"`
	URL       string    `gorm:"size:1024" json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// SaveIcon 写入或更新一条图标缓存，同时写一份到 Redis hash
func (s *Store) SaveIcon(ctx context.Context, hash, url string) error {
	entry := IconEntry{Hash: hash, URL: url, CreatedAt: time.Now()}
	if err := s.DB.WithContext(ctx).Save(&entry).Error; err != nil {
		return err
	}
	if s.Redis != nil {
		if err := s.Redis.HSet(ctx, iconsRedisKey, hash, url).Err(); err != nil {
			s.log.WithError(err).Warn("mirror icon to redis failed")
		}
	}
	return nil
}

// LoadIcons 读取全部图标缓存，优先用 Redis，读不到再查库
func (s *Store) LoadIcons(ctx context.Context) (map[string]string, error) {
	if s.Redis != nil {
		if m, err := s.Redis.HGetAll(ctx, iconsRedisKey).Result(); err == nil && len(m) > 0 {
			return m, nil
		}
	}

	var list []IconEntry
	silent := s.DB.Session(&gorm.Session{Logger: s.DB.Logger.LogMode(logger.Silent)})
	if err := silent.WithContext(ctx).Find(&list).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, e := range list {
		out[e.Hash] = e.URL
	}
	return out, nil
}
