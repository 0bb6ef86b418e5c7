// Package dedup 记录当天已经投递过的新闻 URL，日期一变就整体清空。
package dedup

import (
	"time"

	"github.com/LJTian/NewsBot/internal/collector"
	"github.com/sirupsen/logrus"
)

// Cache 是按天划分的去重集合：所有条目都属于 createdAt 那一天
type Cache struct {
	createdAt time.Time
	seen      map[string]struct{}
	// order 记录插入顺序，持久化时输出稳定
	order []string

	log *logrus.Entry
}

// New 用持久化下来的状态构造缓存，createdAt 会被截断为日期
func New(createdAt time.Time, urls []string, log *logrus.Entry) *Cache {
	c := &Cache{
		createdAt: collector.Day(createdAt),
		seen:      make(map[string]struct{}, len(urls)),
		log:       log.WithField("component", "dedup"),
	}
	for _, u := range urls {
		c.add(u)
	}
	return c
}

// FromTimestamp 从配置里的 epoch 秒恢复缓存，按本地日期解释
func FromTimestamp(ts int64, urls []string, log *logrus.Entry) *Cache {
	return New(time.Unix(ts, 0), urls, log)
}

func (c *Cache) ShouldDeliver(item collector.NewsItem) bool {
	_, ok := c.seen[item.URL]
	return !ok
}

func (c *Cache) MarkDelivered(item collector.NewsItem) {
	c.add(item.URL)
}

// InvalidateIfStale 当 today 严格晚于缓存日期时清空缓存，并返回是否发生了清空。
// 同一天（包括时钟回拨后又前进）不会触发清空。
func (c *Cache) InvalidateIfStale(today time.Time) bool {
	today = collector.Day(today)
	if !today.After(c.createdAt) {
		return false
	}

	c.log.WithFields(logrus.Fields{
		"cached_day": c.createdAt.Format("2006-01-02"),
		"today":      today.Format("2006-01-02"),
		"dropped":    len(c.order),
	}).Info("item cache is outdated, clearing")

	c.createdAt = today
	c.seen = make(map[string]struct{})
	c.order = nil
	return true
}

func (c *Cache) CreatedAt() time.Time {
	return c.createdAt
}

// Timestamp 返回缓存日期当地零点的 epoch 秒，FromTimestamp 能还原出同一天
func (c *Cache) Timestamp() int64 {
	d := c.createdAt
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.Local).Unix()
}

// Items 返回已投递 URL 的副本
func (c *Cache) Items() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Cache) Len() int {
	return len(c.order)
}

func (c *Cache) add(url string) {
	if url == "" {
		return
	}
	if _, ok := c.seen[url]; ok {
		return
	}
	c.seen[url] = struct{}{}
	c.order = append(c.order, url)
}
