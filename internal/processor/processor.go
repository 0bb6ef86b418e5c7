package processor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/LJTian/NewsBot/internal/collector"
	"github.com/sirupsen/logrus"
)

// 消息各字段的长度上限（与 Discord embed 限制一致）
const (
	maxTitleRunes       = 256
	maxDescriptionRunes = 4096
	maxFieldNameRunes   = 256
	maxFieldValueRunes  = 1024
	maxFooterRunes      = 2048
	maxAuthorRunes      = 256

	footerDateLayout = "02 Jan 2006"
	maxColor         = 0xFFFFFF
)

// Message 是推送前的统一结构，一条新闻对应一条消息
type Message struct {
	ID            string
	Title         string
	Description   string
	URL           string
	Color         int
	AuthorName    string
	AuthorIconURL string
	FieldName     string
	FieldValue    string
	Footer        string
}

// Batch 一轮采集的新消息，共用同一个颜色
type Batch struct {
	Feed     string
	Color    int
	Messages []Message
	Items    []collector.NewsItem
}

func (b Batch) Empty() bool {
	return len(b.Messages) == 0
}

// IconResolver 把站点 origin 解析成图标地址，不返回错误
type IconResolver interface {
	Resolve(ctx context.Context, origin string) string
}

// BatchBuilder 把新新闻渲染成一批消息
type BatchBuilder struct {
	icons IconResolver
	log   *logrus.Entry
}

func NewBatchBuilder(icons IconResolver, log *logrus.Entry) *BatchBuilder {
	return &BatchBuilder{
		icons: icons,
		log:   log.WithField("component", "batch"),
	}
}

// Build 渲染消息；同一 URL 在一批里只保留第一条
func (b *BatchBuilder) Build(ctx context.Context, feed string, items []collector.NewsItem, today time.Time) Batch {
	color := DayColor(today)
	batch := Batch{
		Feed:     feed,
		Color:    color,
		Messages: make([]Message, 0, len(items)),
		Items:    make([]collector.NewsItem, 0, len(items)),
	}
	seen := make(map[string]struct{})

	for _, it := range items {
		id := hashURL(it.URL)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		b.log.WithFields(logrus.Fields{
			"batch_len": len(batch.Messages),
			"url":       it.URL,
		}).Debug("adding to batch")

		icon := ""
		if origin := Origin(it.URL); origin != "" && b.icons != nil {
			icon = b.icons.Resolve(ctx, origin)
		}

		batch.Messages = append(batch.Messages, Message{
			ID:            id,
			Title:         truncateRunes(strings.TrimSpace(it.Title), maxTitleRunes),
			Description:   truncateRunes(strings.TrimSpace(it.Subtitle), maxDescriptionRunes),
			URL:           it.URL,
			Color:         color,
			AuthorName:    truncateRunes(it.Source, maxAuthorRunes),
			AuthorIconURL: icon,
			FieldName:     truncateRunes(it.URL, maxFieldNameRunes),
			FieldValue:    truncateRunes(it.Category, maxFieldValueRunes),
			Footer:        truncateRunes(Footer(feed, it.PublishedDate), maxFooterRunes),
		})
		batch.Items = append(batch.Items, it)
	}

	return batch
}

// DayColor 用日期做种子取一个 24 位颜色：同一天（包括重启后）结果不变
func DayColor(today time.Time) int {
	h := fnv.New64a()
	h.Write([]byte(collector.Day(today).Format("2006-01-02")))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	return r.Intn(maxColor + 1)
}

// Footer 形如 "CodeProject @ 02 May 2024"
func Footer(feed string, published time.Time) string {
	return fmt.Sprintf("%s @ %s", feed, published.Format(footerDateLayout))
}

// Origin 只保留 scheme 和 host，解析失败返回空串
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ItemID 新闻的稳定 ID，存储层也用它做主键
func ItemID(rawURL string) string {
	return hashURL(rawURL)
}

func hashURL(url string) string {
	h := sha1.New()
	h.Write([]byte(url))
	return hex.EncodeToString(h.Sum(nil))
}

// truncateRunes 按 rune 截断，超长时末尾补省略号
func truncateRunes(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	if limit <= 1 {
		return string(rs[:limit])
	}
	return string(rs[:limit-1]) + "…"
}
