package collector

import (
	"context"
	"errors"
	"time"
)

// ErrStructure 表示页面结构与预期不符（例如表格消失、日期格式变化），需要人工关注
var ErrStructure = errors.New("listing structure changed")

// NewsItem 从新闻列表页解析出的一条新闻，构造后不再修改
type NewsItem struct {
	Title    string
	Subtitle string
	// URL 是去重的唯一键
	URL      string
	Source   string
	Category string
	// PublishedDate 只有日期，没有时间（UTC 零点）
	PublishedDate time.Time
}

// Feed 抽象每一个新闻源
type Feed interface {
	Name() string
	// Fetch 返回发布日期不早于 minDate 的新闻
	Fetch(ctx context.Context, minDate time.Time) ([]NewsItem, error)
}

// Day 把任意时间截断为日期，统一成 UTC 零点，方便按天比较
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Pick 过滤掉发布日期早于 minDate 的新闻
func Pick(items []NewsItem, minDate time.Time) []NewsItem {
	minDate = Day(minDate)
	out := make([]NewsItem, 0, len(items))
	for _, it := range items {
		if it.PublishedDate.Before(minDate) {
			continue
		}
		out = append(out, it)
	}
	return out
}
