// Package metrics 汇总各环节的 Prometheus 指标，由 /metrics 暴露。
package metrics

import (
	"time"

	"github.com/LJTian/NewsBot/internal/delivery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "newsbot_cycles_total",
		Help: "The total number of pipeline cycles run",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "newsbot_cycle_duration_seconds",
		Help:    "Duration of one fetch-dedupe-deliver cycle",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s 起，10 个桶
	})

	lastCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newsbot_last_cycle_timestamp_seconds",
		Help: "Unix time of the last finished cycle",
	})

	feedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsbot_feed_fetches_total",
		Help: "Feed fetches by result",
	}, []string{"feed", "result"})

	itemsNew = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsbot_items_new_total",
		Help: "Items that passed deduplication",
	}, []string{"feed"})

	dedupSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newsbot_dedup_cache_items",
		Help: "URLs currently remembered as delivered today",
	})

	iconCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newsbot_icon_cache_entries",
		Help: "Entries in the content-addressed icon cache",
	})

	iconResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsbot_icon_resolutions_total",
		Help: "Icon resolutions by outcome",
	}, []string{"outcome"})

	messagesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsbot_messages_posted_total",
		Help: "Message posts by route and result",
	}, []string{"route", "result"})

	reactionsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsbot_reactions_added_total",
		Help: "Reactions by route and result",
	}, []string{"route", "result"})
)

// Recorder 实现各组件的 Observer 接口
type Recorder struct{}

func New() *Recorder {
	return &Recorder{}
}

func (*Recorder) IconResolved(outcome string) {
	iconResolutions.WithLabelValues(outcome).Inc()
}

func (*Recorder) MessagePosted(route string, err error) {
	messagesPosted.WithLabelValues(route, delivery.Classify(err)).Inc()
}

func (*Recorder) ReactionAdded(route string, err error) {
	reactionsAdded.WithLabelValues(route, delivery.Classify(err)).Inc()
}

func (*Recorder) FeedFetched(feed string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	feedFetches.WithLabelValues(feed, result).Inc()
}

func (*Recorder) ItemsAccepted(feed string, n int) {
	itemsNew.WithLabelValues(feed).Add(float64(n))
}

func (*Recorder) CycleFinished(started time.Time, dedupItems, iconEntries int) {
	cyclesTotal.Inc()
	cycleDuration.Observe(time.Since(started).Seconds())
	lastCycle.Set(float64(time.Now().Unix()))
	dedupSize.Set(float64(dedupItems))
	iconCacheSize.Set(float64(iconEntries))
}
