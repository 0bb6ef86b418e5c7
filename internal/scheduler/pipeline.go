package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LJTian/NewsBot/internal/collector"
	"github.com/LJTian/NewsBot/internal/delivery"
	"github.com/LJTian/NewsBot/internal/processor"
	"github.com/sirupsen/logrus"
)

// Phase 流水线当前所处阶段
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseFiltering   Phase = "filtering"
	PhaseBuilding    Phase = "building"
	PhaseDelivering  Phase = "delivering"
	PhaseSleeping    Phase = "sleeping"
	PhaseTerminating Phase = "terminating"
)

// Sink 接收一批消息并推送到所有路由
type Sink interface {
	Deliver(ctx context.Context, batch processor.Batch, routes []delivery.Route) delivery.Report
}

// Archive 可选的推送记录存档
type Archive interface {
	SaveDeliveries(ctx context.Context, batch processor.Batch, report delivery.Report) error
}

type Observer interface {
	FeedFetched(feed string, err error)
	ItemsAccepted(feed string, n int)
	CycleFinished(started time.Time, dedupItems, iconEntries int)
}

// CycleResult 一轮采集的汇总
type CycleResult struct {
	Fetched    int `json:"fetched"`
	New        int `json:"new"`
	Posted     int `json:"posted"`
	Failed     int `json:"failed"`
	FeedErrors int `json:"feed_errors"`
}

type Pipeline struct {
	feeds   []collector.Feed
	state   *State
	builder *processor.BatchBuilder
	sink    Sink
	routes  []delivery.Route

	archive  Archive
	observer Observer

	mu    sync.Mutex
	phase Phase

	log *logrus.Entry
}

func NewPipeline(feeds []collector.Feed, state *State, builder *processor.BatchBuilder, sink Sink, log *logrus.Entry) *Pipeline {
	return &Pipeline{
		feeds:   feeds,
		state:   state,
		builder: builder,
		sink:    sink,
		routes:  state.Config.DeliveryRoutes(),
		phase:   PhaseIdle,
		log:     log.WithField("component", "pipeline"),
	}
}

func (p *Pipeline) WithArchive(a Archive) *Pipeline {
	p.archive = a
	return p
}

func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

func (p *Pipeline) State() *State {
	return p.state
}

func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Pipeline) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// RunCycle 跑一轮 采集 -> 去重 -> 构建 -> 推送。
// ctx 取消只在两个 feed 之间生效，进行中的网络请求不会被打断。
func (p *Pipeline) RunCycle(ctx context.Context, now time.Time) CycleResult {
	started := time.Now()
	today := collector.Day(now)
	work := context.WithoutCancel(ctx)
	log := p.log.WithField("today", today.Format("2006-01-02"))
	var res CycleResult

	log.Info("collecting news")
	p.state.Dedup.InvalidateIfStale(today)

	for _, feed := range p.feeds {
		if ctx.Err() != nil {
			log.Info("shutdown requested, skipping remaining feeds")
			break
		}
		p.runFeed(work, feed, today, &res, log.WithField("feed", feed.Name()))
	}

	p.setPhase(PhaseIdle)
	if p.observer != nil {
		p.observer.CycleFinished(started, p.state.Dedup.Len(), p.state.Icons.Len())
	}
	log.WithFields(logrus.Fields{
		"fetched":  res.Fetched,
		"new":      res.New,
		"posted":   res.Posted,
		"failed":   res.Failed,
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("collect cycle done")
	return res
}

func (p *Pipeline) runFeed(ctx context.Context, feed collector.Feed, today time.Time, res *CycleResult, log *logrus.Entry) {
	p.setPhase(PhaseFetching)
	log.Info("processing feed")
	items, err := feed.Fetch(ctx, today)
	if p.observer != nil {
		p.observer.FeedFetched(feed.Name(), err)
	}
	if err != nil {
		res.FeedErrors++
		if errors.Is(err, collector.ErrStructure) {
			// 页面结构变了，需要人工处理
			log.WithError(err).Error("feed layout changed, skipping feed this cycle")
		} else {
			log.WithError(err).Warn("fetch feed failed, skipping feed this cycle")
		}
		return
	}
	res.Fetched += len(items)
	log.WithField("item_count", len(items)).Info("feed processed")

	p.setPhase(PhaseFiltering)
	fresh := make([]collector.NewsItem, 0, len(items))
	for _, it := range items {
		if p.state.Dedup.ShouldDeliver(it) {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		log.Info("no new items for posting, skipping batch")
		return
	}

	p.setPhase(PhaseBuilding)
	log.WithField("item_count", len(fresh)).Debug("creating batch")
	batch := p.builder.Build(ctx, feed.Name(), fresh, today)
	res.New += len(batch.Items)
	if p.observer != nil {
		p.observer.ItemsAccepted(feed.Name(), len(batch.Items))
	}

	p.setPhase(PhaseDelivering)
	log.WithField("item_count", len(batch.Messages)).Info("queuing new items for posting")
	report := p.sink.Deliver(ctx, batch, p.routes)

	// 交给推送后即视为已投递，不看每个路由是否成功
	for _, it := range batch.Items {
		p.state.Dedup.MarkDelivered(it)
	}
	res.Posted += report.Posted()
	res.Failed += report.Failed()

	if p.archive != nil {
		if err := p.archive.SaveDeliveries(ctx, batch, report); err != nil {
			log.WithError(err).Warn("archive deliveries failed")
		}
	}
}
