package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Status 给状态接口用的快照
type Status struct {
	Phase          Phase       `json:"phase"`
	Cycles         int         `json:"cycles"`
	LastCycleStart time.Time   `json:"last_cycle_start"`
	LastCycleEnd   time.Time   `json:"last_cycle_end"`
	LastResult     CycleResult `json:"last_result"`
	NextRun        time.Time   `json:"next_run"`
	DedupDate      string      `json:"dedup_date"`
	DedupItems     int         `json:"dedup_items"`
	IconEntries    int         `json:"icon_entries"`
	LastSaveError  string      `json:"last_save_error,omitempty"`
}

type Scheduler struct {
	cron     *cron.Cron
	entry    cron.EntryID
	job      cron.Job
	pipeline *Pipeline
	now      func() time.Time

	// cycleMu 保证同一时间只有一个 worker 在动 State，退出保存也在它之后
	cycleMu sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	status Status

	log *logrus.Entry
}

// New 按 cron 表达式（一般是 "@every Ns"）定时跑流水线，上一轮没跑完时跳过本轮
func New(spec string, p *Pipeline, now func() time.Time, log *logrus.Entry) (*Scheduler, error) {
	log = log.WithField("component", "scheduler")
	c := cron.New(cron.WithLogger(cron.PrintfLogger(log)))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:     c,
		pipeline: p,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	s.job = cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))).Then(cron.FuncJob(s.runOnce))

	id, err := c.AddJob(spec, s.job)
	if err != nil {
		cancel()
		return nil, err
	}
	s.entry = id
	s.status.Phase = PhaseIdle
	return s, nil
}

// Start 启动定时器，并立即跑第一轮
func (s *Scheduler) Start() {
	s.log.Info("NewsBot start")
	s.cron.Start()
	go s.job.Run()
}

// RunOnce 同步跑一轮并保存状态，collect 命令使用
func (s *Scheduler) RunOnce() CycleResult {
	s.runOnce()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.LastResult
}

func (s *Scheduler) runOnce() {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if s.stopped {
		return
	}

	start := s.now()
	s.mu.Lock()
	s.status.LastCycleStart = start
	s.mu.Unlock()

	res := s.pipeline.RunCycle(s.ctx, start)

	var saveErr error
	if res.New > 0 {
		saveErr = s.save()
	}

	state := s.pipeline.State()
	s.mu.Lock()
	s.status.Cycles++
	s.status.LastCycleEnd = s.now()
	s.status.LastResult = res
	s.status.DedupDate = state.Dedup.CreatedAt().Format("2006-01-02")
	s.status.DedupItems = state.Dedup.Len()
	s.status.IconEntries = state.Icons.Len()
	if saveErr != nil {
		s.status.LastSaveError = saveErr.Error()
	} else if res.New > 0 {
		s.status.LastSaveError = ""
	}
	s.mu.Unlock()

	s.pipeline.setPhase(PhaseSleeping)
}

// Stop 停止调度，等待正在跑的一轮结束后保存状态。只保存一次。
func (s *Scheduler) Stop() error {
	s.pipeline.setPhase(PhaseTerminating)
	s.cancel()
	<-s.cron.Stop().Done()

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.pipeline.setPhase(PhaseTerminating)

	if err := s.save(); err != nil {
		s.log.WithError(err).Error("save state on shutdown failed")
		return err
	}
	s.log.Info("state saved, scheduler stopped")
	return nil
}

func (s *Scheduler) save() error {
	if err := s.pipeline.State().Save(); err != nil {
		s.log.WithError(err).Error("save state failed")
		return err
	}
	s.log.Debug("state saved")
	return nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	st.Phase = s.pipeline.Phase()
	if e := s.cron.Entry(s.entry); e.Valid() {
		st.NextRun = e.Next
	}
	return st
}
