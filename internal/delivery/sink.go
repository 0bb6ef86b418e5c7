// Package delivery 把一批消息按路由逐条推送，并给每条消息加上配置的表情。
//
// 路由之间互不影响：某个路由没权限、频道不存在或者表情不存在，只记录日志，
// 其它路由和同一路由的后续消息照常推送。路由按顺序处理，同一路由内消息按顺序发送。
package delivery

import (
	"context"
	"fmt"

	"github.com/LJTian/NewsBot/internal/processor"
	"github.com/sirupsen/logrus"
)

// Transport 聊天平台的最小能力集合
type Transport interface {
	PostMessage(ctx context.Context, route Route, msg processor.Message) (MessageHandle, error)
	// AddReaction 的 emoji 已经是平台 API 形式（unicode 或 name:id）
	AddReaction(ctx context.Context, handle MessageHandle, emoji string) error
	// Emojis 返回群组自定义表情 name -> API 形式
	Emojis(ctx context.Context, groupID string) (map[string]string, error)
}

// Observer 接收每次发送/加表情的结果
type Observer interface {
	MessagePosted(route string, err error)
	ReactionAdded(route string, err error)
}

// RouteReport 单个路由的推送结果
type RouteReport struct {
	Route           string
	Posted          int
	Failed          int
	ReactionsFailed int
}

// Report 一次推送的汇总
type Report struct {
	Routes []RouteReport
}

func (r Report) Posted() int {
	n := 0
	for _, rr := range r.Routes {
		n += rr.Posted
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, rr := range r.Routes {
		n += rr.Failed
	}
	return n
}

type Sink struct {
	transport Transport
	observer  Observer

	log *logrus.Entry
}

func NewSink(transport Transport, log *logrus.Entry) *Sink {
	return &Sink{
		transport: transport,
		log:       log.WithField("component", "delivery"),
	}
}

func (s *Sink) WithObserver(o Observer) *Sink {
	s.observer = o
	return s
}

// Deliver 推送一批消息到所有路由，不返回错误，结果汇总在 Report 里
func (s *Sink) Deliver(ctx context.Context, batch processor.Batch, routes []Route) Report {
	report := Report{Routes: make([]RouteReport, 0, len(routes))}
	for _, route := range routes {
		report.Routes = append(report.Routes, s.deliverRoute(ctx, batch, route))
	}
	return report
}

func (s *Sink) deliverRoute(ctx context.Context, batch processor.Batch, route Route) RouteReport {
	log := s.log.WithField("route", route.String())
	rr := RouteReport{Route: route.String()}
	emojis := &emojiSet{groupID: route.GroupID}

	for _, msg := range batch.Messages {
		log.WithField("title", msg.Title).Info("posting item")

		handle, err := s.transport.PostMessage(ctx, route, msg)
		s.observePost(route, err)
		if err != nil {
			rr.Failed++
			log.WithError(err).WithFields(logrus.Fields{
				"kind": Classify(err),
				"url":  msg.URL,
			}).Error("post message failed")
			continue
		}
		rr.Posted++

		for _, spec := range route.Reactions {
			err := s.addReaction(ctx, handle, route, spec, emojis)
			s.observeReaction(route, err)
			if err != nil {
				rr.ReactionsFailed++
				log.WithError(err).WithFields(logrus.Fields{
					"kind":     Classify(err),
					"reaction": spec,
				}).Warn("add reaction failed")
			}
		}
	}

	log.WithFields(logrus.Fields{
		"posted": rr.Posted,
		"failed": rr.Failed,
	}).Debug("route done")
	return rr
}

// addReaction 把配置里的表情写法解析成平台 API 形式后添加
func (s *Sink) addReaction(ctx context.Context, handle MessageHandle, route Route, spec string, emojis *emojiSet) error {
	emoji := spec
	if name, ok := CustomEmojiName(spec); ok {
		resolved, err := emojis.lookup(ctx, s.transport, name)
		if err != nil {
			return err
		}
		emoji = resolved
	}
	return s.transport.AddReaction(ctx, handle, emoji)
}

func (s *Sink) observePost(route Route, err error) {
	if s.observer != nil {
		s.observer.MessagePosted(route.String(), err)
	}
}

func (s *Sink) observeReaction(route Route, err error) {
	if s.observer != nil {
		s.observer.ReactionAdded(route.String(), err)
	}
}

// emojiSet 懒加载群组自定义表情，每个路由每次推送最多查询一次
type emojiSet struct {
	groupID string
	loaded  bool
	byName  map[string]string
	err     error
}

func (e *emojiSet) lookup(ctx context.Context, t Transport, name string) (string, error) {
	if !e.loaded {
		e.byName, e.err = t.Emojis(ctx, e.groupID)
		e.loaded = true
	}
	if e.err != nil {
		return "", e.err
	}
	emoji, ok := e.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %q in group %s", ErrEmojiNotFound, name, e.groupID)
	}
	return emoji, nil
}
