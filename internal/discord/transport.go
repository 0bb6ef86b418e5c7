// Package discord 是 delivery.Transport 的 Discord 实现。
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/LJTian/NewsBot/internal/delivery"
	"github.com/LJTian/NewsBot/internal/processor"
	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	connectMaxElapsed = 2 * time.Minute
)

// session 是用到的 discordgo.Session 方法
type session interface {
	Open() error
	Close() error
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	GuildEmojis(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Emoji, error)
}

type Transport struct {
	s session

	mu       sync.Mutex
	channels map[string]string // group/#channel -> channel id

	log *logrus.Entry
}

// New 用 bot token 创建 Transport，需要调用 Connect 建立网关连接
func New(token string, log *logrus.Entry) (*Transport, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	return newTransport(s, log), nil
}

func newTransport(s session, log *logrus.Entry) *Transport {
	return &Transport{
		s:        s,
		channels: make(map[string]string),
		log:      log.WithField("component", "discord"),
	}
}

// Connect 建立网关连接，网络失败按指数退避重试
func (t *Transport) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectMaxElapsed

	op := func() error {
		err := t.s.Open()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		t.log.WithError(err).WithField("retry_in", wait).Warn("discord connect failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	t.log.Info("Connected to discord servers.")
	return nil
}

func (t *Transport) Close() error {
	err := t.s.Close()
	t.log.Info("Disconnected from discord servers.")
	return err
}

func (t *Transport) PostMessage(ctx context.Context, route delivery.Route, msg processor.Message) (delivery.MessageHandle, error) {
	channelID, err := t.channelID(ctx, route)
	if err != nil {
		return delivery.MessageHandle{}, err
	}

	sent, err := t.s.ChannelMessageSendEmbed(channelID, Embed(msg), discordgo.WithContext(ctx))
	if err != nil {
		err = mapError(err)
		if errors.Is(err, delivery.ErrDestinationNotFound) {
			t.forget(route)
		}
		return delivery.MessageHandle{}, fmt.Errorf("send to %s: %w", route, err)
	}
	return delivery.MessageHandle{ChannelID: channelID, MessageID: sent.ID}, nil
}

func (t *Transport) AddReaction(ctx context.Context, handle delivery.MessageHandle, emoji string) error {
	if err := t.s.MessageReactionAdd(handle.ChannelID, handle.MessageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("react %s: %w", emoji, mapError(err))
	}
	return nil
}

func (t *Transport) Emojis(ctx context.Context, groupID string) (map[string]string, error) {
	emojis, err := t.s.GuildEmojis(groupID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list emojis of %s: %w", groupID, mapError(err))
	}
	out := make(map[string]string, len(emojis))
	for _, e := range emojis {
		if e == nil || e.Name == "" {
			continue
		}
		out[e.Name] = e.APIName()
	}
	return out, nil
}

// channelID 在群组里按名字找文字频道，结果缓存到频道被删除为止
func (t *Transport) channelID(ctx context.Context, route delivery.Route) (string, error) {
	key := route.String()
	t.mu.Lock()
	id, ok := t.channels[key]
	t.mu.Unlock()
	if ok {
		return id, nil
	}

	channels, err := t.s.GuildChannels(route.GroupID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("list channels of %s: %w", route.GroupID, mapError(err))
	}
	id = findChannel(channels, route.ChannelName)
	if id == "" {
		return "", fmt.Errorf("%w: channel %s", delivery.ErrDestinationNotFound, route)
	}

	t.log.WithFields(logrus.Fields{"route": key, "channel_id": id}).Debug("adding channel to posting list")
	t.mu.Lock()
	t.channels[key] = id
	t.mu.Unlock()
	return id, nil
}

func (t *Transport) forget(route delivery.Route) {
	t.mu.Lock()
	delete(t.channels, route.String())
	t.mu.Unlock()
}

func findChannel(channels []*discordgo.Channel, name string) string {
	for _, c := range channels {
		if c != nil && c.Type == discordgo.ChannelTypeGuildText && c.Name == name {
			return c.ID
		}
	}
	return ""
}

// Embed 把消息转成 Discord embed
func Embed(msg processor.Message) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		URL:         msg.URL,
		Title:       msg.Title,
		Description: msg.Description,
		Color:       msg.Color,
	}
	if msg.AuthorName != "" || msg.AuthorIconURL != "" {
		e.Author = &discordgo.MessageEmbedAuthor{Name: msg.AuthorName, IconURL: msg.AuthorIconURL}
	}
	if msg.FieldName != "" && msg.FieldValue != "" {
		e.Fields = []*discordgo.MessageEmbedField{{Name: msg.FieldName, Value: msg.FieldValue}}
	}
	if msg.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: msg.Footer}
	}
	return e
}

// mapError 把 REST 错误码归到 delivery 的错误分类
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return fmt.Errorf("%w: %v", delivery.ErrTransport, err)
	}

	code, status := 0, 0
	if restErr.Message != nil {
		code = restErr.Message.Code
	}
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}

	var kind error
	switch {
	case code == discordgo.ErrCodeMissingPermissions, code == discordgo.ErrCodeMissingAccess:
		kind = delivery.ErrNoPermission
	case code == discordgo.ErrCodeUnknownEmoji:
		kind = delivery.ErrEmojiNotFound
	case code == discordgo.ErrCodeUnknownChannel, code == discordgo.ErrCodeUnknownGuild, status == http.StatusNotFound:
		kind = delivery.ErrDestinationNotFound
	case code == discordgo.ErrCodeInvalidFormBody, status == http.StatusBadRequest:
		kind = delivery.ErrInvalidPayload
	case status == http.StatusForbidden:
		kind = delivery.ErrNoPermission
	default:
		kind = delivery.ErrTransport
	}

	detail := fmt.Sprintf("status %d", status)
	if restErr.Message != nil {
		detail = fmt.Sprintf("code %d: %s", code, restErr.Message.Message)
	}
	return fmt.Errorf("%w: %s", kind, detail)
}
