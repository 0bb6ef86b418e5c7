package delivery

import (
	"errors"
	"fmt"
	"strings"
)

// 推送失败的分类，transport 实现需要用 %w 包装它们
var (
	ErrNoPermission        = errors.New("no permission")
	ErrDestinationNotFound = errors.New("destination not found")
	ErrTransport           = errors.New("transport error")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrEmojiNotFound       = errors.New("emoji not found")
)

// Route 一个推送目的地：群组（服务器）下的某个频道，以及每条消息要加的表情
type Route struct {
	GroupID     string
	ChannelName string
	// Reactions 可以是 unicode 表情，也可以是 ":name:" 形式的群组自定义表情
	Reactions []string
}

func (r Route) String() string {
	return fmt.Sprintf("%s/#%s", r.GroupID, r.ChannelName)
}

// MessageHandle 已发送消息的引用，用于后续加表情
type MessageHandle struct {
	ChannelID string
	MessageID string
}

// CustomEmojiName 解析 ":name:" 形式，返回 name；不是自定义表情时 ok 为 false
func CustomEmojiName(spec string) (name string, ok bool) {
	if len(spec) > 2 && strings.HasPrefix(spec, ":") && strings.HasSuffix(spec, ":") {
		return spec[1 : len(spec)-1], true
	}
	return "", false
}

// Classify 返回错误分类的短名字，用于日志和指标
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoPermission):
		return "no_permission"
	case errors.Is(err, ErrDestinationNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrEmojiNotFound):
		return "emoji_not_found"
	default:
		return "transport"
	}
}
