package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/LJTian/NewsBot/internal/delivery"
	"github.com/LJTian/NewsBot/internal/processor"
	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	channels     map[string][]*discordgo.Channel
	emojis       map[string][]*discordgo.Emoji
	sendErr      error
	listCalls    int
	sent         []string
	reactions    []string
	openFailures int
	opens        int
}

func (f *fakeSession) Open() error {
	f.opens++
	if f.opens <= f.openFailures {
		return errors.New("websocket dial failed")
	}
	return nil
}

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) GuildChannels(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	f.listCalls++
	chs, ok := f.channels[guildID]
	if !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownGuild)
	}
	return chs, nil
}

func (f *fakeSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, channelID+":"+embed.Title)
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func (f *fakeSession) MessageReactionAdd(channelID, messageID, emojiID string, _ ...discordgo.RequestOption) error {
	f.reactions = append(f.reactions, channelID+"/"+messageID+"/"+emojiID)
	return nil
}

func (f *fakeSession) GuildEmojis(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Emoji, error) {
	return f.emojis[guildID], nil
}

func restError(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "boom"},
	}
}

func newTestTransport(s *fakeSession) *Transport {
	logger, _ := test.NewNullLogger()
	return newTransport(s, logrus.NewEntry(logger))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing permissions", restError(http.StatusForbidden, discordgo.ErrCodeMissingPermissions), delivery.ErrNoPermission},
		{"missing access", restError(http.StatusForbidden, discordgo.ErrCodeMissingAccess), delivery.ErrNoPermission},
		{"unknown channel", restError(http.StatusNotFound, discordgo.ErrCodeUnknownChannel), delivery.ErrDestinationNotFound},
		{"unknown guild", restError(http.StatusNotFound, discordgo.ErrCodeUnknownGuild), delivery.ErrDestinationNotFound},
		{"bare 404", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}, delivery.ErrDestinationNotFound},
		{"invalid form body", restError(http.StatusBadRequest, discordgo.ErrCodeInvalidFormBody), delivery.ErrInvalidPayload},
		{"unknown emoji", restError(http.StatusBadRequest, discordgo.ErrCodeUnknownEmoji), delivery.ErrEmojiNotFound},
		{"server error", restError(http.StatusBadGateway, 0), delivery.ErrTransport},
		{"network", errors.New("connection reset"), delivery.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}
}

func TestEmbed(t *testing.T) {
	e := Embed(processor.Message{
		Title:         "Go 1.23",
		Description:   "released",
		URL:           "https://go.dev/blog",
		Color:         0xABCDEF,
		AuthorName:    "go.dev",
		AuthorIconURL: "https://i.example.com/go.png",
		FieldName:     "https://go.dev/blog",
		FieldValue:    "Developer News",
		Footer:        "CodeProject @ 02 May 2024",
	})

	assert.Equal(t, "Go 1.23", e.Title)
	assert.Equal(t, 0xABCDEF, e.Color)
	require.NotNil(t, e.Author)
	assert.Equal(t, "https://i.example.com/go.png", e.Author.IconURL)
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "Developer News", e.Fields[0].Value)
	require.NotNil(t, e.Footer)
	assert.Equal(t, "CodeProject @ 02 May 2024", e.Footer.Text)

	bare := Embed(processor.Message{Title: "t"})
	assert.Nil(t, bare.Author)
	assert.Nil(t, bare.Fields)
	assert.Nil(t, bare.Footer)
}

func TestPostMessageResolvesChannelByName(t *testing.T) {
	s := &fakeSession{channels: map[string][]*discordgo.Channel{
		"g1": {
			{ID: "voice", Name: "news", Type: discordgo.ChannelTypeGuildVoice},
			{ID: "c-news", Name: "news", Type: discordgo.ChannelTypeGuildText},
		},
	}}
	tr := newTestTransport(s)
	route := delivery.Route{GroupID: "g1", ChannelName: "news"}

	h, err := tr.PostMessage(context.Background(), route, processor.Message{Title: "A"})
	require.NoError(t, err)
	assert.Equal(t, delivery.MessageHandle{ChannelID: "c-news", MessageID: "msg-1"}, h)

	_, err = tr.PostMessage(context.Background(), route, processor.Message{Title: "B"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.listCalls)
	assert.Equal(t, []string{"c-news:A", "c-news:B"}, s.sent)
}

func TestPostMessageMissingDestination(t *testing.T) {
	s := &fakeSession{channels: map[string][]*discordgo.Channel{"g1": {}}}
	tr := newTestTransport(s)

	_, err := tr.PostMessage(context.Background(), delivery.Route{GroupID: "g1", ChannelName: "news"}, processor.Message{})
	assert.ErrorIs(t, err, delivery.ErrDestinationNotFound)

	_, err = tr.PostMessage(context.Background(), delivery.Route{GroupID: "gone", ChannelName: "news"}, processor.Message{})
	assert.ErrorIs(t, err, delivery.ErrDestinationNotFound)
}

func TestPostMessageForgetsDeletedChannel(t *testing.T) {
	s := &fakeSession{channels: map[string][]*discordgo.Channel{
		"g1": {{ID: "c1", Name: "news", Type: discordgo.ChannelTypeGuildText}},
	}}
	tr := newTestTransport(s)
	route := delivery.Route{GroupID: "g1", ChannelName: "news"}

	_, err := tr.PostMessage(context.Background(), route, processor.Message{})
	require.NoError(t, err)

	s.sendErr = restError(http.StatusNotFound, discordgo.ErrCodeUnknownChannel)
	_, err = tr.PostMessage(context.Background(), route, processor.Message{})
	assert.ErrorIs(t, err, delivery.ErrDestinationNotFound)

	s.sendErr = nil
	_, err = tr.PostMessage(context.Background(), route, processor.Message{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.listCalls)
}

func TestEmojisUsesAPIName(t *testing.T) {
	s := &fakeSession{emojis: map[string][]*discordgo.Emoji{
		"g1": {{ID: "42", Name: "rocket"}, nil, {ID: "7"}},
	}}
	tr := newTestTransport(s)

	got, err := tr.Emojis(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"rocket": "rocket:42"}, got)

	require.NoError(t, tr.AddReaction(context.Background(), delivery.MessageHandle{ChannelID: "c", MessageID: "m"}, got["rocket"]))
	assert.Equal(t, []string{"c/m/rocket:42"}, s.reactions)
}

func TestConnectRetries(t *testing.T) {
	s := &fakeSession{openFailures: 2}
	tr := newTestTransport(s)

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, 3, s.opens)
}

func TestConnectStopsWhenContextDone(t *testing.T) {
	s := &fakeSession{openFailures: 1000}
	tr := newTestTransport(s)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := tr.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Less(t, s.opens, 1000)
}
