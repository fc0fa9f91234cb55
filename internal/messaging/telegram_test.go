package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

type stubBot struct {
	sendErr   error
	groupErr  error
	sent      []tgbotapi.Chattable
	lastGroup tgbotapi.MediaGroupConfig
}

func (b *stubBot) Send(chattable tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, chattable)
	if b.sendErr != nil {
		return tgbotapi.Message{}, b.sendErr
	}
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *stubBot) SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error) {
	b.lastGroup = config
	if b.groupErr != nil {
		return nil, b.groupErr
	}
	return []tgbotapi.Message{{MessageID: 77}, {MessageID: 78}}, nil
}

func TestTelegramErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "forbidden", err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, permanent: true},
		{name: "chat not found", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, permanent: true},
		{name: "rate limited", err: &tgbotapi.Error{Code: 429, Message: "Too Many Requests: retry after 5"}, permanent: false},
		{name: "server error", err: &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}, permanent: false},
		{name: "bad payload", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: wrong file identifier"}, permanent: false},
		{name: "network", err: errors.New("dial tcp: i/o timeout"), permanent: false},
		{name: "deactivated text", err: errors.New("Forbidden: user is deactivated"), permanent: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			channel, err := NewTelegramChannelWithBot(&stubBot{sendErr: testCase.err}, nil)
			require.NoError(t, err)

			_, sendErr := channel.SendText(context.Background(), 1, Text{Body: "hello"})
			require.Error(t, sendErr)
			require.Equal(t, testCase.permanent, errors.Is(sendErr, ErrPermanentDelivery))
			require.Equal(t, !testCase.permanent, errors.Is(sendErr, ErrTransientDelivery))
		})
	}
}

func TestTelegramSendTextSetsReplyAndParseMode(t *testing.T) {
	bot := &stubBot{}
	channel, err := NewTelegramChannelWithBot(bot, nil)
	require.NoError(t, err)

	sent, err := channel.SendText(context.Background(), 5, Text{Body: "<b>hi</b>", ReplyTo: 9, HTML: true})
	require.NoError(t, err)
	require.Equal(t, 1, sent.ID)

	config, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	require.Equal(t, int64(5), config.ChatID)
	require.Equal(t, 9, config.ReplyToMessageID)
	require.Equal(t, tgbotapi.ModeHTML, config.ParseMode)
}

func TestTelegramMediaGroupCaptionsFirstPhotoOnly(t *testing.T) {
	bot := &stubBot{}
	channel, err := NewTelegramChannelWithBot(bot, nil)
	require.NoError(t, err)

	photos := make([]Photo, 12)
	for index := range photos {
		photos[index] = Photo{Data: []byte{byte(index)}}
	}
	sent, err := channel.SendMediaGroup(context.Background(), 5, photos, "caption")
	require.NoError(t, err)
	require.Equal(t, 77, sent.ID)
	require.Len(t, bot.lastGroup.Media, MaxMediaGroupSize)

	first, ok := bot.lastGroup.Media[0].(tgbotapi.InputMediaPhoto)
	require.True(t, ok)
	require.Equal(t, "caption", first.Caption)
	second, ok := bot.lastGroup.Media[1].(tgbotapi.InputMediaPhoto)
	require.True(t, ok)
	require.Empty(t, second.Caption)
}

func TestTelegramRejectsCancelledContext(t *testing.T) {
	channel, err := NewTelegramChannelWithBot(&stubBot{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = channel.SendText(ctx, 1, Text{Body: "x"})
	require.ErrorIs(t, err, ErrTransientDelivery)
}

func newStalledBotAPI(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"carwatch","username":"carwatch_bot"}}`))
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })
	return server.URL + "/bot%s/%s"
}

func TestTelegramSendIsBoundedByClientTimeout(t *testing.T) {
	channel, err := NewTelegramChannel(TelegramConfig{
		Token:       "test-token",
		APIEndpoint: newStalledBotAPI(t),
		HTTPClient:  &http.Client{},
		Timeout:     200 * time.Millisecond,
	})
	require.NoError(t, err)

	started := time.Now()
	_, err = channel.SendText(context.Background(), 1, Text{Body: "hello"})
	require.ErrorIs(t, err, ErrTransientDelivery)
	require.Less(t, time.Since(started), 2*time.Second)
}

func TestTelegramSendHonoursContextDeadline(t *testing.T) {
	channel, err := NewTelegramChannel(TelegramConfig{
		Token:       "test-token",
		APIEndpoint: newStalledBotAPI(t),
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err = channel.SendText(ctx, 1, Text{Body: "hello"})
	require.ErrorIs(t, err, ErrTransientDelivery)
	require.Less(t, time.Since(started), 2*time.Second)
}
