package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds one Bot API call when the config leaves it unset.
const DefaultRequestTimeout = 15 * time.Second

var (
	errMissingToken = errors.New("messaging: telegram token is required")
	errMissingBot   = errors.New("messaging: telegram bot is required")
	errEmptyGroup   = errors.New("messaging: media group requires at least one photo")

	permanentDescriptions = []string{
		"bot was blocked",
		"user is deactivated",
		"chat not found",
		"bot was kicked",
		"not enough rights to send",
	}
)

// Bot is the subset of the Bot API client used by TelegramChannel.
type Bot interface {
	Send(chattable tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// TelegramConfig configures a Telegram channel.
type TelegramConfig struct {
	Token       string
	APIEndpoint string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      *zap.Logger
}

// TelegramChannel delivers messages through the Telegram Bot API.
type TelegramChannel struct {
	bot    Bot
	logger *zap.Logger
}

// NewTelegramChannel authenticates against the Bot API and returns a channel.
func NewTelegramChannel(cfg TelegramConfig) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := &http.Client{Timeout: timeout}
	if cfg.HTTPClient != nil {
		configured := *cfg.HTTPClient
		if configured.Timeout <= 0 || configured.Timeout > timeout {
			configured.Timeout = timeout
		}
		client = &configured
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("messaging: telegram auth: %w", err)
	}
	return NewTelegramChannelWithBot(bot, cfg.Logger)
}

// NewTelegramChannelWithBot wraps an existing Bot API client.
func NewTelegramChannelWithBot(bot Bot, logger *zap.Logger) (*TelegramChannel, error) {
	if bot == nil {
		return nil, errMissingBot
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramChannel{bot: bot, logger: logger}, nil
}

// MaxMessageSize returns the Bot API text limit.
func (c *TelegramChannel) MaxMessageSize() int {
	return DefaultMaxMessageSize
}

// SendText sends a text message.
func (c *TelegramChannel) SendText(ctx context.Context, recipient int64, text Text) (SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return SentMessage{}, fmt.Errorf("%w: %v", ErrTransientDelivery, err)
	}
	config := tgbotapi.NewMessage(recipient, text.Body)
	config.ReplyToMessageID = text.ReplyTo
	config.DisableWebPagePreview = true
	if text.HTML {
		config.ParseMode = tgbotapi.ModeHTML
	}
	message, err := await(ctx, func() (tgbotapi.Message, error) { return c.bot.Send(config) })
	if err != nil {
		return SentMessage{}, c.classify("send_text", recipient, err)
	}
	return SentMessage{ID: message.MessageID}, nil
}

// SendPhoto sends one photo with an HTML caption.
func (c *TelegramChannel) SendPhoto(ctx context.Context, recipient int64, photo Photo, caption string) (SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return SentMessage{}, fmt.Errorf("%w: %v", ErrTransientDelivery, err)
	}
	config := tgbotapi.NewPhoto(recipient, tgbotapi.FileBytes{Name: photoName(photo, 0), Bytes: photo.Data})
	config.Caption = caption
	config.ParseMode = tgbotapi.ModeHTML
	message, err := await(ctx, func() (tgbotapi.Message, error) { return c.bot.Send(config) })
	if err != nil {
		return SentMessage{}, c.classify("send_photo", recipient, err)
	}
	return SentMessage{ID: message.MessageID}, nil
}

// SendMediaGroup sends up to MaxMediaGroupSize photos as an album; the first
// photo carries the caption.
func (c *TelegramChannel) SendMediaGroup(ctx context.Context, recipient int64, photos []Photo, caption string) (SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return SentMessage{}, fmt.Errorf("%w: %v", ErrTransientDelivery, err)
	}
	if len(photos) == 0 {
		return SentMessage{}, fmt.Errorf("%w: %v", ErrTransientDelivery, errEmptyGroup)
	}
	if len(photos) > MaxMediaGroupSize {
		photos = photos[:MaxMediaGroupSize]
	}
	media := make([]interface{}, 0, len(photos))
	for index, photo := range photos {
		item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{Name: photoName(photo, index), Bytes: photo.Data})
		if index == 0 {
			item.Caption = caption
			item.ParseMode = tgbotapi.ModeHTML
		}
		media = append(media, item)
	}
	group := tgbotapi.NewMediaGroup(recipient, media)
	messages, err := await(ctx, func() ([]tgbotapi.Message, error) { return c.bot.SendMediaGroup(group) })
	if err != nil {
		return SentMessage{}, c.classify("send_media_group", recipient, err)
	}
	if len(messages) == 0 {
		return SentMessage{}, nil
	}
	return SentMessage{ID: messages[0].MessageID}, nil
}

type callResult[T any] struct {
	value T
	err   error
}

// await runs a Bot API call and gives up when ctx ends first. The Bot API client
// takes no context; the abandoned call is still bounded by the HTTP client timeout.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		value, err := call()
		done <- callResult[T]{value: value, err: err}
	}()
	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *TelegramChannel) classify(operation string, recipient int64, err error) error {
	sentinel := ErrTransientDelivery
	if isPermanentTelegramError(err) {
		sentinel = ErrPermanentDelivery
	}
	c.logger.Debug("telegram delivery failed",
		zap.String("operation", operation),
		zap.Int64("user_id", recipient),
		zap.Bool("permanent", sentinel == ErrPermanentDelivery),
		zap.Error(err))
	return fmt.Errorf("%w: %v", sentinel, err)
}

func isPermanentTelegramError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusForbidden {
			return true
		}
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return false
		}
		return hasPermanentDescription(apiErr.Message)
	}
	return hasPermanentDescription(err.Error())
}

func hasPermanentDescription(description string) bool {
	lowered := strings.ToLower(description)
	for _, marker := range permanentDescriptions {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func photoName(photo Photo, index int) string {
	if photo.Name != "" {
		return photo.Name
	}
	return fmt.Sprintf("photo_%d.jpg", index+1)
}
