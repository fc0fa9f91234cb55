package messaging

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxMessageSize is the text limit of a single message, in UTF-16 units.
	DefaultMaxMessageSize = 4096
	// DefaultMaxCaptionSize is the limit of a photo caption, in UTF-16 units.
	DefaultMaxCaptionSize = 1024
	// MaxMediaGroupSize is the largest number of photos in one media group.
	MaxMediaGroupSize = 10
)

var (
	// ErrTransientDelivery marks a failure that may succeed on a later attempt.
	ErrTransientDelivery = errors.New("messaging: transient delivery failure")
	// ErrPermanentDelivery marks a recipient that cannot be reached at all.
	ErrPermanentDelivery = errors.New("messaging: permanent delivery failure")
)

// Text is a text message. ReplyTo is zero for a standalone message.
type Text struct {
	Body    string
	ReplyTo int
	HTML    bool
}

// Photo is an image payload.
type Photo struct {
	Name string
	Data []byte
}

// SentMessage identifies a delivered message.
type SentMessage struct {
	ID int
}

// Channel delivers messages to a recipient. Errors wrap ErrTransientDelivery
// or ErrPermanentDelivery.
type Channel interface {
	SendText(ctx context.Context, recipient int64, text Text) (SentMessage, error)
	SendPhoto(ctx context.Context, recipient int64, photo Photo, caption string) (SentMessage, error)
	SendMediaGroup(ctx context.Context, recipient int64, photos []Photo, caption string) (SentMessage, error)
	MaxMessageSize() int
}

// IsPermanent reports whether err marks the recipient as unreachable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}

// SendLongText splits text to the channel limit and sends the parts in order,
// the first one as a reply to replyTo, pausing between parts.
func SendLongText(ctx context.Context, channel Channel, recipient int64, text string, replyTo int, pause time.Duration) error {
	parts := SplitText(text, channel.MaxMessageSize())
	for index, part := range parts {
		if index > 0 && pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		message := Text{Body: part}
		if index == 0 {
			message.ReplyTo = replyTo
		}
		if _, err := channel.SendText(ctx, recipient, message); err != nil {
			return err
		}
	}
	return nil
}
