// Package notify delivers audit messages to the configured webhook channels.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/webhook"
	"github.com/sourcegraph/conc"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
	"go.uber.org/zap"
)

const (
	// deliveryTimeout bounds a single webhook delivery.
	deliveryTimeout = 30 * time.Second
	// MaxContentLength is the longest message content a webhook accepts.
	MaxContentLength = 2000
	// OverflowFileName names the attachment holding text cut from an oversized message.
	OverflowFileName = "message.txt"

	overflowNote = "\n… (full message attached)"
)

// Channel identifies an audit destination.
type Channel string

// Audit channels.
const (
	ChannelBan       Channel = "ban"
	ChannelAvatar    Channel = "avatar"
	ChannelReport    Channel = "report"
	ChannelLocalKick Channel = "localkick"
	ChannelLocalBan  Channel = "localban"
	ChannelPurge     Channel = "purge"
)

// Message is one audit notification.
type Message struct {
	Content string
	Files   []File
}

// File is an attachment sent with a message.
type File struct {
	Name        string
	Description string
	Data        []byte
}

// Notifier sends audit messages without blocking the caller on delivery.
type Notifier interface {
	Notify(channel Channel, msg Message)
}

// Sender delivers a message to one destination.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Webhooks is a Notifier that posts each channel to its own webhook.
type Webhooks struct {
	senders  map[Channel]Sender
	inflight conc.WaitGroup
	logger   *zap.Logger
}

var _ Notifier = (*Webhooks)(nil)

// New creates a Notifier from explicit senders. Channels without a sender are skipped.
func New(senders map[Channel]Sender, logger *zap.Logger) *Webhooks {
	return &Webhooks{
		senders: senders,
		logger:  logger.Named("notify"),
	}
}

// NewFromEnv creates webhook senders for every channel whose URL is configured.
func NewFromEnv(env *config.Env, logger *zap.Logger) (*Webhooks, error) {
	urls := map[Channel]string{
		ChannelBan:       env.BanWebhookURL,
		ChannelAvatar:    env.AvatarWebhookURL,
		ChannelReport:    env.ReportWebhookURL,
		ChannelLocalKick: env.LocalKickWebhook,
		ChannelLocalBan:  env.LocalBanWebhook,
		ChannelPurge:     env.PurgeWebhookURL,
	}

	senders := make(map[Channel]Sender, len(urls))
	for channel, url := range urls {
		if url == "" {
			continue
		}

		client, err := webhook.NewWithURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid %s webhook URL: %w", channel, err)
		}

		senders[channel] = &webhookSender{client: client}
	}

	return New(senders, logger), nil
}

// Notify queues a message for delivery. Oversized content is cut to the
// webhook limit with the full text attached. Delivery errors are logged.
func (w *Webhooks) Notify(channel Channel, msg Message) {
	sender, ok := w.senders[channel]
	if !ok {
		w.logger.Debug("No webhook configured for channel, skipping",
			zap.String("channel", string(channel)))
		return
	}

	msg = Fit(msg)

	w.inflight.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		if err := sender.Send(ctx, msg); err != nil {
			w.logger.Error("Failed to deliver audit message",
				zap.String("channel", string(channel)),
				zap.Error(err))
			return
		}

		w.logger.Debug("Delivered audit message",
			zap.String("channel", string(channel)),
			zap.Int("files", len(msg.Files)))
	})
}

// Fit returns msg unchanged when its content is within MaxContentLength.
// Otherwise the content is cut to fit and the full text is added as an attachment.
func Fit(msg Message) Message {
	runes := []rune(msg.Content)
	if len(runes) <= MaxContentLength {
		return msg
	}

	keep := MaxContentLength - utf8.RuneCountInString(overflowNote)

	files := make([]File, 0, len(msg.Files)+1)
	files = append(files, msg.Files...)
	files = append(files, File{
		Name:        OverflowFileName,
		Description: "Full message",
		Data:        []byte(msg.Content),
	})

	return Message{
		Content: string(runes[:keep]) + overflowNote,
		Files:   files,
	}
}

// Close waits for pending deliveries and releases the webhook clients.
func (w *Webhooks) Close(ctx context.Context) {
	w.inflight.Wait()

	for _, sender := range w.senders {
		if ws, ok := sender.(*webhookSender); ok {
			ws.client.Close(ctx)
		}
	}
}

// webhookSender posts messages through a disgo webhook client.
type webhookSender struct {
	client webhook.Client
}

func (s *webhookSender) Send(ctx context.Context, msg Message) error {
	builder := discord.NewWebhookMessageCreateBuilder().
		SetContent(msg.Content).
		SetAllowedMentions(&discord.AllowedMentions{})

	for _, file := range msg.Files {
		builder.AddFile(file.Name, file.Description, bytes.NewReader(file.Data))
	}

	_, err := s.client.CreateMessage(builder.Build(), rest.CreateWebhookMessageParams{}, rest.WithCtx(ctx))

	return err
}
