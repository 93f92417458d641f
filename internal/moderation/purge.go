package moderation

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"go.uber.org/zap"
)

// Purge limits.
const (
	MinPurge = 1
	MaxPurge = 1000
)

const (
	MsgPurgeLimit      = "Please specify a limit between 1 and 1000."
	MsgPurgePermission = "Access Denied: You need the Manage Messages permission to use this command."
	MsgPurgeFailed     = "Failed to purge messages."
	// MsgPurgePartial is formatted with the deleted count, the requested count and the channel.
	MsgPurgePartial = "Purged %d of %d messages from <#%d> before an error stopped the purge."
)

var purgeHeader = []string{"Timestamp", "Author", "Author ID", "Content"}

// Purge deletes recent messages of a channel and sends their log to the purge channel.
func (s *Service) Purge(ctx context.Context, caller Caller, channelID uint64, limit int) (Reply, error) {
	if !caller.Permissions.ManageMessages {
		return Reply{Content: MsgPurgePermission}, nil
	}

	if limit < MinPurge || limit > MaxPurge {
		return Reply{Content: MsgPurgeLimit}, nil
	}

	messages, err := s.platform.Messages(ctx, channelID, limit)
	if err != nil {
		s.logger.Error("Failed to fetch messages for purge",
			zap.Uint64("channelID", channelID), zap.Error(err))
		return Reply{Content: MsgPurgeFailed}, nil
	}

	ids := make([]uint64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}

	deleted, deleteErr := s.platform.DeleteMessages(ctx, channelID, ids)
	if deleteErr != nil {
		s.logger.Error("Failed to delete messages",
			zap.Uint64("channelID", channelID),
			zap.Int("count", len(ids)),
			zap.Int("deleted", len(deleted)),
			zap.Error(deleteErr))

		if len(deleted) == 0 {
			return Reply{Content: MsgPurgeFailed}, nil
		}
	}

	messages = deletedMessages(messages, deleted)

	log, err := PurgeLog(messages)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to build purge log: %w", err)
	}

	summary := fmt.Sprintf("Purged %d messages from <#%d>.", len(messages), channelID)
	if deleteErr != nil {
		summary = fmt.Sprintf(MsgPurgePartial, len(messages), len(ids), channelID)
	}

	s.notifier.Notify(notify.ChannelPurge, notify.Message{
		Content: summary + " Log file attached:",
		Files: []notify.File{{
			Name:        "purged_messages_" + s.now().Format("20060102_150405") + ".csv",
			Description: fmt.Sprintf("Purged by %d", caller.UserID),
			Data:        log,
		}},
	})

	s.logger.Info("Purged messages",
		zap.Uint64("guildID", caller.GuildID),
		zap.Uint64("channelID", channelID),
		zap.Uint64("userID", caller.UserID),
		zap.Int("count", len(messages)))

	return Reply{Content: summary}, nil
}

// deletedMessages keeps the messages whose IDs are in deleted, preserving order.
func deletedMessages(messages []platform.Message, deleted []uint64) []platform.Message {
	set := make(map[uint64]struct{}, len(deleted))
	for _, id := range deleted {
		set[id] = struct{}{}
	}

	out := make([]platform.Message, 0, len(deleted))
	for _, m := range messages {
		if _, ok := set[m.ID]; ok {
			out = append(out, m)
		}
	}

	return out
}

// PurgeLog renders deleted messages as CSV with newlines in content escaped.
func PurgeLog(messages []platform.Message) ([]byte, error) {
	var buf bytes.Buffer

	writer := csv.NewWriter(&buf)
	if err := writer.Write(purgeHeader); err != nil {
		return nil, err
	}

	for _, m := range messages {
		err := writer.Write([]string{
			m.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			m.Author,
			strconv.FormatUint(m.AuthorID, 10),
			strings.ReplaceAll(m.Content, "\n", `\n`),
		})
		if err != nil {
			return nil, err
		}
	}

	writer.Flush()

	return buf.Bytes(), writer.Error()
}
