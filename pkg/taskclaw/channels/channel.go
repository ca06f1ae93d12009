// Package channels defines the inbound event source and outbound sink that
// connect TaskClaw to messaging platforms. Each channel (Telegram, the local
// console) implements Channel; channels that can fetch attachments also
// implement MediaChannel.
package channels

import (
	"context"
	"errors"
	"io"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Channel is implemented by every messaging platform adapter.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a message to a chat.
	Send(ctx context.Context, chatID string, message *OutgoingMessage) error

	// Receive returns the stream of incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel is a Channel that can fetch attachments.
type MediaChannel interface {
	Channel

	// DownloadMedia streams the media of msg into w, reading at most limit
	// bytes. Exceeding the limit is an error.
	DownloadMedia(ctx context.Context, media *MediaInfo, w io.Writer, limit int64) (int64, error)
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the message id in the source channel. Used as the dedupe key.
	ID string

	// Channel identifies the source channel.
	Channel string

	// From is the sender id on the platform. It becomes the TaskClaw user id.
	From string

	// FromName is the sender display name, if available.
	FromName string

	// ChatID is where replies go.
	ChatID string

	Type      MessageType
	Content   string
	Timestamp time.Time

	// Media describes an attachment, if any.
	Media *MediaInfo

	// Metadata carries channel-specific data.
	Metadata map[string]any
}

// DedupeKey scopes the message id by channel.
func (m *IncomingMessage) DedupeKey() string {
	if m.ID == "" {
		return ""
	}
	return m.Channel + ":" + m.ID
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	Content string

	// ReplyTo is the message id to reply to.
	ReplyTo string

	// IsError marks replies produced by a failure.
	IsError bool
}

// MediaInfo describes an attachment on an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string

	// FileSize is the size declared by the platform, zero if unknown.
	FileSize int64

	Caption string

	// FileID is the platform handle used to download the file.
	FileID string
}

// HealthStatus is the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Replier routes a reply back to the channel and chat an incoming message
// came from. Implemented by Router.
type Replier interface {
	Reply(ctx context.Context, to *IncomingMessage, message *OutgoingMessage) error
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
	ErrMediaDownloadFailed = errors.New("failed to download media")
	ErrMediaTooLarge       = errors.New("media exceeds size limit")
	ErrUnknownChannel      = errors.New("unknown channel")
)
