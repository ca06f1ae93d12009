package channels

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Router holds the connected channels and routes replies and media
// downloads to the channel a message came from.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{channels: make(map[string]Channel)}
}

// Register adds a channel, replacing any channel with the same name.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	r.channels[ch.Name()] = ch
	r.mu.Unlock()
}

// Get returns a channel by name.
func (r *Router) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// All returns the registered channels sorted by name.
func (r *Router) All() []Channel {
	r.mu.RLock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Reply implements Replier.
func (r *Router) Reply(ctx context.Context, to *IncomingMessage, message *OutgoingMessage) error {
	ch, ok := r.Get(to.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, to.Channel)
	}
	if message.ReplyTo == "" {
		message.ReplyTo = to.ID
	}
	return ch.Send(ctx, to.ChatID, message)
}

// Download fetches media through the named channel.
func (r *Router) Download(ctx context.Context, channel string, media *MediaInfo, w io.Writer, limit int64) (int64, error) {
	ch, ok := r.Get(channel)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMediaNotSupported, channel)
	}
	return mc.DownloadMedia(ctx, media, w, limit)
}

// Health returns the health of every channel keyed by name.
func (r *Router) Health() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for _, ch := range r.All() {
		out[ch.Name()] = ch.Health()
	}
	return out
}
