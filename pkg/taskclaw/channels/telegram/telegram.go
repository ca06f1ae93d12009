// Package telegram implements the Telegram channel using the Bot API over
// plain HTTP.
//
// Features:
//   - Long polling (getUpdates) or webhook ingress via HandleUpdate
//   - Text, photo, audio, voice, video and document messages
//   - Bounded media download via getFile
//   - Sender allow-list
//   - Long replies split at the 4096 character limit
package telegram

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// maxMessageLength is the Bot API limit for sendMessage text.
const maxMessageLength = 4096

// Update delivery modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token (from @BotFather).
	Token string

	// AllowedUsers restricts which sender ids are served. Empty allows all.
	AllowedUsers []int64

	// Mode is ModePolling (default) or ModeWebhook.
	Mode string

	// WebhookSecret is compared against X-Telegram-Bot-Api-Secret-Token.
	WebhookSecret string

	// ParseMode for outgoing messages; empty sends plain text.
	ParseMode string

	// APIBase overrides DefaultAPIBase.
	APIBase string
}

// Telegram implements channels.Channel and channels.MediaChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	baseURL string
	fileURL string
	allowed map[int64]bool

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	botName    atomic.Value // string

	// offset is the last processed update id + 1. Only the poll loop writes it.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Telegram channel.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePolling
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: 60 * time.Second},
		baseURL:  base + "/bot" + cfg.Token,
		fileURL:  base + "/file/bot" + cfg.Token,
		allowed:  allowed,
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and, in polling mode, starts the poll loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe()
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.botName.Store(me.Username)
	t.connected.Store(true)
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID, "mode", t.cfg.Mode)

	if t.cfg.Mode == ModePolling {
		t.wg.Add(1)
		go t.pollLoop()
	}
	return nil
}

// Disconnect stops the poll loop.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send delivers text to a chat, splitting it when it exceeds the Bot API
// limit. Only the first part replies to message.ReplyTo.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	for i, part := range splitMessage(message.Content, maxMessageLength) {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    part,
		}
		if t.cfg.ParseMode != "" {
			payload["parse_mode"] = t.cfg.ParseMode
		}
		if i == 0 && message.ReplyTo != "" {
			if msgID, e := strconv.ParseInt(message.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{
					"message_id":                  msgID,
					"allow_sending_without_reply": true,
				}
			}
		}
		if _, err := t.apiCall(ctx, "sendMessage", payload); err != nil {
			return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// IsConnected reports whether the bot is connected.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	details := map[string]any{"mode": t.cfg.Mode}
	if v := t.botName.Load(); v != nil {
		details["bot"] = v
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
		Details:       details,
	}
}

// DownloadMedia streams the file behind media.FileID into w. More than limit
// bytes yields channels.ErrMediaTooLarge.
func (t *Telegram) DownloadMedia(ctx context.Context, media *channels.MediaInfo, w io.Writer, limit int64) (int64, error) {
	if media == nil || media.FileID == "" {
		return 0, channels.ErrMediaDownloadFailed
	}

	file, err := t.getFile(ctx, media.FileID)
	if err != nil {
		return 0, fmt.Errorf("telegram: getFile failed: %w", err)
	}
	if limit > 0 && int64(file.FileSize) > limit {
		return 0, channels.ErrMediaTooLarge
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileURL+"/"+file.FilePath, nil)
	if err != nil {
		return 0, fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}

	var src io.Reader = resp.Body
	if limit > 0 {
		src = io.LimitReader(resp.Body, limit+1)
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("telegram: reading media: %w", err)
	}
	if limit > 0 && n > limit {
		return n, channels.ErrMediaTooLarge
	}
	return n, nil
}

// CheckWebhookSecret reports whether the header value matches the
// configured secret. An empty secret accepts everything.
func (t *Telegram) CheckWebhookSecret(header string) bool {
	if t.cfg.WebhookSecret == "" {
		return true
	}
	a := sha256.Sum256([]byte(header))
	b := sha256.Sum256([]byte(t.cfg.WebhookSecret))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// ErrBufferFull is returned by HandleUpdate when the receive buffer is full.
var ErrBufferFull = errors.New("telegram: message buffer full")

// HandleUpdate ingests one webhook update body.
func (t *Telegram) HandleUpdate(body []byte) error {
	var u tgUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return fmt.Errorf("telegram: decoding update: %w", err)
	}
	return t.processUpdate(u)
}

func (t *Telegram) pollLoop() {
	defer t.wg.Done()
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.offset, 100, 30)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if err := t.processUpdate(u); err != nil {
				t.logger.Warn("telegram: dropping update", "update_id", u.UpdateID, "error", err)
			}
		}
	}
}

// processUpdate converts an update into an IncomingMessage. Updates without
// a message, from bots or from senders off the allow-list are ignored.
func (t *Telegram) processUpdate(u tgUpdate) error {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}
	if len(t.allowed) > 0 && !t.allowed[msg.From.ID] {
		t.logger.Debug("telegram: sender not allowed", "from", msg.From.ID)
		return nil
	}

	fromName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if fromName == "" {
		fromName = msg.From.Username
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.FormatInt(int64(msg.MessageID), 10),
		Channel:   "telegram",
		From:      strconv.FormatInt(msg.From.ID, 10),
		FromName:  fromName,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Type:      channels.MessageText,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata:  map[string]any{"chat_type": msg.Chat.Type, "update_id": u.UpdateID},
	}
	if media := mediaOf(msg); media != nil {
		incoming.Type = media.Type
		incoming.Media = media
	}
	if incoming.Content == "" && incoming.Media == nil {
		return nil
	}

	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- incoming:
		return nil
	default:
		return ErrBufferFull
	}
}

// mediaOf extracts the attachment of msg. Platform-generated media without
// a file name get one derived from the message id.
func mediaOf(msg *tgMessage) *channels.MediaInfo {
	id := msg.MessageID
	switch {
	case msg.Document != nil:
		return &channels.MediaInfo{
			Type:     channels.MessageDocument,
			FileID:   msg.Document.FileID,
			MimeType: msg.Document.MimeType,
			FileSize: int64(msg.Document.FileSize),
			Filename: msg.Document.FileName,
			Caption:  msg.Caption,
		}
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		return &channels.MediaInfo{
			Type:     channels.MessageImage,
			FileID:   photo.FileID,
			MimeType: "image/jpeg",
			FileSize: int64(photo.FileSize),
			Filename: fmt.Sprintf("photo_%d.jpg", id),
			Caption:  msg.Caption,
		}
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = fmt.Sprintf("audio_%d%s", id, extForMime(msg.Audio.MimeType, ".mp3"))
		}
		return &channels.MediaInfo{
			Type:     channels.MessageAudio,
			FileID:   msg.Audio.FileID,
			MimeType: msg.Audio.MimeType,
			FileSize: int64(msg.Audio.FileSize),
			Filename: name,
			Caption:  msg.Caption,
		}
	case msg.Voice != nil:
		return &channels.MediaInfo{
			Type:     channels.MessageAudio,
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			FileSize: int64(msg.Voice.FileSize),
			Filename: fmt.Sprintf("voice_%d.ogg", id),
			Caption:  msg.Caption,
		}
	case msg.Video != nil:
		name := msg.Video.FileName
		if name == "" {
			name = fmt.Sprintf("video_%d%s", id, extForMime(msg.Video.MimeType, ".mp4"))
		}
		return &channels.MediaInfo{
			Type:     channels.MessageVideo,
			FileID:   msg.Video.FileID,
			MimeType: msg.Video.MimeType,
			FileSize: int64(msg.Video.FileSize),
			Filename: name,
			Caption:  msg.Caption,
		}
	}
	return nil
}

func extForMime(mime, fallback string) string {
	switch mime {
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/x-m4a":
		return ".m4a"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	}
	return fallback
}

// splitMessage breaks text into parts of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// ---------- Bot API ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int       `json:"message_id"`
	From      *tgUser   `json:"from"`
	Chat      tgChat    `json:"chat"`
	Date      int       `json:"date"`
	Text      string    `json:"text"`
	Caption   string    `json:"caption"`
	Photo     []tgPhoto `json:"photo"`
	Audio     *tgMedia  `json:"audio"`
	Voice     *tgMedia  `json:"voice"`
	Video     *tgMedia  `json:"video"`
	Document  *tgMedia  `json:"document"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgPhoto struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size"`
}

// tgMedia covers audio, voice, video and document payloads.
type tgMedia struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
	Duration int    `json:"duration"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int    `json:"file_size"`
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe() (*tgBotUser, error) {
	data, err := t.apiCall(t.ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(t.ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var f tgFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	if f.FilePath == "" {
		return nil, channels.ErrMediaDownloadFailed
	}
	return &f, nil
}
