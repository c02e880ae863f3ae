package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/BTreeMap/DoseLog/internal/models"
)

// Default configuration constants for the Telegram service.
const (
	// DefaultUpdateTimeout is the long-polling timeout in seconds.
	DefaultUpdateTimeout = 60
	// DefaultResponseBuffer is the capacity of the inbound response channel.
	DefaultResponseBuffer = 64
)

// TelegramBot is the subset of the Telegram bot API used by the service.
// Narrowing to an interface keeps the service mockable in tests.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// tgBotWrapper adapts tgbotapi.BotAPI to the TelegramBot interface.
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances; tests substitute a mock.
type BotFactory func(token string) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Opts holds configuration for the Telegram service.
type Opts struct {
	Token      string
	Factory    BotFactory
	HTTPClient *http.Client
}

// Option configures Telegram service creation.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithBotFactory overrides bot construction (used by tests).
func WithBotFactory(factory BotFactory) Option {
	return func(o *Opts) { o.Factory = factory }
}

// WithHTTPClient overrides the client used for voice file downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = client }
}

// TelegramService implements Service over the Telegram bot API. Incoming
// updates are translated into models.Response values: parsed commands, plain
// text, or voice-clip references.
type TelegramService struct {
	token      string
	factory    BotFactory
	httpClient *http.Client
	bot        TelegramBot
	responses  chan models.Response
	cancel     context.CancelFunc
}

// NewTelegramService creates a Telegram service from the given options.
func NewTelegramService(opts ...Option) (*TelegramService, error) {
	cfg := Opts{Factory: defaultBotFactory, HTTPClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		slog.Error("messaging.NewTelegramService: bot token not set")
		return nil, fmt.Errorf("telegram bot token not set")
	}
	return &TelegramService{
		token:      cfg.Token,
		factory:    cfg.Factory,
		httpClient: cfg.HTTPClient,
		responses:  make(chan models.Response, DefaultResponseBuffer),
	}, nil
}

// ValidateAndCanonicalizeRecipient accepts numeric Telegram chat IDs.
func (s *TelegramService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	trimmed := strings.TrimSpace(recipient)
	if trimmed == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if _, err := strconv.ParseInt(trimmed, 10, 64); err != nil {
		return "", fmt.Errorf("recipient must be a numeric chat id: %w", err)
	}
	return trimmed, nil
}

// SendMessage sends a text message to a chat.
func (s *TelegramService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	chatID, _ := strconv.ParseInt(canonical, 10, 64)
	if s.bot == nil {
		return fmt.Errorf("telegram service not started")
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, body)); err != nil {
		slog.Error("TelegramService SendMessage failed", "error", err, "to", canonical)
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	slog.Debug("TelegramService SendMessage succeeded", "to", canonical, "body_length", len(body))
	return nil
}

// Start connects the bot and begins translating updates into responses.
func (s *TelegramService) Start(ctx context.Context) error {
	bot, err := s.factory(s.token)
	if err != nil {
		slog.Error("TelegramService Start: failed to create bot", "error", err)
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}
	s.bot = bot
	slog.Info("TelegramService authorized", "username", bot.GetSelf().UserName)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = DefaultUpdateTimeout
	updates := bot.GetUpdatesChan(u)

	go s.consumeUpdates(runCtx, updates)
	return nil
}

// Stop halts update polling and closes the response channel.
func (s *TelegramService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.bot != nil {
		s.bot.StopReceivingUpdates()
	}
	return nil
}

// Responses returns the inbound response channel.
func (s *TelegramService) Responses() <-chan models.Response {
	return s.responses
}

// DownloadVoice fetches the audio bytes for a Telegram voice file ID.
func (s *TelegramService) DownloadVoice(ctx context.Context, voiceRef string) (string, io.ReadCloser, error) {
	if s.bot == nil {
		return "", nil, fmt.Errorf("telegram service not started")
	}
	file, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: voiceRef})
	if err != nil {
		slog.Error("TelegramService DownloadVoice: GetFile failed", "error", err, "voiceRef", voiceRef)
		return "", nil, fmt.Errorf("failed to resolve voice file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(s.token), nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("TelegramService DownloadVoice: download failed", "error", err, "voiceRef", voiceRef)
		return "", nil, fmt.Errorf("failed to download voice file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return "", nil, fmt.Errorf("voice download returned status %d", resp.StatusCode)
	}

	filename := fmt.Sprintf("voice_%s.oga", file.FileUniqueID)
	slog.Debug("TelegramService DownloadVoice succeeded", "voiceRef", voiceRef, "filename", filename)
	return filename, resp.Body, nil
}

// consumeUpdates translates Telegram updates into models.Response values.
func (s *TelegramService) consumeUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(s.responses)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("TelegramService consumeUpdates: context cancelled")
			return
		case update, ok := <-updates:
			if !ok {
				slog.Debug("TelegramService consumeUpdates: update channel closed")
				return
			}
			if update.Message == nil {
				continue
			}
			resp, ok := s.translate(update.Message)
			if !ok {
				continue
			}
			select {
			case s.responses <- resp:
			case <-ctx.Done():
				return
			}
		}
	}
}

// translate maps one Telegram message to a models.Response.
func (s *TelegramService) translate(msg *tgbotapi.Message) (models.Response, bool) {
	from := strconv.FormatInt(msg.Chat.ID, 10)
	resp := models.Response{From: from, Time: int64(msg.Date)}

	switch {
	case msg.IsCommand():
		resp.Kind = models.ResponseKindCommand
		resp.Command = msg.Command()
	case msg.Voice != nil:
		resp.Kind = models.ResponseKindVoice
		resp.VoiceRef = msg.Voice.FileID
	case msg.Text != "":
		resp.Kind = models.ResponseKindText
		resp.Body = msg.Text
	default:
		slog.Debug("TelegramService translate: ignoring unsupported message", "from", from)
		return models.Response{}, false
	}

	slog.Debug("TelegramService translate: inbound message", "from", from, "kind", resp.Kind)
	return resp, true
}
