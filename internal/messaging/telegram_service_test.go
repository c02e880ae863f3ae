package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/BTreeMap/DoseLog/internal/models"
)

// mockBot implements TelegramBot and feeds canned updates through the channel
// the service polls.
type mockBot struct {
	mu      sync.Mutex
	updates chan tgbotapi.Update
	sent    []tgbotapi.MessageConfig
	sendErr error
	stopped bool
}

func newMockBot() *mockBot {
	return &mockBot{updates: make(chan tgbotapi.Update, 16)}
}

func (m *mockBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockBot) StopReceivingUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.updates)
	}
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "doselog_test_bot"}
}

func (m *mockBot) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return tgbotapi.File{FileID: config.FileID, FileUniqueID: "unique123", FilePath: "voice/file_1.oga"}, nil
}

func newTestService(t *testing.T, bot *mockBot) *TelegramService {
	t.Helper()
	svc, err := NewTelegramService(
		WithToken("test-token"),
		WithBotFactory(func(token string) (TelegramBot, error) { return bot, nil }),
	)
	if err != nil {
		t.Fatalf("NewTelegramService failed: %v", err)
	}
	return svc
}

func waitForResponse(t *testing.T, ch <-chan models.Response) models.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return models.Response{}
	}
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
		Date: 1700000000,
	}}
}

func TestNewTelegramServiceRequiresToken(t *testing.T) {
	if _, err := NewTelegramService(); err == nil {
		t.Error("expected error when token is missing")
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := newTestService(t, newMockBot())

	got, err := svc.ValidateAndCanonicalizeRecipient("  123456789 ")
	if err != nil {
		t.Fatalf("expected numeric chat id accepted, got %v", err)
	}
	if got != "123456789" {
		t.Errorf("expected trimmed id, got %q", got)
	}

	if _, err := svc.ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("expected error for empty recipient")
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("@username"); err == nil {
		t.Error("expected error for non-numeric recipient")
	}
}

func TestSendMessage(t *testing.T) {
	bot := newMockBot()
	svc := newTestService(t, bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	if err := svc.SendMessage(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(bot.sent))
	}
	if bot.sent[0].ChatID != 42 || bot.sent[0].Text != "hello" {
		t.Errorf("unexpected outbound message: %+v", bot.sent[0])
	}
}

func TestSendMessageBeforeStart(t *testing.T) {
	svc := newTestService(t, newMockBot())
	if err := svc.SendMessage(context.Background(), "42", "hello"); err == nil {
		t.Error("expected error before Start")
	}
}

func TestSendMessageFailure(t *testing.T) {
	bot := newMockBot()
	bot.sendErr = errors.New("telegram unavailable")
	svc := newTestService(t, bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	if err := svc.SendMessage(context.Background(), "42", "hello"); err == nil {
		t.Error("expected send failure surfaced")
	}
}

func TestTranslateTextMessage(t *testing.T) {
	bot := newMockBot()
	svc := newTestService(t, bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	bot.updates <- textUpdate(42, "I had a sandwich")

	resp := waitForResponse(t, svc.Responses())
	if resp.Kind != models.ResponseKindText {
		t.Errorf("expected text kind, got %s", resp.Kind)
	}
	if resp.From != "42" || resp.Body != "I had a sandwich" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestTranslateCommandMessage(t *testing.T) {
	bot := newMockBot()
	svc := newTestService(t, bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: 42},
		Text:     "/records",
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/records")}},
		Date:     1700000000,
	}}

	resp := waitForResponse(t, svc.Responses())
	if resp.Kind != models.ResponseKindCommand {
		t.Errorf("expected command kind, got %s", resp.Kind)
	}
	if resp.Command != "records" {
		t.Errorf("expected command %q, got %q", "records", resp.Command)
	}
}

func TestTranslateVoiceMessage(t *testing.T) {
	bot := newMockBot()
	svc := newTestService(t, bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: 42},
		Voice: &tgbotapi.Voice{FileID: "voice-file-id"},
		Date:  1700000000,
	}}

	resp := waitForResponse(t, svc.Responses())
	if resp.Kind != models.ResponseKindVoice {
		t.Errorf("expected voice kind, got %s", resp.Kind)
	}
	if resp.VoiceRef != "voice-file-id" {
		t.Errorf("expected voice ref forwarded, got %q", resp.VoiceRef)
	}
}

func TestUnsupportedUpdatesIgnored(t *testing.T) {
	bot := newMockBot()
	svc := newTestService(t, bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	// No message payload at all, then a sticker-like message with no text.
	bot.updates <- tgbotapi.Update{}
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}}}
	bot.updates <- textUpdate(42, "finally a real one")

	resp := waitForResponse(t, svc.Responses())
	if resp.Body != "finally a real one" {
		t.Errorf("expected unsupported updates skipped, got %+v", resp)
	}
}

func TestStopClosesResponses(t *testing.T) {
	bot := newMockBot()
	svc := newTestService(t, bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case _, ok := <-svc.Responses():
		if ok {
			t.Error("expected response channel drained and closed after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response channel to close")
	}
}
