package api

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/DoseLog/internal/flow"
	"github.com/BTreeMap/DoseLog/internal/messaging"
	"github.com/BTreeMap/DoseLog/internal/models"
	"github.com/BTreeMap/DoseLog/internal/store"
)

// mockMsgService implements messaging.Service for dispatcher tests. Outbound
// messages are mirrored onto sentCh so tests can wait for async handling.
type mockMsgService struct {
	mu        sync.Mutex
	responses chan models.Response
	sent      []sentMessage
	sentCh    chan sentMessage
}

type sentMessage struct {
	To   string
	Body string
}

func newMockMsgService() *mockMsgService {
	return &mockMsgService{
		responses: make(chan models.Response, 16),
		sentCh:    make(chan sentMessage, 16),
	}
}

func (m *mockMsgService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("empty recipient")
	}
	return recipient, nil
}

func (m *mockMsgService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	msg := sentMessage{To: to, Body: body}
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	m.sentCh <- msg
	return nil
}

func (m *mockMsgService) Start(ctx context.Context) error { return nil }
func (m *mockMsgService) Stop() error                     { return nil }

func (m *mockMsgService) Responses() <-chan models.Response { return m.responses }

// mockVoiceService adds voice download support to the mock transport.
type mockVoiceService struct {
	*mockMsgService
	audio       string
	downloadErr error
}

func (m *mockVoiceService) DownloadVoice(ctx context.Context, voiceRef string) (string, io.ReadCloser, error) {
	if m.downloadErr != nil {
		return "", nil, m.downloadErr
	}
	return "voice_" + voiceRef + ".oga", io.NopCloser(strings.NewReader(m.audio)), nil
}

type dispatcherFixture struct {
	dispatcher  *Dispatcher
	msgService  *mockMsgService
	genaiClient *flow.MockGenAIClient
	sessions    *flow.Manager
	recordStore *store.InMemoryStore
	capture     *flow.CaptureFlow
	cancel      context.CancelFunc
}

func newDispatcherFixture(t *testing.T, genaiClient *flow.MockGenAIClient) *dispatcherFixture {
	t.Helper()
	mock := newMockMsgService()
	return newDispatcherFixtureWith(t, genaiClient, mock, mock)
}

// newDispatcherFixtureWith wires a dispatcher over svc while the fixture keeps
// direct access to the underlying mock's channels. svc and mock share state;
// they differ only when a voice-capable wrapper is under test.
func newDispatcherFixtureWith(t *testing.T, genaiClient *flow.MockGenAIClient, mock *mockMsgService, svc messaging.Service) *dispatcherFixture {
	t.Helper()
	sessions := flow.NewManager(models.DefaultHistoryLimit)
	recordStore := store.NewInMemoryStore()
	capture := flow.NewCaptureFlow(sessions, genaiClient, recordStore, svc)
	chat := flow.NewChatFlow(genaiClient, recordStore, "")
	router := flow.NewRouter(sessions, capture, chat)
	dispatcher := NewDispatcher(svc, genaiClient, router, capture, recordStore)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)
	t.Cleanup(cancel)

	return &dispatcherFixture{
		dispatcher:  dispatcher,
		msgService:  mock,
		genaiClient: genaiClient,
		sessions:    sessions,
		recordStore: recordStore,
		capture:     capture,
		cancel:      cancel,
	}
}

func (f *dispatcherFixture) waitForReply(t *testing.T) sentMessage {
	t.Helper()
	select {
	case msg := <-f.msgService.sentCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return sentMessage{}
	}
}

func (f *dispatcherFixture) command(from, cmd string) {
	f.msgService.responses <- models.Response{From: from, Kind: models.ResponseKindCommand, Command: cmd}
}

func (f *dispatcherFixture) text(from, body string) {
	f.msgService.responses <- models.Response{From: from, Kind: models.ResponseKindText, Body: body}
}

func TestDispatcherStartCommand(t *testing.T) {
	f := newDispatcherFixture(t, &flow.MockGenAIClient{})

	f.command("42", "start")
	reply := f.waitForReply(t)
	if reply.To != "42" {
		t.Errorf("expected reply to 42, got %q", reply.To)
	}
	if !strings.Contains(reply.Body, "insulin monitoring assistant") {
		t.Errorf("expected welcome message, got %q", reply.Body)
	}

	known := f.sessions.Known()
	if len(known) != 1 || known[0] != "42" {
		t.Errorf("expected session created for 42, got %v", known)
	}
}

func TestDispatcherTriggerCommand(t *testing.T) {
	f := newDispatcherFixture(t, &flow.MockGenAIClient{})

	f.command("42", "trigger")
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "what did you eat") {
		t.Errorf("expected opening capture question, got %q", reply.Body)
	}

	sess := f.sessions.GetOrCreate("42")
	if sess.State != models.AwaitingState(models.FieldCarbs) {
		t.Errorf("expected AWAITING_CARBS after trigger, got %s", sess.State)
	}

	// A second trigger while the capture is active gets the busy message.
	f.command("42", "trigger")
	reply = f.waitForReply(t)
	if !strings.Contains(reply.Body, "already in the middle") {
		t.Errorf("expected busy message, got %q", reply.Body)
	}
}

func TestDispatcherCancelCommand(t *testing.T) {
	f := newDispatcherFixture(t, &flow.MockGenAIClient{})

	f.command("42", "cancel")
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "no active capture") {
		t.Errorf("expected nothing-to-cancel message, got %q", reply.Body)
	}

	f.command("42", "trigger")
	f.waitForReply(t)
	f.command("42", "cancel")
	reply = f.waitForReply(t)
	if !strings.Contains(reply.Body, "cancelled") {
		t.Errorf("expected cancel confirmation, got %q", reply.Body)
	}
	if f.sessions.GetOrCreate("42").State != models.StateIdle {
		t.Error("expected session idle after cancel")
	}
}

func TestDispatcherRecordsCommand(t *testing.T) {
	f := newDispatcherFixture(t, &flow.MockGenAIClient{})

	f.command("42", "records")
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "no records yet") {
		t.Errorf("expected empty-store message, got %q", reply.Body)
	}

	f.recordStore.AddRecord(models.Record{
		UserID:    "42",
		Timestamp: time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC),
		Carbs:     45,
		Insulin:   6,
	})
	f.command("42", "records")
	reply = f.waitForReply(t)
	for _, want := range []string{"Stored Records", "Record #1", "Estimated Carbs: 45 g", "Insulin: 6 units", "2026-03-14 12:30:00"} {
		if !strings.Contains(reply.Body, want) {
			t.Errorf("expected records listing to contain %q, got:\n%s", want, reply.Body)
		}
	}
}

func TestDispatcherResetClearsOnlyHistory(t *testing.T) {
	f := newDispatcherFixture(t, &flow.MockGenAIClient{})

	sess := f.sessions.GetOrCreate("42")
	sess.Lock()
	sess.History.Append("user", "earlier question")
	sess.State = models.AwaitingState(models.FieldCarbs)
	sess.Buffer[models.FieldCarbs] = 30
	sess.Unlock()

	f.command("42", "reset")
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "context has been cleared") {
		t.Errorf("expected context-cleared confirmation, got %q", reply.Body)
	}
	if sess.History.Len() != 0 {
		t.Error("expected history cleared by reset")
	}
	// An active capture and its buffer survive a context reset.
	if sess.State != models.AwaitingState(models.FieldCarbs) {
		t.Errorf("expected capture state untouched by reset, got %s", sess.State)
	}
	if sess.Buffer[models.FieldCarbs] != 30 {
		t.Errorf("expected capture buffer untouched by reset, got %v", sess.Buffer)
	}
}

func TestDispatcherUnknownCommand(t *testing.T) {
	f := newDispatcherFixture(t, &flow.MockGenAIClient{})

	f.command("42", "fly_to_the_moon")
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "don't know that command") {
		t.Errorf("expected unknown-command message, got %q", reply.Body)
	}
}

func TestDispatcherTextRoutedToChat(t *testing.T) {
	f := newDispatcherFixture(t, &flow.MockGenAIClient{ChatResult: "a helpful answer"})

	f.text("42", "how much insulin have I used?")
	reply := f.waitForReply(t)
	if reply.Body != "a helpful answer" {
		t.Errorf("expected chat answer relayed, got %q", reply.Body)
	}
}

func TestDispatcherVoiceTranscribedAndRouted(t *testing.T) {
	voiceService := &mockVoiceService{mockMsgService: newMockMsgService(), audio: "fake audio"}
	genaiClient := &flow.MockGenAIClient{
		TranscribeOut: "thirty grams and six units",
		ExtractResult: map[string]interface{}{"carbs": float64(30), "insulin_units": float64(6)},
	}
	f := newDispatcherFixtureWith(t, genaiClient, voiceService.mockMsgService, voiceService)

	// Put the user mid-capture so the transcript drives the state machine.
	sess := f.sessions.GetOrCreate("42")
	sess.Lock()
	sess.State = models.AwaitingState(models.FieldCarbs)
	sess.Unlock()

	f.msgService.responses <- models.Response{From: "42", Kind: models.ResponseKindVoice, VoiceRef: "clip1"}
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "successfully recorded") {
		t.Errorf("expected capture completed from transcript, got %q", reply.Body)
	}
	if len(genaiClient.TranscribeCalls) != 1 {
		t.Fatalf("expected 1 transcription call, got %d", len(genaiClient.TranscribeCalls))
	}
	if genaiClient.TranscribeCalls[0] != "voice_clip1.oga" {
		t.Errorf("unexpected transcription filename: %q", genaiClient.TranscribeCalls[0])
	}
}

func TestDispatcherVoiceTranscriptionFailure(t *testing.T) {
	voiceService := &mockVoiceService{mockMsgService: newMockMsgService(), audio: "fake audio"}
	genaiClient := &flow.MockGenAIClient{TranscribeErr: errors.New("whisper unavailable")}
	f := newDispatcherFixtureWith(t, genaiClient, voiceService.mockMsgService, voiceService)

	sess := f.sessions.GetOrCreate("42")
	sess.Lock()
	sess.State = models.AwaitingState(models.FieldCarbs)
	sess.Unlock()

	f.msgService.responses <- models.Response{From: "42", Kind: models.ResponseKindVoice, VoiceRef: "clip1"}
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "couldn't understand the audio") {
		t.Errorf("expected transcription failure message, got %q", reply.Body)
	}
	// Soft failure: the capture state must survive.
	if sess.State != models.AwaitingState(models.FieldCarbs) {
		t.Errorf("expected capture state unchanged, got %s", sess.State)
	}
}

func TestDispatcherVoiceUnsupportedTransport(t *testing.T) {
	// The plain mock transport does not implement voice downloads.
	f := newDispatcherFixture(t, &flow.MockGenAIClient{})

	f.msgService.responses <- models.Response{From: "42", Kind: models.ResponseKindVoice, VoiceRef: "clip1"}
	reply := f.waitForReply(t)
	if !strings.Contains(reply.Body, "couldn't understand the audio") {
		t.Errorf("expected transcription failure message, got %q", reply.Body)
	}
}
