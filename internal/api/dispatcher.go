// Package api provides inbound message dispatch for DoseLog.
//
// The dispatcher consumes transport responses, resolves voice clips to text,
// interprets commands, and hands utterances to the flow router. Each inbound
// message runs on its own goroutine so one slow session never stalls others;
// per-user ordering is enforced by the session lock inside the router.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DoseLog/internal/flow"
	"github.com/BTreeMap/DoseLog/internal/genai"
	"github.com/BTreeMap/DoseLog/internal/messaging"
	"github.com/BTreeMap/DoseLog/internal/models"
	"github.com/BTreeMap/DoseLog/internal/store"
)

// User-facing dispatcher messages. Diagnostic detail goes to slog only.
const (
	welcomeMessage = "Hi! I'm your insulin monitoring assistant. 👋\n\n" +
		"I will contact you automatically if I detect any anomalies.\n\n" +
		"You can also just ask me questions about your records."
	transcriptionFailureMessage = "Sorry, I couldn't understand the audio. Could you please type that out instead?\nSend /cancel to stop."
	nothingToCancelMessage      = "There is no active capture to cancel."
	noRecordsMessage            = "There are no records yet."
	contextClearedMessage       = "Your chat context has been cleared."
	unknownCommandMessage       = "Sorry, I don't know that command."
	processingFailureMessage    = "⚠️ We encountered an issue processing your message. Please try again."
)

// transcribeTimeout bounds one voice transcription call.
const transcribeTimeout = 60 * time.Second

// Dispatcher routes inbound transport responses to commands and flows.
type Dispatcher struct {
	msgService  messaging.Service
	genaiClient genai.ClientInterface
	router      *flow.Router
	capture     *flow.CaptureFlow
	recordStore store.Store
}

// NewDispatcher creates a dispatcher over the given collaborators.
func NewDispatcher(msgService messaging.Service, genaiClient genai.ClientInterface, router *flow.Router, capture *flow.CaptureFlow, recordStore store.Store) *Dispatcher {
	slog.Debug("api.NewDispatcher: creating dispatcher")
	return &Dispatcher{
		msgService:  msgService,
		genaiClient: genaiClient,
		router:      router,
		capture:     capture,
		recordStore: recordStore,
	}
}

// Start consumes the transport's response channel until it closes or ctx is
// cancelled. Each response is handled on its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		slog.Info("Dispatcher started")
		for {
			select {
			case <-ctx.Done():
				slog.Info("Dispatcher stopped", "reason", "context cancelled")
				return
			case resp, ok := <-d.msgService.Responses():
				if !ok {
					slog.Info("Dispatcher stopped", "reason", "response channel closed")
					return
				}
				go d.handle(ctx, resp)
			}
		}
	}()
}

// handle processes one inbound response end to end.
func (d *Dispatcher) handle(ctx context.Context, resp models.Response) {
	slog.Debug("Dispatcher handling response", "from", resp.From, "kind", resp.Kind)

	switch resp.Kind {
	case models.ResponseKindCommand:
		d.handleCommand(ctx, resp)
	case models.ResponseKindVoice:
		text, ok := d.transcribe(ctx, resp)
		if !ok {
			// Transcription failure is soft: re-prompt, no state change.
			d.reply(ctx, resp.From, transcriptionFailureMessage)
			return
		}
		d.routeText(ctx, resp.From, text)
	case models.ResponseKindText:
		d.routeText(ctx, resp.From, resp.Body)
	default:
		slog.Warn("Dispatcher: unsupported response kind", "from", resp.From, "kind", resp.Kind)
	}
}

// handleCommand interprets the transport command set.
func (d *Dispatcher) handleCommand(ctx context.Context, resp models.Response) {
	cmd := strings.ToLower(resp.Command)
	slog.Info("Dispatcher handling command", "from", resp.From, "command", cmd)

	switch cmd {
	case "start":
		d.router.Sessions().GetOrCreate(resp.From)
		d.reply(ctx, resp.From, welcomeMessage)

	case "trigger", "trigger_alert":
		if err := d.TriggerCapture(ctx, resp.From); err != nil {
			if errors.Is(err, models.ErrCaptureInProgress) {
				d.reply(ctx, resp.From, d.capture.BusyMessage())
				return
			}
			slog.Error("Dispatcher: trigger failed", "error", err, "from", resp.From)
			d.reply(ctx, resp.From, processingFailureMessage)
		}

	case "cancel":
		if d.capture.Cancel(resp.From) {
			d.reply(ctx, resp.From, d.capture.CancelMessage())
		} else {
			d.reply(ctx, resp.From, nothingToCancelMessage)
		}

	case "records", "show_records":
		d.reply(ctx, resp.From, d.renderRecords())

	case "reset":
		// Clears the free-form context window only; any structured capture
		// and the record store are untouched.
		sess := d.router.Sessions().GetOrCreate(resp.From)
		sess.Lock()
		sess.History.Clear()
		sess.Unlock()
		d.reply(ctx, resp.From, contextClearedMessage)

	default:
		d.reply(ctx, resp.From, unknownCommandMessage)
	}
}

// TriggerCapture starts a structured capture for userID. Exposed for the
// operator HTTP surface as well as the /trigger command.
func (d *Dispatcher) TriggerCapture(ctx context.Context, userID string) error {
	return d.capture.Trigger(ctx, userID)
}

// routeText delivers an utterance through the router and sends the reply.
func (d *Dispatcher) routeText(ctx context.Context, from, text string) {
	answer, err := d.router.Route(ctx, from, text)
	if err != nil {
		slog.Error("Dispatcher: routing failed", "error", err, "from", from)
		d.reply(ctx, from, processingFailureMessage)
		return
	}
	d.reply(ctx, from, answer)
}

// transcribe resolves a voice response to text. Any failure is soft.
func (d *Dispatcher) transcribe(ctx context.Context, resp models.Response) (string, bool) {
	source, ok := d.msgService.(messaging.VoiceSource)
	if !ok {
		slog.Warn("Dispatcher: transport cannot resolve voice clips", "from", resp.From)
		return "", false
	}

	callCtx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	filename, audio, err := source.DownloadVoice(callCtx, resp.VoiceRef)
	if err != nil {
		slog.Error("Dispatcher: voice download failed", "error", err, "from", resp.From)
		return "", false
	}
	defer audio.Close()

	text, err := d.genaiClient.Transcribe(callCtx, filename, audio)
	if err != nil {
		slog.Error("Dispatcher: transcription failed", "error", err, "from", resp.From)
		return "", false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("Dispatcher: transcription produced empty text", "from", resp.From)
		return "", false
	}
	slog.Info("Dispatcher: voice transcribed", "from", resp.From, "text_length", len(text))
	return text, true
}

// renderRecords formats the full record store as an ordered list.
func (d *Dispatcher) renderRecords() string {
	records, err := d.recordStore.ListRecords()
	if err != nil {
		slog.Error("Dispatcher: failed to list records", "error", err)
		return processingFailureMessage
	}
	if len(records) == 0 {
		return noRecordsMessage
	}

	var b strings.Builder
	b.WriteString("--- Stored Records ---\n\n")
	for i, rec := range records {
		fmt.Fprintf(&b, "📝 Record #%d\n  - Timestamp: %s\n  - Estimated Carbs: %d g\n  - Insulin: %d units\n\n",
			i+1, rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Carbs, rec.Insulin)
	}
	return strings.TrimRight(b.String(), "\n")
}

// reply sends a message back to the user, logging delivery failures.
func (d *Dispatcher) reply(ctx context.Context, to, body string) {
	if err := d.msgService.SendMessage(ctx, to, body); err != nil {
		slog.Error("Dispatcher: failed to send reply", "error", err, "to", to)
	}
}
