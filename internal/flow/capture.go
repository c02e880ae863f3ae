package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DoseLog/internal/genai"
	"github.com/BTreeMap/DoseLog/internal/models"
	"github.com/BTreeMap/DoseLog/internal/store"
)

// MessagingService defines the outbound messaging operations the flows need.
type MessagingService interface {
	SendMessage(ctx context.Context, to, message string) error
}

// User-facing capture messages. Internal diagnostics never leak into these.
const (
	captureGreeting = "Hi, I've noticed a recent event and have a couple of questions.\n\n%s\n\nYou can reply with text or a voice message.\nSend /cancel to stop."
	captureRecorded = "Thank you! The information has been successfully recorded.\nUse /records to view the history."
	captureCancel   = "Operation cancelled."
	captureBusy     = "We're already in the middle of a capture. Please answer the question above, or send /cancel to stop."
)

// DefaultCallTimeout bounds outbound extraction calls so one slow service
// call cannot wedge a session.
const DefaultCallTimeout = 30 * time.Second

// CaptureOpts holds configuration for the capture flow.
type CaptureOpts struct {
	Schema      models.ExtractionSchema
	Combined    bool
	MaxRetries  int
	CallTimeout time.Duration
}

// CaptureOption configures capture flow creation.
type CaptureOption func(*CaptureOpts)

// WithSchema overrides the default carbs/insulin schema.
func WithSchema(schema models.ExtractionSchema) CaptureOption {
	return func(o *CaptureOpts) { o.Schema = schema }
}

// WithCombined enables the combined-field dialogue shape: one utterance may
// satisfy several remaining fields at once.
func WithCombined(combined bool) CaptureOption {
	return func(o *CaptureOpts) { o.Combined = combined }
}

// WithMaxRetries sets how many failed extractions are tolerated per state
// before the re-prompt escalates to asking for a bare number.
func WithMaxRetries(n int) CaptureOption {
	return func(o *CaptureOpts) { o.MaxRetries = n }
}

// WithCallTimeout bounds each outbound extraction call.
func WithCallTimeout(d time.Duration) CaptureOption {
	return func(o *CaptureOpts) { o.CallTimeout = d }
}

// CaptureFlow drives the structured capture state machine: Idle, one
// AWAITING_* state per unsatisfied schema field in declared order, record
// append on completion.
type CaptureFlow struct {
	sessions    *Manager
	genaiClient genai.ClientInterface
	recordStore store.Store
	msgService  MessagingService
	schema      models.ExtractionSchema
	combined    bool
	maxRetries  int
	callTimeout time.Duration
}

// NewCaptureFlow creates a capture flow over the given collaborators.
func NewCaptureFlow(sessions *Manager, genaiClient genai.ClientInterface, recordStore store.Store, msgService MessagingService, opts ...CaptureOption) *CaptureFlow {
	cfg := CaptureOpts{
		Schema:      models.CarbsInsulinSchema(),
		Combined:    true,
		MaxRetries:  models.DefaultExtractionRetries,
		CallTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("flow.NewCaptureFlow: creating capture flow",
		"fields", cfg.Schema.FieldNames(), "combined", cfg.Combined, "maxRetries", cfg.MaxRetries)
	return &CaptureFlow{
		sessions:    sessions,
		genaiClient: genaiClient,
		recordStore: recordStore,
		msgService:  msgService,
		schema:      cfg.Schema,
		combined:    cfg.Combined,
		maxRetries:  cfg.MaxRetries,
		callTimeout: cfg.CallTimeout,
	}
}

// Trigger starts a structured capture for userID: the engine sends the
// opening alert with the first question itself and moves to the first
// awaiting state. Returns models.ErrCaptureInProgress if one is active.
func (cf *CaptureFlow) Trigger(ctx context.Context, userID string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	sess := cf.sessions.GetOrCreate(userID)
	sess.Lock()
	defer sess.Unlock()

	if sess.State.IsAwaiting() {
		slog.Warn("flow.Trigger: capture already in progress", "userID", userID, "state", sess.State)
		return models.ErrCaptureInProgress
	}

	sess.ClearBuffer()
	first := cf.schema.Fields[0]
	sess.State = models.AwaitingState(first.Name)
	sess.Touch()
	slog.Info("flow.Trigger: capture started", "userID", userID, "state", sess.State)

	greeting := fmt.Sprintf(captureGreeting, first.Question)
	if err := cf.msgService.SendMessage(ctx, userID, greeting); err != nil {
		// The user never saw the question; leaving the session mid-capture
		// would misroute their next message and block a retried trigger.
		sess.State = models.StateIdle
		sess.ClearBuffer()
		slog.Error("flow.Trigger: failed to send opening prompt", "error", err, "userID", userID)
		return fmt.Errorf("failed to send opening prompt: %w", err)
	}
	return nil
}

// ProcessResponse handles one inbound utterance while a capture is active and
// returns the reply to send. The caller must hold the session lock.
func (cf *CaptureFlow) ProcessResponse(ctx context.Context, sess *Session, utterance string) (string, error) {
	if !sess.State.IsAwaiting() {
		return "", models.ErrNoActiveCapture
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return "", models.ErrEmptyUtterance
	}
	if len(utterance) > models.MaxUtteranceLength {
		return "", models.ErrUtteranceTooLong
	}

	missing := MissingFields(cf.schema, sess.Buffer)
	if len(missing) == 0 {
		// Buffer already satisfied but state not advanced; treat as internal
		// inconsistency and recover by completing.
		slog.Warn("flow.ProcessResponse: awaiting state with satisfied buffer", "userID", sess.UserID, "state", sess.State)
		return cf.complete(sess)
	}

	// After the retry ceiling the engine degrades gracefully: the user is
	// asked for a bare number, and a bare-number reply bypasses the model.
	if sess.Retries >= cf.maxRetries {
		if v, err := strconv.ParseInt(utterance, 10, 64); err == nil {
			field := missing[0]
			if field.InRange(v) {
				sess.Buffer[field.Name] = v
				sess.Retries = 0
				sess.Touch()
				slog.Info("flow.ProcessResponse: raw numeric value accepted", "userID", sess.UserID, "field", field.Name, "value", v)
				return cf.advance(sess)
			}
			slog.Debug("flow.ProcessResponse: raw numeric value out of range", "userID", sess.UserID, "field", field.Name, "value", v)
		}
	}

	extracted := cf.extract(ctx, sess.UserID, missing, utterance)

	// Merge field-by-field; only validated fields ever touch the buffer, so a
	// failed extraction leaves it exactly as it was.
	merged := 0
	for name, value := range extracted {
		sess.Buffer[name] = value
		merged++
	}
	sess.Touch()

	if merged == 0 {
		sess.Retries++
		slog.Info("flow.ProcessResponse: extraction yielded no usable fields",
			"userID", sess.UserID, "state", sess.State, "retries", sess.Retries)
		return cf.reprompt(missing, sess.Retries >= cf.maxRetries), nil
	}

	sess.Retries = 0
	return cf.advance(sess)
}

// Cancel ends an active capture without recording. Returns false when no
// capture was active.
func (cf *CaptureFlow) Cancel(userID string) bool {
	sess := cf.sessions.GetOrCreate(userID)
	sess.Lock()
	defer sess.Unlock()

	if !sess.State.IsAwaiting() {
		return false
	}
	sess.ClearBuffer()
	sess.State = models.StateIdle
	sess.Touch()
	slog.Info("flow.Cancel: capture cancelled", "userID", userID)
	return true
}

// CancelMessage is the user-facing confirmation for a cancelled capture.
func (cf *CaptureFlow) CancelMessage() string {
	return captureCancel
}

// BusyMessage is the user-facing reply for a trigger during an active capture.
func (cf *CaptureFlow) BusyMessage() string {
	return captureBusy
}

// extract runs one schema-constrained extraction call. All failures are soft:
// the result is simply an empty field map.
func (cf *CaptureFlow) extract(ctx context.Context, userID string, missing []models.FieldSpec, utterance string) map[string]int64 {
	schema := SubSchema(missing)
	if !cf.combined {
		schema = SubSchema(missing[:1])
	}
	if err := schema.Validate(); err != nil {
		slog.Error("flow.extract: invalid extraction schema", "error", err, "userID", userID)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, cf.callTimeout)
	defer cancel()

	raw, err := cf.genaiClient.ExtractJSON(callCtx, extractionSystemPrompt, BuildExtractionPrompt(schema, utterance))
	if err != nil {
		slog.Warn("flow.extract: extraction call failed, treating as soft failure", "error", err, "userID", userID)
		return nil
	}
	fields := ParseExtraction(raw, schema)
	slog.Debug("flow.extract: extraction complete", "userID", userID, "requested", len(schema.Fields), "usable", len(fields))
	return fields
}

// advance moves to the next awaiting state or completes the capture.
func (cf *CaptureFlow) advance(sess *Session) (string, error) {
	missing := MissingFields(cf.schema, sess.Buffer)
	if len(missing) == 0 {
		return cf.complete(sess)
	}

	next := missing[0]
	sess.State = models.AwaitingState(next.Name)
	slog.Info("flow.advance: state transition", "userID", sess.UserID, "state", sess.State)

	reply := next.Question
	if carbs, ok := sess.Buffer[models.FieldCarbs]; ok {
		reply = fmt.Sprintf("I estimate that meal was about %dg of carbs.\n\n%s", carbs, next.Question)
	}
	return reply, nil
}

// complete appends the validated buffer as a Record, clears it, and returns
// the session to Idle.
func (cf *CaptureFlow) complete(sess *Session) (string, error) {
	rec := models.Record{
		UserID:    sess.UserID,
		Timestamp: time.Now(),
		Carbs:     sess.Buffer[models.FieldCarbs],
		Insulin:   sess.Buffer[models.FieldInsulin],
	}
	if err := cf.recordStore.AddRecord(rec); err != nil {
		slog.Error("flow.complete: failed to append record", "error", err, "userID", sess.UserID)
		return "", fmt.Errorf("failed to append record: %w", err)
	}

	sess.ClearBuffer()
	sess.State = models.StateIdle
	slog.Info("flow.complete: capture recorded", "userID", sess.UserID, "carbs", rec.Carbs, "insulin", rec.Insulin)
	return captureRecorded, nil
}

// reprompt names exactly the missing schema fields. Escalated re-prompts ask
// for a single raw number instead.
func (cf *CaptureFlow) reprompt(missing []models.FieldSpec, escalated bool) string {
	if escalated {
		first := missing[0]
		return fmt.Sprintf("Let's keep it simple: please reply with just a number for %s (between %d and %d).", first.Name, first.Min, first.Max)
	}
	names := make([]string, 0, len(missing))
	for _, f := range missing {
		names = append(names, f.Name)
	}
	return fmt.Sprintf("I couldn't determine the following from that: %s. Could you rephrase?", strings.Join(names, ", "))
}
