// Package models defines the core data structures for DoseLog.
//
// It includes types for capture records, flow states, extraction schemas, and
// incoming participant responses, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FlowType identifies which flow owns a piece of session state.
type FlowType string

const (
	// FlowTypeCapture is the structured carbs/insulin capture dialogue.
	FlowTypeCapture FlowType = "capture"
	// FlowTypeChat is the free-form question answering mode.
	FlowTypeChat FlowType = "chat"
)

// StateType represents a state in the capture flow state machine.
type StateType string

const (
	// StateIdle means no structured dialogue is active.
	StateIdle StateType = "IDLE"
	// AwaitingStatePrefix prefixes per-field waiting states, e.g. AWAITING_CARBS.
	AwaitingStatePrefix = "AWAITING_"
)

// AwaitingState builds the waiting state for a schema field name.
func AwaitingState(field string) StateType {
	return StateType(AwaitingStatePrefix + strings.ToUpper(field))
}

// IsAwaiting reports whether the state is any per-field waiting state.
func (s StateType) IsAwaiting() bool {
	return strings.HasPrefix(string(s), AwaitingStatePrefix)
}

// Field name constants for the carbs/insulin capture schema.
const (
	FieldCarbs   = "carbs"
	FieldInsulin = "insulin_units"
)

// Validation constants for capture fields and message handling.
const (
	// MaxCarbsGrams is the upper plausibility bound for a single meal estimate.
	MaxCarbsGrams = 500
	// MaxInsulinUnits is the upper plausibility bound for a single injection.
	MaxInsulinUnits = 100
	// MaxUtteranceLength caps inbound message text passed to extraction.
	MaxUtteranceLength = 4096
	// DefaultHistoryLimit is the free-form context window cap (turns retained).
	DefaultHistoryLimit = 10
	// DefaultExtractionRetries is how many failed extractions are tolerated in
	// one state before the re-prompt escalates to asking for a bare number.
	DefaultExtractionRetries = 2
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID       = errors.New("user id cannot be empty")
	ErrEmptyUtterance    = errors.New("utterance cannot be empty")
	ErrUtteranceTooLong  = errors.New("utterance exceeds maximum length")
	ErrEmptySchema       = errors.New("extraction schema requires at least one field")
	ErrNoActiveCapture   = errors.New("no active capture session")
	ErrCaptureInProgress = errors.New("capture session already in progress")
)

// FieldSpec declares one field the capture flow must collect: its name as it
// appears in the extraction JSON, the question asked to obtain it, a
// description handed to the extraction model, and the inclusive plausible
// range for validation.
type FieldSpec struct {
	Name        string `json:"name"`
	Question    string `json:"question"`
	Description string `json:"description"`
	Min         int64  `json:"min"`
	Max         int64  `json:"max"`
}

// InRange reports whether v falls in the field's declared plausible range.
func (f FieldSpec) InRange(v int64) bool {
	return v >= f.Min && v <= f.Max
}

// ExtractionSchema describes the set of fields an extraction call should
// produce. Single-field and combined-field dialogue shapes are both just
// schemas with one or several fields.
type ExtractionSchema struct {
	Fields []FieldSpec `json:"fields"`
}

// Validate checks the schema is usable for an extraction call.
func (s ExtractionSchema) Validate() error {
	if len(s.Fields) == 0 {
		return ErrEmptySchema
	}
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("extraction schema field has empty name")
		}
		if f.Min > f.Max {
			return fmt.Errorf("extraction schema field %s has inverted range [%d, %d]", f.Name, f.Min, f.Max)
		}
	}
	return nil
}

// FieldNames returns the schema field names in declared order.
func (s ExtractionSchema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Record is one completed, fully validated capture. Immutable once appended.
type Record struct {
	ID        int64     `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Carbs     int64     `json:"carbs"`
	Insulin   int64     `json:"insulin_units"`
}

// ResponseKind distinguishes inbound message payloads.
type ResponseKind string

const (
	// ResponseKindText carries plain message text in Body.
	ResponseKindText ResponseKind = "text"
	// ResponseKindVoice carries a transport voice-clip reference in VoiceRef.
	ResponseKindVoice ResponseKind = "voice"
	// ResponseKindCommand carries a parsed command name in Command.
	ResponseKindCommand ResponseKind = "command"
)

// Response represents an incoming participant message from the transport.
type Response struct {
	From     string       `json:"from"`
	Kind     ResponseKind `json:"kind"`
	Body     string       `json:"body,omitempty"`
	VoiceRef string       `json:"voice_ref,omitempty"`
	Command  string       `json:"command,omitempty"`
	Time     int64        `json:"time"`
}

// CarbsInsulinSchema is the capture schema for the meal dialogue: estimated
// carbohydrate grams, then insulin units injected.
func CarbsInsulinSchema() ExtractionSchema {
	return ExtractionSchema{Fields: []FieldSpec{
		{
			Name:        FieldCarbs,
			Question:    "First, what did you eat for your last meal?",
			Description: "total carbohydrates of the described meal, in grams",
			Min:         0,
			Max:         MaxCarbsGrams,
		},
		{
			Name:        FieldInsulin,
			Question:    "How many units of insulin did you inject?",
			Description: "insulin units injected",
			Min:         0,
			Max:         MaxInsulinUnits,
		},
	}}
}
