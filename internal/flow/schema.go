package flow

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/BTreeMap/DoseLog/internal/models"
)

// extractionSystemPrompt instructs the model to behave as a structured-output
// oracle. Null semantics and numeric bounds are spelled out per field in the
// user prompt.
const extractionSystemPrompt = "You are a careful data-entry assistant designed to output JSON. " +
	"You never add keys that were not requested and never output anything except a single JSON object."

// BuildExtractionPrompt renders the user-facing extraction instruction for
// the given schema and utterance. Each field carries its description and
// inclusive integer bounds; implausible or undeterminable values must come
// back as null.
func BuildExtractionPrompt(schema models.ExtractionSchema, utterance string) string {
	var b strings.Builder
	b.WriteString("Analyze the following user message and extract the fields described below.\n")
	b.WriteString("Respond ONLY with a JSON object containing exactly these keys:\n")
	for _, f := range schema.Fields {
		fmt.Fprintf(&b, "- %q: %s. Must be an integer between %d and %d.\n", f.Name, f.Description, f.Min, f.Max)
	}
	b.WriteString("If a value cannot be determined from the message, or is not a reasonable number ")
	b.WriteString("(e.g. 'blue', 'a million', negative), set that key to null.\n")
	fmt.Fprintf(&b, "User message: %q\n", utterance)
	return b.String()
}

// ParseExtraction validates a raw extraction object against the schema and
// returns only the fields that carry a non-null, integral, in-range value.
// Everything else is treated as absent; the caller decides how to re-prompt.
func ParseExtraction(raw map[string]interface{}, schema models.ExtractionSchema) map[string]int64 {
	out := make(map[string]int64)
	if raw == nil {
		return out
	}
	for _, f := range schema.Fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			continue
		}
		// encoding/json decodes all numbers as float64
		num, ok := v.(float64)
		if !ok {
			slog.Debug("flow.ParseExtraction: non-numeric value dropped", "field", f.Name)
			continue
		}
		if num != math.Trunc(num) {
			slog.Debug("flow.ParseExtraction: non-integral value dropped", "field", f.Name, "value", num)
			continue
		}
		iv := int64(num)
		if !f.InRange(iv) {
			slog.Debug("flow.ParseExtraction: out-of-range value dropped", "field", f.Name, "value", iv, "min", f.Min, "max", f.Max)
			continue
		}
		out[f.Name] = iv
	}
	return out
}

// MissingFields returns the schema fields, in declared order, that are not
// yet present in the buffer.
func MissingFields(schema models.ExtractionSchema, buffer map[string]int64) []models.FieldSpec {
	var missing []models.FieldSpec
	for _, f := range schema.Fields {
		if _, ok := buffer[f.Name]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// SubSchema returns a schema restricted to the given fields.
func SubSchema(fields []models.FieldSpec) models.ExtractionSchema {
	return models.ExtractionSchema{Fields: fields}
}
