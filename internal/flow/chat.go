package flow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/DoseLog/internal/genai"
	"github.com/BTreeMap/DoseLog/internal/store"
	"github.com/openai/openai-go"
)

// defaultChatSystemPrompt establishes the assistant persona. The safety
// disclaimer is mandatory and appended separately so a custom prompt file can
// never drop it.
const defaultChatSystemPrompt = "You are a friendly insulin monitoring assistant. " +
	"You answer questions about the user's recorded meals and insulin doses and about diabetes self-management in general. " +
	"Be concise and supportive."

const chatSafetyDisclaimer = "Always remind the user when relevant that you are not a substitute for professional medical advice, " +
	"and never present your answers as medical guidance."

// chatApology is the fixed user-facing reply for a failed completion.
const chatApology = "Sorry, I'm having trouble answering right now. Please try again in a moment."

// ChatFlow answers open-ended questions using the session's bounded context
// window plus a summary of all stored records.
type ChatFlow struct {
	genaiClient      genai.ClientInterface
	recordStore      store.Store
	systemPrompt     string
	systemPromptFile string
	callTimeout      time.Duration
}

// NewChatFlow creates a free-form chat flow. systemPromptFile may be empty,
// in which case the built-in persona prompt is used. The prompt is resolved
// here, once; Respond runs concurrently across sessions and never mutates the
// flow.
func NewChatFlow(genaiClient genai.ClientInterface, recordStore store.Store, systemPromptFile string) *ChatFlow {
	slog.Debug("flow.NewChatFlow: creating chat flow", "systemPromptFile", systemPromptFile)
	f := &ChatFlow{
		genaiClient:      genaiClient,
		recordStore:      recordStore,
		systemPrompt:     defaultChatSystemPrompt,
		systemPromptFile: systemPromptFile,
		callTimeout:      DefaultCallTimeout,
	}
	if systemPromptFile != "" {
		if err := f.LoadSystemPrompt(); err != nil {
			slog.Warn("flow.NewChatFlow: using default system prompt due to load failure", "error", err)
		}
	}
	return f
}

// LoadSystemPrompt loads the persona prompt from the configured file.
func (f *ChatFlow) LoadSystemPrompt() error {
	if f.systemPromptFile == "" {
		return fmt.Errorf("system prompt file not configured")
	}
	content, err := os.ReadFile(f.systemPromptFile)
	if err != nil {
		slog.Error("flow.LoadSystemPrompt: failed to read system prompt file", "file", f.systemPromptFile, "error", err)
		return fmt.Errorf("failed to read system prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return fmt.Errorf("system prompt file %s is empty", f.systemPromptFile)
	}
	f.systemPrompt = prompt
	slog.Info("flow.LoadSystemPrompt: system prompt loaded", "file", f.systemPromptFile, "length", len(f.systemPrompt))
	return nil
}

// Respond answers one free-form question and maintains the context window.
// The caller must hold the session lock. On service failure the fixed apology
// is returned and the window is left untouched.
func (f *ChatFlow) Respond(ctx context.Context, sess *Session, text string) string {
	messages := f.buildMessages(sess, text)

	callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	answer, err := f.genaiClient.GenerateWithMessages(callCtx, messages)
	if err != nil {
		// Failed turns are not recorded, to avoid polluting history with a
		// non-answer.
		slog.Error("flow.Respond: chat completion failed", "error", err, "userID", sess.UserID)
		return chatApology
	}

	sess.History.Append("user", text)
	sess.History.Append("assistant", answer)
	sess.Touch()
	slog.Info("flow.Respond: generated response", "userID", sess.UserID, "responseLength", len(answer), "historyLen", sess.History.Len())
	return answer
}

// buildMessages assembles: persona + disclaimer, record summary, the context
// window in chronological order, and the new user turn.
func (f *ChatFlow) buildMessages(sess *Session, text string) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(f.systemPrompt + "\n\n" + chatSafetyDisclaimer),
	}

	summary := f.recordSummary()
	if summary != "" {
		messages = append(messages, openai.SystemMessage(summary))
	}

	for _, msg := range sess.History.Messages() {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	return append(messages, openai.UserMessage(text))
}

// recordSummary renders all stored records as plain text for the prompt.
// A store read failure degrades to answering without the summary.
func (f *ChatFlow) recordSummary() string {
	records, err := f.recordStore.ListRecords()
	if err != nil {
		slog.Error("flow.recordSummary: failed to list records", "error", err)
		return ""
	}
	if len(records) == 0 {
		return "The user has no recorded captures yet."
	}

	var b strings.Builder
	b.WriteString("Recorded captures so far:\n")
	for i, rec := range records {
		fmt.Fprintf(&b, "%d. %s - carbs: %dg, insulin: %d units\n",
			i+1, rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Carbs, rec.Insulin)
	}
	return b.String()
}
