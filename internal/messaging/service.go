// Package messaging provides the pluggable message transport abstraction for
// DoseLog and its Telegram implementation.
package messaging

import (
	"context"
	"io"

	"github.com/BTreeMap/DoseLog/internal/models"
)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages and provides a channel of inbound responses.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. This allows each transport to implement its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (e.g., polling for updates).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming participant responses.
	Responses() <-chan models.Response
}

// VoiceSource is implemented by transports that can resolve a voice-clip
// reference into raw audio for transcription.
type VoiceSource interface {
	// DownloadVoice fetches the audio for a voice reference. The caller must
	// close the returned reader.
	DownloadVoice(ctx context.Context, voiceRef string) (filename string, audio io.ReadCloser, err error)
}
