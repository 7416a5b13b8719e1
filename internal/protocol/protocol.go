// Package protocol implements the versioned, line-delimited JSON wire
// protocol spoken between the core and the transcription sidecar: a tagged
// union over Request/Response/Error/Event, semantic-version compatibility
// classification, and the TranscriptionResult payload shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Type tags the concrete shape of a Message.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeError    Type = "error"
	TypeEvent    Type = "event"
)

// DefaultVersion is assumed when an inbound message omits "version".
const DefaultVersion = "1.0"

// Recognized methods and event types. Anything else is accepted (forward
// compat) but logged as unrecognized at the routing boundary.
const (
	MethodProcessAudio       = "process_audio"
	MethodProcessAudioStream = "process_audio_stream"
	MethodStopProcessing     = "stop_processing"
	MethodApproveUpgrade     = "approve_upgrade"
)

const (
	EventReady            = "ready"
	EventSpeechStart      = "speech_start"
	EventPartialText      = "partial_text"
	EventFinalText        = "final_text"
	EventSpeechEnd        = "speech_end"
	EventNoSpeech         = "no_speech"
	EventModelChange      = "model_change"
	EventUpgradeProposal  = "upgrade_proposal"
	EventRecordingPaused  = "recording_paused"
)

// Message is the tagged union. Exactly the fields relevant to Type are
// populated; the others are left zero. json tags use omitempty throughout
// so optional fields are never serialized as null.
type Message struct {
	Type Type `json:"type"`

	// Shared across Request/Response/Error.
	ID string `json:"id,omitempty"`

	Version string `json:"version,omitempty"`

	// Request fields.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	Result json.RawMessage `json:"result,omitempty"`

	// Error fields.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`

	// Event fields.
	EventType string          `json:"event_type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TranscriptionResult is the typed projection of Response.Result for
// process_audio / process_audio_stream calls.
type TranscriptionResult struct {
	Text             string   `json:"text"`
	IsFinal          bool     `json:"is_final"`
	Confidence       *float64 `json:"confidence,omitempty"`
	Language         *string  `json:"language,omitempty"`
	ProcessingTimeMs *int64   `json:"processing_time_ms,omitempty"`
	ModelSize        *string  `json:"model_size,omitempty"`
}

// Serialize encodes m as a single JSON line (no trailing newline; the
// sidecar writer appends it). Missing Version is NOT defaulted here —
// callers constructing outbound messages set Version explicitly.
func Serialize(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes one line of the wire protocol. Unknown top-level fields
// are ignored by json.Unmarshal's default behavior (forward compat); a
// missing version defaults to "1.0" (backward compat).
func Parse(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: malformed message: %w", err)
	}
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	return m, nil
}

// VersionClass classifies an inbound version against the version this
// core speaks.
type VersionClass string

const (
	Malformed     VersionClass = "malformed"
	MajorMismatch VersionClass = "major_mismatch"
	MinorMismatch VersionClass = "minor_mismatch"
	PatchOnly     VersionClass = "patch_only"
	Identical     VersionClass = "identical"
)

type semver struct {
	major, minor int
	patch        int
	hasPatch     bool
}

func parseSemver(v string) (semver, bool) {
	parts := strings.Split(v, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return semver{}, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return semver{}, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return semver{}, false
	}
	var s semver
	s.major, s.minor = major, minor
	if len(parts) == 3 {
		patch, err := strconv.Atoi(parts[2])
		if err != nil {
			return semver{}, false
		}
		s.patch = patch
		s.hasPatch = true
	}
	return s, true
}

// ClassifyVersion compares receivedVersion against expectedVersion
// ("1.0" at the protocol's current major.minor) and returns the
// compatibility class per the receive-side policy:
//
//	malformed:      not MAJOR.MINOR[.PATCH], or non-numeric component
//	major mismatch: major components differ
//	minor mismatch: majors equal, minors differ
//	patch-only:     major and minor equal, patch differs
//	identical:      fully equal
func ClassifyVersion(receivedVersion, expectedVersion string) VersionClass {
	received, ok := parseSemver(receivedVersion)
	if !ok {
		return Malformed
	}
	expected, ok := parseSemver(expectedVersion)
	if !ok {
		return Malformed
	}
	if received.major != expected.major {
		return MajorMismatch
	}
	if received.minor != expected.minor {
		return MinorMismatch
	}
	if received.patch != expected.patch {
		return PatchOnly
	}
	return Identical
}
