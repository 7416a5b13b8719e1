package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TranscriptField renders transcript text for a log line according to
// the LOG_TRANSCRIPTS toggle: verbatim when logging is enabled, or as
// "len=<chars> hash=<8-byte-hex>" (salted SHA-256) when it is not —
// the transcript content itself never reaches disk in the masked case,
// only a value an operator can compare across log lines for repeats.
func TranscriptField(text string, logTranscripts bool, maskSalt string) string {
	if logTranscripts {
		return text
	}
	sum := sha256.Sum256([]byte(maskSalt + text))
	return fmt.Sprintf("len=%d hash=%s", len(text), hex.EncodeToString(sum[:8]))
}
