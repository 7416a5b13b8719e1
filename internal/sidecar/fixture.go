package sidecar

import (
	"strings"

	"github.com/rbright/sotto-core/internal/protocol"
)

// ScriptedEvents returns the canonical TEST_FIXTURE_MODE event sequence a
// real sidecar emits with TEST_FIXTURE_MODE=1 set: ready, one speech
// cycle, then a final transcript. Grounded on
// original_source/src-tauri/tests/dynamic_model_downgrade_e2e.rs's
// documented scripted sequence (ready -> speech_start -> partial_text* ->
// final_text -> speech_end).
func ScriptedEvents() []protocol.Message {
	return []protocol.Message{
		{Type: protocol.TypeEvent, Version: protocol.DefaultVersion, EventType: protocol.EventReady},
		{Type: protocol.TypeEvent, Version: protocol.DefaultVersion, EventType: protocol.EventSpeechStart},
		{Type: protocol.TypeEvent, Version: protocol.DefaultVersion, EventType: protocol.EventPartialText,
			Data: rawJSON(`{"text":"hel"}`)},
		{Type: protocol.TypeEvent, Version: protocol.DefaultVersion, EventType: protocol.EventPartialText,
			Data: rawJSON(`{"text":"hello"}`)},
		{Type: protocol.TypeEvent, Version: protocol.DefaultVersion, EventType: protocol.EventFinalText,
			Data: rawJSON(`{"text":"hello world","is_final":true}`)},
		{Type: protocol.TypeEvent, Version: protocol.DefaultVersion, EventType: protocol.EventSpeechEnd},
	}
}

func rawJSON(s string) []byte {
	return []byte(s)
}

// FixtureCmd builds a Cmd for a trivial /bin/sh child that plays back
// events (one JSON line per message, in order) on stdout and discards
// stdin, standing in for a real TEST_FIXTURE_MODE sidecar process in
// tests that need to exercise Spawn/Shutdown against a live child without
// a Python interpreter available.
func FixtureCmd(events []protocol.Message) (Cmd, error) {
	var b strings.Builder
	b.WriteString("cat >/dev/null & ")
	for _, m := range events {
		line, err := protocol.Serialize(m)
		if err != nil {
			return Cmd{}, err
		}
		b.WriteString("printf '%s\\n' ")
		b.WriteString(shellQuote(string(line)))
		b.WriteString("; ")
	}
	b.WriteString("wait")

	return Cmd{Program: "/bin/sh", Args: []string{"-c", b.String()}}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
