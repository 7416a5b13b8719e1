package storage

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/rbright/sotto-core/internal/coreerr"
)

// TranscriptWriter appends TranscriptEvent records to transcription.jsonl,
// one JSON object per line, fsyncing after every append so a crash loses
// at most the in-flight record.
type TranscriptWriter struct {
	file   *os.File
	closed bool
}

func newTranscriptWriter(path string) (*TranscriptWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Resource, "open transcript journal", err)
	}
	return &TranscriptWriter{file: file}, nil
}

// Append writes one transcript event and fsyncs before returning.
func (w *TranscriptWriter) Append(event TranscriptEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal transcript event", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return coreerr.Wrap(coreerr.Resource, "append transcript event", err)
	}
	if err := w.file.Sync(); err != nil {
		return coreerr.Wrap(coreerr.Resource, "sync transcript journal", err)
	}
	return nil
}

// Close syncs and closes the journal. Safe to call more than once.
func (w *TranscriptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return coreerr.Wrap(coreerr.Resource, "sync transcript journal", err)
	}
	return w.file.Close()
}

func readTranscriptJSONL(path string) ([]TranscriptEvent, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Resource, "open transcript journal", err)
	}
	defer file.Close()

	var events []TranscriptEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event TranscriptEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "parse transcript event", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.Resource, "read transcript journal", err)
	}
	return events, nil
}
