// Package storage persists recording sessions to the local filesystem:
// a streaming WAV capture, an append-only JSON Lines transcript journal,
// and a session.json metadata file, laid out under
// <root>/recordings/<session_id>/.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/rbright/sotto-core/internal/coreerr"
)

// DiskSpaceStatus classifies free space on the filesystem backing root.
type DiskSpaceStatus int

const (
	DiskSufficient DiskSpaceStatus = iota
	DiskWarning
	DiskCritical
)

func (s DiskSpaceStatus) String() string {
	switch s {
	case DiskSufficient:
		return "sufficient"
	case DiskWarning:
		return "warning"
	case DiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

const (
	criticalThresholdBytes = 500 * 1024 * 1024
	warningThresholdBytes  = 1024 * 1024 * 1024
)

// ErrDiskCritical is returned by BeginSession/CheckDiskSpace callers when
// free space has dropped below the critical threshold.
var ErrDiskCritical = coreerr.New(coreerr.Resource, "insufficient disk space to start recording")

// Service manages the recordings/ tree under root.
type Service struct {
	root string
	log  *slog.Logger
}

// New constructs a Service rooted at the given application data directory.
// A nil logger falls back to slog.Default().
func New(root string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{root: root, log: logger}
}

// SessionDir returns the directory a given session is (or would be) stored in.
func (s *Service) SessionDir(sessionID string) string {
	return filepath.Join(s.root, "recordings", sessionID)
}

// Session is a live handle returned by BeginSession: it owns the session
// directory and hands out writers scoped to it.
type Session struct {
	ID         string
	Dir        string
	DiskStatus DiskSpaceStatus
	service    *Service
}

// BeginSession allocates a new session ID, checks disk space, and creates
// the session directory. Returns ErrDiskCritical without creating anything
// if free space has dropped below the critical threshold.
func (s *Service) BeginSession() (*Session, error) {
	status, err := s.CheckDiskSpace()
	if err != nil {
		return nil, err
	}
	if status == DiskCritical {
		return nil, ErrDiskCritical
	}

	id := uuid.NewString()
	dir := s.SessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.Resource, "create session directory", err)
	}

	return &Session{ID: id, Dir: dir, DiskStatus: status, service: s}, nil
}

// NeedsDiskWarning reports whether the session should surface a
// low-disk-space notice to the UI.
func (sess *Session) NeedsDiskWarning() bool {
	return sess.DiskStatus == DiskWarning
}

// AudioWriter opens the streaming WAV writer for this session. Re-checks
// disk space and returns ErrDiskCritical rather than opening the file if
// free space has dropped below the critical threshold since BeginSession.
func (sess *Session) AudioWriter() (*AudioWriter, error) {
	status, err := sess.service.CheckDiskSpace()
	if err != nil {
		return nil, err
	}
	if status == DiskCritical {
		return nil, ErrDiskCritical
	}
	return newAudioWriter(filepath.Join(sess.Dir, "audio.wav"))
}

// TranscriptWriter opens the append-only transcript journal for this
// session. Re-checks disk space and returns ErrDiskCritical rather than
// opening the file if free space has dropped below the critical threshold
// since BeginSession.
func (sess *Session) TranscriptWriter() (*TranscriptWriter, error) {
	status, err := sess.service.CheckDiskSpace()
	if err != nil {
		return nil, err
	}
	if status == DiskCritical {
		return nil, ErrDiskCritical
	}
	return newTranscriptWriter(filepath.Join(sess.Dir, "transcription.jsonl"))
}

// SaveMetadata overwrites session.json with metadata.
func (sess *Session) SaveMetadata(metadata Metadata) error {
	return sess.service.SaveMetadata(metadata)
}

// Metadata is the session.json payload.
type Metadata struct {
	SessionID       string `json:"session_id"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationSeconds uint64 `json:"duration_seconds"`
	AudioDevice     string `json:"audio_device"`
	ModelSize       string `json:"model_size"`
	TotalSegments   uint64 `json:"total_segments"`
	TotalCharacters uint64 `json:"total_characters"`
}

// SaveMetadata overwrites session.json for metadata.SessionID. Plain
// overwrite, not atomic temp+rename: matches the teacher's approach and
// only the durability-critical WAV/journal writers get fsync discipline.
func (s *Service) SaveMetadata(metadata Metadata) error {
	dir := s.SessionDir(metadata.SessionID)
	path := filepath.Join(dir, "session.json")

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal session metadata", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return coreerr.Wrap(coreerr.Resource, "write session metadata", err)
	}
	return nil
}

// TranscriptEvent is one line of transcription.jsonl.
type TranscriptEvent struct {
	TimestampMs uint64 `json:"timestamp_ms"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
}

// LoadedSession is the result of loading a session back from disk.
type LoadedSession struct {
	Metadata    Metadata
	Transcripts []TranscriptEvent
	AudioPath   string
}

// ListSessions returns every session under recordings/, most recent
// start_time first. A session directory missing session.json is skipped.
func (s *Service) ListSessions() ([]Metadata, error) {
	recordingsDir := filepath.Join(s.root, "recordings")

	entries, err := os.ReadDir(recordingsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Resource, "list recordings directory", err)
	}

	var sessions []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metadataPath := filepath.Join(recordingsDir, entry.Name(), "session.json")
		data, err := os.ReadFile(metadataPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Resource, "read session metadata", err)
		}
		var metadata Metadata
		if err := json.Unmarshal(data, &metadata); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "parse session metadata", err)
		}
		sessions = append(sessions, metadata)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime > sessions[j].StartTime
	})
	return sessions, nil
}

// LoadSession reads session.json, transcription.jsonl, and the audio.wav
// path for sessionID.
func (s *Service) LoadSession(sessionID string) (LoadedSession, error) {
	dir := s.SessionDir(sessionID)

	metadataPath := filepath.Join(dir, "session.json")
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return LoadedSession{}, coreerr.Wrap(coreerr.Resource, "read session metadata", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return LoadedSession{}, coreerr.Wrap(coreerr.Internal, "parse session metadata", err)
	}

	transcriptPath := filepath.Join(dir, "transcription.jsonl")
	events, err := readTranscriptJSONL(transcriptPath)
	if err != nil {
		return LoadedSession{}, err
	}

	return LoadedSession{
		Metadata:    metadata,
		Transcripts: events,
		AudioPath:   filepath.Join(dir, "audio.wav"),
	}, nil
}

// CheckDiskSpace classifies free space on the filesystem backing the
// service root: >=1GB sufficient, >=500MB warning, below critical.
func (s *Service) CheckDiskSpace() (DiskSpaceStatus, error) {
	free, err := freeBytes(s.root)
	if err != nil {
		return DiskSufficient, coreerr.Wrap(coreerr.Resource, "probe disk space", err)
	}

	switch {
	case free >= warningThresholdBytes:
		return DiskSufficient, nil
	case free >= criticalThresholdBytes:
		s.log.Warn("disk space low", "free", describeBytes(free), "root", s.root)
		return DiskWarning, nil
	default:
		s.log.Error("disk space critical", "free", describeBytes(free), "root", s.root)
		return DiskCritical, nil
	}
}

func describeBytes(n uint64) string {
	return fmt.Sprintf("%d MB", n/(1024*1024))
}
