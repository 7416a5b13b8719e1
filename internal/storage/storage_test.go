package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(t.TempDir(), nil)
}

func TestBeginSessionCreatesDirectory(t *testing.T) {
	svc := newTestService(t)

	sess, err := svc.BeginSession()
	require.NoError(t, err)

	info, err := os.Stat(sess.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NotEmpty(t, sess.ID)
}

func TestBeginSessionGeneratesDistinctIDs(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.BeginSession()
	require.NoError(t, err)
	b, err := svc.BeginSession()
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestAudioWriterProducesValidWAVHeader(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.BeginSession()
	require.NoError(t, err)

	writer, err := sess.AudioWriter()
	require.NoError(t, err)

	frame := []byte{0x01, 0x00, 0x02, 0x00} // two little-endian int16 samples
	require.NoError(t, writer.WriteFrame(frame))
	require.NoError(t, writer.Close())

	data, err := os.ReadFile(filepath.Join(sess.Dir, "audio.wav"))
	require.NoError(t, err)
	require.Len(t, data, wavHeaderSize+len(frame))

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, "data", string(data[36:40]))

	riffSize := binary.LittleEndian.Uint32(data[4:8])
	dataSize := binary.LittleEndian.Uint32(data[40:44])
	assert.Equal(t, uint32(len(frame)), dataSize)
	assert.Equal(t, uint32(36+len(frame)), riffSize)

	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	channels := binary.LittleEndian.Uint16(data[22:24])
	bitsPerSample := binary.LittleEndian.Uint16(data[34:36])
	assert.Equal(t, uint32(wavSampleRate), sampleRate)
	assert.Equal(t, uint16(1), channels)
	assert.Equal(t, uint16(16), bitsPerSample)
}

func TestAudioWriterCloseIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.BeginSession()
	require.NoError(t, err)

	writer, err := sess.AudioWriter()
	require.NoError(t, err)
	require.NoError(t, writer.WriteFrame([]byte{0x00, 0x00}))
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())
}

func TestTranscriptWriterAppendsJSONLines(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.BeginSession()
	require.NoError(t, err)

	writer, err := sess.TranscriptWriter()
	require.NoError(t, err)
	require.NoError(t, writer.Append(TranscriptEvent{TimestampMs: 100, Text: "hello", IsFinal: false}))
	require.NoError(t, writer.Append(TranscriptEvent{TimestampMs: 200, Text: "hello world", IsFinal: true}))
	require.NoError(t, writer.Close())

	events, err := readTranscriptJSONL(filepath.Join(sess.Dir, "transcription.jsonl"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Text)
	assert.True(t, events[1].IsFinal)
}

func TestSaveAndListSessionsOrdersByStartTimeDescending(t *testing.T) {
	svc := newTestService(t)

	older, err := svc.BeginSession()
	require.NoError(t, err)
	require.NoError(t, svc.SaveMetadata(Metadata{SessionID: older.ID, StartTime: "2026-01-01T00:00:00Z"}))

	newer, err := svc.BeginSession()
	require.NoError(t, err)
	require.NoError(t, svc.SaveMetadata(Metadata{SessionID: newer.ID, StartTime: "2026-06-01T00:00:00Z"}))

	sessions, err := svc.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].SessionID)
	assert.Equal(t, older.ID, sessions[1].SessionID)
}

func TestListSessionsEmptyWhenNoRecordingsDir(t *testing.T) {
	svc := newTestService(t)
	sessions, err := svc.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListSessionsSkipsDirectoriesMissingMetadata(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.BeginSession() // no SaveMetadata call
	require.NoError(t, err)

	sessions, err := svc.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLoadSessionReturnsMetadataTranscriptsAndAudioPath(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.BeginSession()
	require.NoError(t, err)

	require.NoError(t, svc.SaveMetadata(Metadata{SessionID: sess.ID, StartTime: "2026-01-01T00:00:00Z", ModelSize: "base"}))

	writer, err := sess.TranscriptWriter()
	require.NoError(t, err)
	require.NoError(t, writer.Append(TranscriptEvent{TimestampMs: 1, Text: "hi", IsFinal: true}))
	require.NoError(t, writer.Close())

	loaded, err := svc.LoadSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "base", loaded.Metadata.ModelSize)
	require.Len(t, loaded.Transcripts, 1)
	assert.Equal(t, filepath.Join(sess.Dir, "audio.wav"), loaded.AudioPath)
}

func TestCheckDiskSpaceReturnsSufficientForTempDir(t *testing.T) {
	svc := newTestService(t)
	status, err := svc.CheckDiskSpace()
	require.NoError(t, err)
	assert.Equal(t, DiskSufficient, status)
}
