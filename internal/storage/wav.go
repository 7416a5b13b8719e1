package storage

import (
	"encoding/binary"
	"os"

	"github.com/rbright/sotto-core/internal/coreerr"
)

const (
	wavSampleRate    = 16000
	wavChannels      = 1
	wavBitsPerSample = 16
	wavHeaderSize    = 44
)

// AudioWriter streams little-endian 16kHz mono 16-bit PCM samples to a WAV
// file, fixing up the RIFF/data chunk sizes on Close. Generalizes the
// teacher's writePCM16WAV (internal/pipeline/transcriber.go), which wrote
// a complete file in one shot, into an incremental writer suited to a
// long-running session that may span many minutes of audio.
type AudioWriter struct {
	file         *os.File
	bytesWritten uint32
	closed       bool
}

func newAudioWriter(path string) (*AudioWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Resource, "create audio file", err)
	}

	w := &AudioWriter{file: file}
	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *AudioWriter) writeHeader() error {
	byteRate := wavSampleRate * wavChannels * (wavBitsPerSample / 8)
	blockAlign := wavChannels * (wavBitsPerSample / 8)

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 0) // fixed up on Close
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], wavChannels)
	binary.LittleEndian.PutUint32(header[24:28], wavSampleRate)
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], wavBitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], 0) // fixed up on Close

	if _, err := w.file.Write(header); err != nil {
		return coreerr.Wrap(coreerr.Resource, "write wav header", err)
	}
	return nil
}

// WriteFrame appends raw little-endian PCM16 bytes produced by
// internal/resample.Normalize.
func (w *AudioWriter) WriteFrame(frame []byte) error {
	if _, err := w.file.Write(frame); err != nil {
		return coreerr.Wrap(coreerr.Resource, "write audio frame", err)
	}
	w.bytesWritten += uint32(len(frame))
	return nil
}

// Close fixes up the RIFF/data chunk sizes and syncs the file to disk.
// Safe to call more than once.
func (w *AudioWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.finalize()
}

func (w *AudioWriter) finalize() error {
	dataSize := w.bytesWritten
	fileSize := dataSize + 36

	if _, err := w.file.Seek(4, 0); err != nil {
		return coreerr.Wrap(coreerr.Resource, "seek wav header", err)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], fileSize)
	if _, err := w.file.Write(buf[:]); err != nil {
		return coreerr.Wrap(coreerr.Resource, "fix up riff chunk size", err)
	}

	if _, err := w.file.Seek(40, 0); err != nil {
		return coreerr.Wrap(coreerr.Resource, "seek wav data size", err)
	}
	binary.LittleEndian.PutUint32(buf[:], dataSize)
	if _, err := w.file.Write(buf[:]); err != nil {
		return coreerr.Wrap(coreerr.Resource, "fix up data chunk size", err)
	}

	if err := w.file.Sync(); err != nil {
		return coreerr.Wrap(coreerr.Resource, "sync audio file", err)
	}
	return w.file.Close()
}
