package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrSinkClosed is returned when writing to a closed WAV sink
var ErrSinkClosed = errors.New("wav sink is closed")

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    SampleRate,
		ByteRate:      SampleRate * Channels * BitsPerSample / 8,
		BlockAlign:    Channels * BitsPerSample / 8,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAVSink streams PCM16 frames into a WAV file. Sizes in the header are
// placeholders until Close patches them.
type WAVSink struct {
	mu       sync.Mutex
	file     *os.File
	dataSize uint32
	closed   bool
}

// CreateWAVSink creates (or truncates) path and writes a placeholder header
func CreateWAVSink(path string) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, newWAVHeader(0)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &WAVSink{file: f}, nil
}

// Path returns the file being written
func (s *WAVSink) Path() string {
	return s.file.Name()
}

// Write appends a PCM16 frame
func (s *WAVSink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSinkClosed
	}
	n, err := s.file.Write(pcm)
	s.dataSize += uint32(n)
	return n, err
}

// Close finalizes the header and closes the file. Safe to call more than once.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("failed to seek WAV header: %w", err)
	}
	if err := binary.Write(s.file, binary.LittleEndian, newWAVHeader(s.dataSize)); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}
	return s.file.Close()
}

// ReadWAVHeader reads and validates the header of a 16-bit PCM WAV stream
func ReadWAVHeader(r io.Reader) (WAVHeader, error) {
	var header WAVHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return WAVHeader{}, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return WAVHeader{}, errors.New("invalid WAV file: missing RIFF/WAVE header")
	}
	if string(header.Subchunk1ID[:]) != "fmt " || string(header.Subchunk2ID[:]) != "data" {
		return WAVHeader{}, errors.New("invalid WAV file: unexpected chunk layout")
	}
	if header.AudioFormat != 1 || header.BitsPerSample != 16 || header.BlockAlign == 0 {
		return WAVHeader{}, fmt.Errorf("unsupported audio format %d/%d-bit (only 16-bit PCM is supported)", header.AudioFormat, header.BitsPerSample)
	}
	return header, nil
}

// Frames returns how many sample frames the data chunk holds
func (h WAVHeader) Frames() int {
	return int(h.Subchunk2Size) / int(h.BlockAlign)
}
