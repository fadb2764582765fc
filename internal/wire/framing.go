// Package wire implements the single length-prefixed TCP framing shared
// by every stream in the pipeline: inbound processor → STT, STT → LLM,
// LLM → TTS, and TTS → outbound processor. One small set of helpers is
// used by all four links rather than each growing its own ad hoc framing,
// mirroring the spec's instruction to collapse per-stage variants into
// shared free functions on plain data.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ByeLength is the sentinel length prefix meaning "stream ending
// normally". It is not followed by a payload.
const ByeLength uint32 = 0xFFFFFFFF

var (
	// ErrIllegalLength is returned when a frame declares a zero length,
	// a protocol error on every stream except the TTS chunk stream, where
	// ReadTTSChunk treats a zero length as end of stream.
	ErrIllegalLength = errors.New("wire: zero length prefix is illegal")
	// ErrOversized is returned when a frame's declared length exceeds the
	// caller-supplied maximum for that stream.
	ErrOversized = errors.New("wire: frame exceeds maximum allowed length")
)

// readLength reads the 4-byte big-endian length prefix common to every
// frame. The returned bool is true if the frame was the BYE sentinel, in
// which case no payload follows and the caller should stop reading.
func readLength(r io.Reader, max uint32) (length uint32, bye bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, false, err
	}
	length = binary.BigEndian.Uint32(lenBuf[:])
	if length == ByeLength {
		return 0, true, nil
	}
	if length == 0 {
		return 0, false, ErrIllegalLength
	}
	if max > 0 && length > max {
		return 0, false, fmt.Errorf("%w: %d > %d", ErrOversized, length, max)
	}
	return length, false, nil
}

func writeLengthPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteBye writes the 0xFFFFFFFF BYE sentinel frame. The TTS chunk
// stream does not use it: it ends with a zero-length chunk, and
// ReadTTSChunk rejects the sentinel as oversized.
func WriteBye(w io.Writer) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], ByeLength)
	_, err := w.Write(lenBuf[:])
	return err
}

// WriteHello writes the opening HELLO frame: the call-id as UTF-8 text.
func WriteHello(w io.Writer, callID string) error {
	return writeLengthPrefixed(w, []byte(callID))
}

// ReadHello reads a HELLO frame and returns the call-id. A declared
// length of 0 or greater than maxLen is a protocol error, per the STT
// worker's HELLO validation rule.
func ReadHello(r io.Reader, maxLen uint32) (string, error) {
	n, bye, err := readLength(r, maxLen)
	if err != nil {
		return "", err
	}
	if bye {
		return "", errors.New("wire: unexpected BYE while expecting HELLO")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteText writes a length-prefixed UTF-8 text frame (transcript
// segments, LLM replies, TTS input text).
func WriteText(w io.Writer, s string) error {
	return writeLengthPrefixed(w, []byte(s))
}

// ReadText reads one frame expected to be UTF-8 text. ok is false and err
// is nil when the frame was the BYE sentinel.
func ReadText(r io.Reader, maxLen uint32) (s string, ok bool, err error) {
	n, bye, err := readLength(r, maxLen)
	if err != nil {
		return "", false, err
	}
	if bye {
		return "", false, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, err
	}
	return string(buf), true, nil
}

// WriteFloatPCM writes a length-prefixed frame of little-endian float32
// samples (the inbound-processor-to-STT wire representation).
func WriteFloatPCM(w io.Writer, samples []float32) error {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(s))
	}
	return writeLengthPrefixed(w, buf)
}

// ReadFloatPCM reads one float32-PCM frame. maxBytes bounds the declared
// byte length, not the sample count. ok is false and err is nil on BYE.
func ReadFloatPCM(r io.Reader, maxBytes uint32) (samples []float32, ok bool, err error) {
	n, bye, err := readLength(r, maxBytes)
	if err != nil {
		return nil, false, err
	}
	if bye {
		return nil, false, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, err
	}
	samples = make([]float32, n/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return samples, true, nil
}

// TTSChunk is one TTS-to-outbound-processor audio frame.
type TTSChunk struct {
	SampleRate uint32
	ChunkID    uint32
	Payload    []byte // float32 LE PCM if len(Payload)%4==0, else already-encoded mu-law
}

// IsFloatPCM reports whether Payload should be interpreted as float32 LE
// samples rather than already-encoded µ-law bytes, per the wire rule.
func (c TTSChunk) IsFloatPCM() bool { return len(c.Payload)%4 == 0 && len(c.Payload) > 0 }

// maxTTSPayload bounds a single TTS chunk to 10 MiB; larger is a protocol
// error that drops the connection.
const maxTTSPayload = 10 * 1024 * 1024

// WriteTTSChunk writes one TTS audio chunk frame.
func WriteTTSChunk(w io.Writer, chunk TTSChunk) error {
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(chunk.Payload)))
	binary.BigEndian.PutUint32(header[4:8], chunk.SampleRate)
	binary.BigEndian.PutUint32(header[8:12], chunk.ChunkID)
	if _, err := w.Write(header[:4]); err != nil {
		return err
	}
	if _, err := w.Write(header[4:]); err != nil {
		return err
	}
	_, err := w.Write(chunk.Payload)
	return err
}

// ReadTTSChunk reads one TTS audio chunk frame. ok is false and err is
// nil when length == 0, the BYE sentinel for this stream.
func ReadTTSChunk(r io.Reader) (chunk TTSChunk, ok bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return TTSChunk{}, false, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return TTSChunk{}, false, nil
	}
	if n > maxTTSPayload {
		return TTSChunk{}, false, fmt.Errorf("%w: tts chunk length %d", ErrOversized, n)
	}

	var rest [8]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return TTSChunk{}, false, err
	}
	sampleRate := binary.BigEndian.Uint32(rest[0:4])
	chunkID := binary.BigEndian.Uint32(rest[4:8])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return TTSChunk{}, false, err
	}

	return TTSChunk{SampleRate: sampleRate, ChunkID: chunkID, Payload: payload}, true, nil
}
