// Package forward encodes events into fluentd forward protocol messages
package forward

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/relex/fluentlib/protocol/forwardprotocol"
	"github.com/relex/slog-relay/base"
	"github.com/vmihailenco/msgpack/v4"
	"golang.org/x/exp/slices"
)

// Field names in encoded records
const (
	FieldLog    = "log"
	FieldSource = "source"
)

// BestSpeed uses about 30% more space than the default level and saves about the same in time
const gzipCompressionLevel = gzip.BestSpeed

const initialBufferCapacity = 64 * 1024

// Encoder makes one forward message out of a batch of events
//
// An Encoder reuses its buffers and must not be used concurrently.
type Encoder struct {
	tag         string
	mode        forwardprotocol.MessageMode
	message     *bytes.Buffer    // final message
	messageEnc  *msgpack.Encoder // writes to message
	stream      *bytes.Buffer    // entries for packed modes
	streamEnc   *msgpack.Encoder // writes to stream
	compressed  *bytes.Buffer
	gzipWriter  *gzip.Writer
	timeScratch []byte
	keyScratch  []string
}

// NewEncoder creates an Encoder for messages of the given tag and mode
func NewEncoder(tag string, mode forwardprotocol.MessageMode) (*Encoder, error) {
	if err := VerifyMode(mode); err != nil {
		return nil, err
	}
	enc := &Encoder{
		tag:         tag,
		mode:        mode,
		message:     bytes.NewBuffer(make([]byte, 0, initialBufferCapacity)),
		stream:      bytes.NewBuffer(make([]byte, 0, initialBufferCapacity)),
		timeScratch: make([]byte, 10),
		keyScratch:  make([]string, 0, 8),
	}
	enc.messageEnc = msgpack.NewEncoder(enc.message)
	enc.streamEnc = msgpack.NewEncoder(enc.stream)
	if mode == forwardprotocol.ModeCompressedPackedForward {
		enc.compressed = bytes.NewBuffer(make([]byte, 0, initialBufferCapacity))
		gz, err := gzip.NewWriterLevel(enc.compressed, gzipCompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		enc.gzipWriter = gz
	}
	return enc, nil
}

// Mode returns the message mode
func (enc *Encoder) Mode() forwardprotocol.MessageMode {
	return enc.mode
}

// Encode makes a message of the given events
//
// The result is a new slice owned by the caller.
func (enc *Encoder) Encode(events ...*base.Event) ([]byte, error) {
	enc.message.Reset()
	if err := enc.encodeMessage(events); err != nil {
		return nil, fmt.Errorf("failed to encode %d events: %w", len(events), err)
	}
	return append([]byte(nil), enc.message.Bytes()...), nil
}

func (enc *Encoder) encodeMessage(events []*base.Event) error {
	encoder := enc.messageEnc

	// root array
	if err := encoder.EncodeArrayLen(3); err != nil {
		return err
	}

	// root[0]: tag
	if err := encoder.EncodeString(enc.tag); err != nil {
		return err
	}

	// root[1]: entries
	option := forwardprotocol.TransportOption{
		Size:  len(events),
		Chunk: nextChunkID(),
	}
	switch enc.mode {
	case forwardprotocol.ModeForward:
		if err := encoder.EncodeArrayLen(len(events)); err != nil {
			return err
		}
		for _, evt := range events {
			if err := enc.encodeEntry(encoder, enc.message, evt); err != nil {
				return err
			}
		}
	case forwardprotocol.ModePackedForward:
		stream, err := enc.encodeStream(events)
		if err != nil {
			return err
		}
		if err := encoder.EncodeBytes(stream); err != nil {
			return err
		}
	case forwardprotocol.ModeCompressedPackedForward:
		stream, err := enc.encodeStream(events)
		if err != nil {
			return err
		}
		enc.compressed.Reset()
		enc.gzipWriter.Reset(enc.compressed)
		if _, err := enc.gzipWriter.Write(stream); err != nil {
			return fmt.Errorf("failed to compress: %w", err)
		}
		if err := enc.gzipWriter.Close(); err != nil {
			return fmt.Errorf("failed to compress: %w", err)
		}
		if err := encoder.EncodeBytes(enc.compressed.Bytes()); err != nil {
			return err
		}
		option.Compressed = forwardprotocol.CompressionFormat
	}

	// root[2]: option
	return encoder.Encode(option)
}

// encodeStream writes events as MessagePackEventStream, i.e. a plain sequence of entries
func (enc *Encoder) encodeStream(events []*base.Event) ([]byte, error) {
	enc.stream.Reset()
	for _, evt := range events {
		if err := enc.encodeEntry(enc.streamEnc, enc.stream, evt); err != nil {
			return nil, err
		}
	}
	return enc.stream.Bytes(), nil
}

// encodeEntry writes [EventTime, record]. buffer must be the destination of encoder.
func (enc *Encoder) encodeEntry(encoder *msgpack.Encoder, buffer *bytes.Buffer, evt *base.Event) error {
	if err := encoder.EncodeArrayLen(2); err != nil {
		return err
	}
	buffer.Write(encodeEventTime(enc.timeScratch, evt.Timestamp))

	keys := enc.keyScratch[:0]
	for k := range evt.Fields {
		if k != FieldLog && k != FieldSource {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	enc.keyScratch = keys

	numFields := 1 + len(keys)
	if evt.Source != "" {
		numFields++
	}
	if err := encoder.EncodeMapLen(numFields); err != nil {
		return err
	}
	if err := encodeStringPair(encoder, FieldLog, evt.Body); err != nil {
		return err
	}
	if evt.Source != "" {
		if err := encodeStringPair(encoder, FieldSource, []byte(evt.Source)); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := encoder.EncodeString(k); err != nil {
			return err
		}
		if err := encoder.EncodeString(evt.Fields[k]); err != nil {
			return err
		}
	}
	return nil
}

func encodeStringPair(encoder *msgpack.Encoder, key string, value []byte) error {
	if err := encoder.EncodeString(key); err != nil {
		return err
	}
	return encoder.EncodeString(string(value))
}

// encodeEventTime encodes time as fluentd EventTime: fixext8 of type 0 holding seconds and nanoseconds
func encodeEventTime(buffer []byte, value time.Time) []byte {
	buffer = buffer[:10]
	buffer[0] = 0xd7
	buffer[1] = 0
	binary.BigEndian.PutUint32(buffer[2:6], uint32(value.Unix()))
	binary.BigEndian.PutUint32(buffer[6:10], uint32(value.Nanosecond()))
	return buffer
}

