package transcribe

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制协议：4 字节头 + 可选序号 + payload 长度 + payload。
const protocolVersion = 0b0001

type messageType uint8

const (
	fullClientRequest  messageType = 0b0001
	audioOnlyRequest   messageType = 0b0010
	fullServerResponse messageType = 0b1001
	serverAck          messageType = 0b1011
	errorMessage       messageType = 0b1111
)

type messageFlags uint8

const (
	noSequence       messageFlags = 0b0000
	positiveSequence messageFlags = 0b0001
	lastNoSequence   messageFlags = 0b0010
	negativeSequence messageFlags = 0b0011
)

type serialization uint8

const (
	noSerialization   serialization = 0b0000
	jsonSerialization serialization = 0b0001
)

type compression uint8

const (
	noCompression   compression = 0b0000
	gzipCompression compression = 0b0001
)

type header struct {
	Type          messageType
	Flags         messageFlags
	Serialization serialization
	Compression   compression
	// Size 以 4 字节为单位，最小为 1。
	Size uint8
}

type frame struct {
	Header    header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func (f *frame) hasSequence() bool {
	switch f.Header.Flags & 0b0011 {
	case positiveSequence, negativeSequence:
		return true
	}
	return false
}

// isLast 判断是否为最后一包。
func (f *frame) isLast() bool {
	switch f.Header.Flags & 0b0011 {
	case lastNoSequence, negativeSequence:
		return true
	}
	return false
}

func encodeFrame(f *frame) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12+len(f.Payload)))

	size := f.Header.Size
	if size == 0 {
		size = 1
	}
	buf.WriteByte(protocolVersion<<4 | size&0x0F)
	buf.WriteByte(uint8(f.Header.Type)<<4 | uint8(f.Header.Flags)&0x0F)
	buf.WriteByte(uint8(f.Header.Serialization)<<4 | uint8(f.Header.Compression)&0x0F)
	buf.WriteByte(0)
	if size > 1 {
		buf.Write(make([]byte, int(size-1)*4))
	}

	var word [4]byte
	if f.hasSequence() {
		binary.BigEndian.PutUint32(word[:], uint32(f.Sequence))
		buf.Write(word[:])
	}
	if f.Header.Type == errorMessage {
		binary.BigEndian.PutUint32(word[:], f.ErrorCode)
		buf.Write(word[:])
	}
	binary.BigEndian.PutUint32(word[:], uint32(len(f.Payload)))
	buf.Write(word[:])
	buf.Write(f.Payload)

	return buf.Bytes()
}

func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)

	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if v := head[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}

	f := &frame{Header: header{
		Size:          head[0] & 0x0F,
		Type:          messageType(head[1] >> 4),
		Flags:         messageFlags(head[1] & 0x0F),
		Serialization: serialization(head[2] >> 4),
		Compression:   compression(head[2] & 0x0F),
	}}

	if extra := int(f.Header.Size)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	if f.hasSequence() {
		var seq int32
		if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
		f.Sequence = seq
	}
	if f.Header.Type == errorMessage {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read payload size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("payload truncated: want %d bytes, have %d", size, r.Len())
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	return f, nil
}

func newClientRequest(payload []byte) *frame {
	return &frame{
		Header: header{
			Type:          fullClientRequest,
			Flags:         positiveSequence,
			Serialization: jsonSerialization,
			Compression:   gzipCompression,
		},
		Sequence: 1,
		Payload:  payload,
	}
}

// newAudioRequest 创建音频包，最后一包使用负序号。
func newAudioRequest(chunk []byte, seq int32, last bool) *frame {
	flags := positiveSequence
	if last {
		flags = negativeSequence
		seq = -seq
	}
	return &frame{
		Header: header{
			Type:          audioOnlyRequest,
			Flags:         flags,
			Serialization: noSerialization,
			Compression:   gzipCompression,
		},
		Sequence: seq,
		Payload:  chunk,
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}

func (f *frame) decodedPayload() ([]byte, error) {
	switch f.Header.Compression {
	case noCompression:
		return f.Payload, nil
	case gzipCompression:
		return gunzipBytes(f.Payload)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Header.Compression)
	}
}
