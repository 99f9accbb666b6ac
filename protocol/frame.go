// Package protocol implements the deterministic, self-describing wire
// encoding of a single tunnel frame. Each UDP datagram carries exactly one
// encoded frame; the codec never needs cross-datagram framing.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind tags the frame union. Transport and Ack carry the datapath;
// Heartbeat is sent only as an idle keep-alive and is ignored on receipt;
// Handshake is reserved and merely round-trips.
type Kind uint8

const (
	KindTransport Kind = iota
	KindHeartbeat
	KindHandshake
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHeartbeat:
		return "heartbeat"
	case KindHandshake:
		return "handshake"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header is the fixed triple carried by every frame.
type Header struct {
	Seq    uint64
	AckNum uint64
	Kind   Kind
}

// Frame pairs a header with its (possibly empty) payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// headerSize is kind(1) + seq(8) + ack_num(8) + payload length(4).
const headerSize = 1 + 8 + 8 + 4

// MaxFrameSize is comfortably above an MTU-sized (1280B) Transport payload
// plus AEAD expansion (12B nonce + 16B tag) and the header itself, and well
// under the 64 KiB UDP receive ceiling.
const MaxFrameSize = 2048

// NewTransport builds a Transport frame. ack_num is always zero: piggyback
// acknowledgement is declared in the header shape but unused.
func NewTransport(seq uint64, payload []byte) Frame {
	return Frame{Header: Header{Seq: seq, Kind: KindTransport}, Payload: payload}
}

// NewAck builds an Ack frame acknowledging ackNum. seq is always zero.
func NewAck(ackNum uint64) Frame {
	return Frame{Header: Header{AckNum: ackNum, Kind: KindAck}}
}

// NewHeartbeat builds a reserved keep-alive frame.
func NewHeartbeat(seq uint64) Frame {
	return Frame{Header: Header{Seq: seq, Kind: KindHeartbeat}}
}

// Encode serializes f into a fresh byte slice.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Header.Kind)
	binary.BigEndian.PutUint64(buf[1:9], f.Header.Seq)
	binary.BigEndian.PutUint64(buf[9:17], f.Header.AckNum)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	return buf, nil
}

// Decode is the inverse of Encode. Any error here means the inbound
// datagram must be silently dropped by the caller, never reported upstream.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(buf))
	}
	kind := Kind(buf[0])
	seq := binary.BigEndian.Uint64(buf[1:9])
	ackNum := binary.BigEndian.Uint64(buf[9:17])
	n := binary.BigEndian.Uint32(buf[17:21])

	rest := buf[headerSize:]
	if uint64(n) != uint64(len(rest)) {
		return Frame{}, fmt.Errorf("declared payload length %d does not match remaining %d bytes", n, len(rest))
	}

	payload := make([]byte, n)
	copy(payload, rest)

	return Frame{
		Header:  Header{Seq: seq, AckNum: ackNum, Kind: kind},
		Payload: payload,
	}, nil
}
