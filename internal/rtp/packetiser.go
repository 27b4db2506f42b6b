// Package rtp builds and parses RFC 3550 RTP packets for G.711 media, and
// tracks the per-call sequencing state a softphone or PBX media session
// needs.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// PayloadType identifies the G.711 encoding carried in an RTP stream.
type PayloadType uint8

const (
	PayloadPCMU PayloadType = 0 // µ-law
	PayloadPCMA PayloadType = 8 // A-law
)

// ErrShortPacket is returned by Parse when a datagram is too short to
// contain a valid RTP header.
var ErrShortPacket = fmt.Errorf("rtp: datagram shorter than 12-byte header")

// SamplesPerPacket is 20ms of 8kHz G.711 audio.
const SamplesPerPacket = 160

// Session packetises outbound G.711 audio and tracks sequencing state for
// one call's RTP stream. Sequence numbers wrap at uint16 and timestamps
// advance by the number of samples in each emitted packet.
type Session struct {
	CallID      string
	PayloadType PayloadType
	SSRC        uint32
	seq         uint16
	timestamp   uint32
}

// NewSession creates a Session with a random SSRC and zero initial
// sequence number / timestamp, matching a freshly announced RTP stream.
func NewSession(callID string, pt PayloadType) (*Session, error) {
	ssrc, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("rtp: generating ssrc: %w", err)
	}
	return &Session{CallID: callID, PayloadType: pt, SSRC: ssrc}, nil
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Reset reinitialises sequence and timestamp counters for a new session on
// the same Session value, for reuse across a new call.
func (s *Session) Reset() error {
	ssrc, err := randomUint32()
	if err != nil {
		return err
	}
	s.SSRC = ssrc
	s.seq = 0
	s.timestamp = 0
	return nil
}

// BuildPackets splits audioBytes (already-encoded G.711) into
// samplesPerPacket-sized RTP packets, advancing sequence and timestamp
// monotonically. The marker bit is set on the first packet of a talk
// spurt when markFirst is set.
func (s *Session) BuildPackets(audioBytes []byte, samplesPerPacket int, markFirst bool) ([][]byte, error) {
	if samplesPerPacket <= 0 {
		samplesPerPacket = SamplesPerPacket
	}
	var packets [][]byte
	for offset := 0; offset < len(audioBytes); offset += samplesPerPacket {
		end := offset + samplesPerPacket
		if end > len(audioBytes) {
			end = len(audioBytes)
		}
		payload := audioBytes[offset:end]

		marker := markFirst && offset == 0
		pkt := &pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				Padding:        false,
				Extension:      false,
				Marker:         marker,
				PayloadType:    uint8(s.PayloadType),
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.SSRC,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("rtp: marshalling packet: %w", err)
		}
		packets = append(packets, raw)

		s.seq++ // wraps naturally at uint16 overflow
		s.timestamp += uint32(len(payload))
	}
	return packets, nil
}

// Parsed is the result of Parse: the decoded header plus the raw payload
// bytes (still G.711-encoded).
type Parsed struct {
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadType    PayloadType
	Marker         bool
	Payload        []byte
}

// Parse decodes an inbound RTP datagram, rejecting anything shorter than
// the fixed 12-byte header.
func Parse(datagram []byte) (*Parsed, error) {
	if len(datagram) < 12 {
		return nil, ErrShortPacket
	}
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return nil, fmt.Errorf("rtp: parsing packet: %w", err)
	}
	return &Parsed{
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
		PayloadType:    PayloadType(pkt.PayloadType),
		Marker:         pkt.Marker,
		Payload:        pkt.Payload,
	}, nil
}
