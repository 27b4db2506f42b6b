package rtp

import "testing"

func TestBuildPacketsMonotonic(t *testing.T) {
	sess, err := NewSession("call-1", PayloadPCMU)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	audioBytes := make([]byte, 160*4)
	for i := range audioBytes {
		audioBytes[i] = byte(i)
	}

	packets, err := sess.BuildPackets(audioBytes, SamplesPerPacket, true)
	if err != nil {
		t.Fatalf("BuildPackets: %v", err)
	}
	if len(packets) != 4 {
		t.Fatalf("expected 4 packets, got %d", len(packets))
	}

	var lastSeq uint16
	var lastTs uint32
	for i, raw := range packets {
		p, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse packet %d: %v", i, err)
		}
		if i == 0 {
			if !p.Marker {
				t.Error("expected marker bit on first packet")
			}
			lastSeq = p.SequenceNumber
			lastTs = p.Timestamp
			continue
		}
		if p.SequenceNumber != lastSeq+1 {
			t.Errorf("packet %d: sequence not monotonic: %d -> %d", i, lastSeq, p.SequenceNumber)
		}
		if p.Timestamp != lastTs+SamplesPerPacket {
			t.Errorf("packet %d: timestamp did not advance by %d: %d -> %d", i, SamplesPerPacket, lastTs, p.Timestamp)
		}
		lastSeq = p.SequenceNumber
		lastTs = p.Timestamp
	}
}

func TestSequenceWrapsModulo2_16(t *testing.T) {
	sess, err := NewSession("call-wrap", PayloadPCMU)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.seq = 65535
	packets, err := sess.BuildPackets(make([]byte, SamplesPerPacket*2), SamplesPerPacket, false)
	if err != nil {
		t.Fatalf("BuildPackets: %v", err)
	}
	first, _ := Parse(packets[0])
	second, _ := Parse(packets[1])
	if first.SequenceNumber != 65535 {
		t.Errorf("expected first seq 65535, got %d", first.SequenceNumber)
	}
	if second.SequenceNumber != 0 {
		t.Errorf("expected wrap to 0, got %d", second.SequenceNumber)
	}
}

func TestParseRejectsShortPacket(t *testing.T) {
	if _, err := Parse(make([]byte, 11)); err != ErrShortPacket {
		t.Errorf("expected ErrShortPacket, got %v", err)
	}
}

func TestParsePayloadType(t *testing.T) {
	sess, _ := NewSession("call-pt", PayloadPCMA)
	packets, err := sess.BuildPackets(make([]byte, SamplesPerPacket), SamplesPerPacket, false)
	if err != nil {
		t.Fatalf("BuildPackets: %v", err)
	}
	parsed, err := Parse(packets[0])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.PayloadType != PayloadPCMA {
		t.Errorf("expected PCMA, got %v", parsed.PayloadType)
	}
}
