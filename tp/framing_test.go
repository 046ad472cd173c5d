package tp

import (
	"bytes"
	"testing"

	"github.com/open-agri/isobus/can"
)

func controlMessage(data []byte) *can.Message {
	return &can.Message{
		PGN:    PGNConnectionManagement,
		Source: can.NewControlFunction(0x01),
		Data:   data,
	}
}

func TestParseRequestToSend(t *testing.T) {
	frame, err := parseControlFrame(controlMessage([]byte{0x10, 0x17, 0x00, 0x04, 0x10, 0xEB, 0xFE, 0x00}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rts, ok := frame.(requestToSend)
	if !ok {
		t.Fatalf("wrong variant %T", frame)
	}
	if rts.totalSize != 23 || rts.totalPackets != 4 || rts.ctsLimit != 16 || rts.pgn != 0xFEEB {
		t.Errorf("unexpected fields: %+v", rts)
	}
}

func TestParseClearToSend(t *testing.T) {
	frame, err := parseControlFrame(controlMessage([]byte{0x11, 0x02, 0x03, 0xFF, 0xFF, 0xEB, 0xFE, 0x00}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cts, ok := frame.(clearToSend)
	if !ok {
		t.Fatalf("wrong variant %T", frame)
	}
	if cts.packetsToSend != 2 || cts.nextPacket != 3 || cts.pgn != 0xFEEB {
		t.Errorf("unexpected fields: %+v", cts)
	}
}

func TestParseEndOfMessageAck(t *testing.T) {
	frame, err := parseControlFrame(controlMessage([]byte{0x13, 0x17, 0x00, 0x04, 0xFF, 0xEB, 0xFE, 0x00}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	eoma, ok := frame.(endOfMessageAck)
	if !ok {
		t.Fatalf("wrong variant %T", frame)
	}
	if eoma.totalSize != 23 || eoma.totalPackets != 4 || eoma.pgn != 0xFEEB {
		t.Errorf("unexpected fields: %+v", eoma)
	}
}

func TestParseBroadcastAnnounce(t *testing.T) {
	frame, err := parseControlFrame(controlMessage([]byte{0x20, 0x11, 0x00, 0x03, 0xFF, 0xEC, 0xFE, 0x00}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	bam, ok := frame.(broadcastAnnounce)
	if !ok {
		t.Fatalf("wrong variant %T", frame)
	}
	if bam.totalSize != 17 || bam.totalPackets != 3 || bam.pgn != 0xFEEC {
		t.Errorf("unexpected fields: %+v", bam)
	}
}

func TestParseConnectionAbort(t *testing.T) {
	frame, err := parseControlFrame(controlMessage([]byte{0xFF, 0x03, 0xFF, 0xFF, 0xFF, 0xEB, 0xFE, 0x00}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	abort, ok := frame.(connectionAbort)
	if !ok {
		t.Fatalf("wrong variant %T", frame)
	}
	if abort.reason != AbortTimeout || abort.pgn != 0xFEEB {
		t.Errorf("unexpected fields: %+v", abort)
	}
}

func TestParseUnknownMultiplexor(t *testing.T) {
	if _, err := parseControlFrame(controlMessage([]byte{0x42, 0, 0, 0, 0, 0, 0, 0})); err == nil {
		t.Fatal("expected an error for an unknown multiplexor")
	}
}

func TestEncodeControlFrames(t *testing.T) {
	cases := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"rts", encodeRequestToSend(23, 4, 16, 0xFEEB), []byte{0x10, 0x17, 0x00, 0x04, 0x10, 0xEB, 0xFE, 0x00}},
		{"cts", encodeClearToSend(2, 1, 0xFEEB), []byte{0x11, 0x02, 0x01, 0xFF, 0xFF, 0xEB, 0xFE, 0x00}},
		{"eoma", encodeEndOfMessageAck(23, 4, 0xFEEB), []byte{0x13, 0x17, 0x00, 0x04, 0xFF, 0xEB, 0xFE, 0x00}},
		{"bam", encodeBroadcastAnnounce(17, 3, 0xFEEC), []byte{0x20, 0x11, 0x00, 0x03, 0xFF, 0xEC, 0xFE, 0x00}},
		{"abort", encodeConnectionAbort(AbortAlreadyInCMSession, 0xFEEB), []byte{0xFF, 0x01, 0xFF, 0xFF, 0xFF, 0xEB, 0xFE, 0x00}},
	}
	for _, tc := range cases {
		if len(tc.got) != canDataLength {
			t.Errorf("%s: length %d", tc.name, len(tc.got))
		}
		if !bytes.Equal(tc.got, tc.want) {
			t.Errorf("%s: got % X want % X", tc.name, tc.got, tc.want)
		}
	}
}

func TestAbortReasonStrings(t *testing.T) {
	if AbortTimeout.String() != "timeout" {
		t.Errorf("AbortTimeout: %q", AbortTimeout.String())
	}
	if AbortReason(42).String() != "reserved (42)" {
		t.Errorf("reserved: %q", AbortReason(42).String())
	}
}
