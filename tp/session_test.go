package tp

import (
	"testing"

	"github.com/open-agri/isobus/can"
)

func TestTransmitSessionPacketCount(t *testing.T) {
	cases := []struct {
		size    int
		packets uint8
	}{
		{9, 2},
		{14, 2},
		{15, 3},
		{100, 15},
		{1784, 255},
		{1785, 255},
	}
	source := can.NewControlFunction(0x01)
	for _, tc := range cases {
		s := newTransmitSession(0xFEEB, make([]byte, tc.size), source, nil, nil, nil)
		if s.totalPackets != tc.packets {
			t.Errorf("%d bytes: totalPackets = %d, want %d", tc.size, s.totalPackets, tc.packets)
		}
		if s.totalSize != uint16(tc.size) {
			t.Errorf("%d bytes: totalSize = %d", tc.size, s.totalSize)
		}
		if s.ctsPacketCountMax != 255 {
			t.Errorf("%d bytes: ctsPacketCountMax = %d", tc.size, s.ctsPacketCountMax)
		}
	}
}

func TestSessionWindowBookkeeping(t *testing.T) {
	s := newTransmitSession(0xFEEB, make([]byte, 70), can.NewControlFunction(0x01), can.NewControlFunction(0x02), nil, nil)
	s.ctsWindowStart = 4
	s.ctsPacketCount = 3
	s.lastPacketNumber = 6
	if s.packetsThisWindow() != 2 {
		t.Errorf("packetsThisWindow = %d", s.packetsThisWindow())
	}
	if s.remainingPackets() != 4 {
		t.Errorf("remainingPackets = %d", s.remainingPackets())
	}
	if s.allPacketsProcessed() {
		t.Error("session not complete yet")
	}
	s.lastPacketNumber = 10
	if !s.allPacketsProcessed() {
		t.Error("session should be complete")
	}
}

func TestSessionMatching(t *testing.T) {
	a := can.NewControlFunction(0x01)
	b := can.NewControlFunction(0x02)
	s := newTransmitSession(0xFEEB, make([]byte, 9), a, b, nil, nil)
	if !s.matches(a, b) {
		t.Error("session should match its own pair")
	}
	if s.matches(b, a) {
		t.Error("matching is direction sensitive")
	}
	if s.matches(a, nil) {
		t.Error("specific session must not match broadcast lookup")
	}
	if s.isBroadcast() {
		t.Error("session with destination is not broadcast")
	}
}
