package bus

import (
	"bytes"
	"testing"

	"github.com/open-agri/isobus/can"
	"github.com/open-agri/isobus/config"
	"github.com/open-agri/isobus/tp"
)

// TestAdapterRoundTrip drives a full connection-mode transfer between two
// managers attached to the same loopback bus.
func TestAdapterRoundTrip(t *testing.T) {
	lb := NewLoopbackBus()

	txAdapter := NewAdapter(lb.Open(), nil)
	rxAdapter := NewAdapter(lb.Open(), nil)

	var received []can.Message
	cfg := config.DefaultNetwork()
	txManager := tp.NewManager(txAdapter.SendFrame, nil, cfg, nil)
	rxManager := tp.NewManager(rxAdapter.SendFrame, func(m can.Message) { received = append(received, m) }, cfg, nil)

	var now uint64
	clock := func() uint64 { return now }
	txManager.SetClock(clock)
	rxManager.SetClock(clock)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	source := txAdapter.ControlFunction(0x01)
	destination := txAdapter.ControlFunction(0x02)
	done := false
	err := txManager.TransmitMessage(0xFEEB, payload, source, destination,
		func(_ uint32, _ uint16, _, _ *can.ControlFunction, ok bool, _ any) {
			done = ok
		}, nil)
	if err != nil {
		t.Fatalf("TransmitMessage: %v", err)
	}

	for step := 0; step < 1000 && !done; step++ {
		txManager.Update()
		rxAdapter.Poll(rxManager)
		rxManager.Update()
		txAdapter.Poll(txManager)
		now += 5
	}
	if !done {
		t.Fatal("transfer did not complete")
	}
	if len(received) != 1 || !bytes.Equal(received[0].Data, payload) {
		t.Fatalf("payload not delivered intact")
	}
	if received[0].Source.Address() != 0x01 || received[0].Destination.Address() != 0x02 {
		t.Errorf("addresses lost in transit: %+v", received[0])
	}
}

func TestAdapterControlFunctionRegistry(t *testing.T) {
	a := NewAdapter(NewLoopbackBus().Open(), nil)
	if a.ControlFunction(can.GlobalAddress) != nil {
		t.Error("global address must map to nil")
	}
	first := a.ControlFunction(0x10)
	if first == nil || first.Address() != 0x10 {
		t.Fatal("control function not created")
	}
	if a.ControlFunction(0x10) != first {
		t.Error("registry must return the shared handle")
	}
}
