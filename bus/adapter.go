package bus

import (
	"go.uber.org/zap"

	"github.com/open-agri/isobus/can"
	"github.com/open-agri/isobus/tp"
)

// Adapter binds a transport protocol manager to a Bus. It owns the small
// peer registry mapping bus addresses to control function handles, encodes
// outbound frames into 29-bit identifiers, and decodes inbound frames back
// into messages for the manager.
type Adapter struct {
	bus       Bus
	log       *zap.SugaredLogger
	functions map[uint8]*can.ControlFunction
}

// NewAdapter wraps a bus. log may be nil.
func NewAdapter(b Bus, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Adapter{
		bus:       b,
		log:       log,
		functions: make(map[uint8]*can.ControlFunction),
	}
}

// ControlFunction returns the shared handle for an address, creating it on
// first use. The global address has no handle; it maps to nil.
func (a *Adapter) ControlFunction(address uint8) *can.ControlFunction {
	if address == can.GlobalAddress {
		return nil
	}
	cf, ok := a.functions[address]
	if !ok {
		cf = can.NewControlFunction(address)
		a.functions[address] = cf
	}
	return cf
}

// SendFrame implements the manager's frame-out seam on top of the bus.
func (a *Adapter) SendFrame(pgn uint32, data []byte, source, destination *can.ControlFunction, priority can.Priority) bool {
	id := can.Identifier{
		Priority:    priority,
		PGN:         pgn,
		Destination: destination.Address(),
		Source:      source.Address(),
	}
	frame := Frame{ID: id.Encode(), Len: uint8(len(data))}
	copy(frame.Data[:], data)
	if err := a.bus.Send(frame); err != nil {
		a.log.Warnf("[BUS]: Dropping frame for 0x%05X: %v", pgn, err)
		return false
	}
	return true
}

// Poll drains pending bus frames into the manager's dispatch.
func (a *Adapter) Poll(manager *tp.Manager) {
	for {
		frame, ok := a.bus.Recv()
		if !ok {
			return
		}
		id := can.DecodeIdentifier(frame.ID)
		manager.ProcessMessage(can.Message{
			PGN:         id.PGN,
			Priority:    id.Priority,
			Source:      a.ControlFunction(id.Source),
			Destination: a.ControlFunction(id.Destination),
			Data:        frame.Data[:frame.Len],
		})
	}
}
