package tp

import "github.com/open-agri/isobus/can"

// Direction tags a session as the sending or receiving side of a transfer.
type Direction uint8

const (
	DirectionTransmit Direction = iota
	DirectionReceive
)

// StateMachineState enumerates the per-session protocol states.
type StateMachineState uint8

const (
	StateNone StateMachineState = iota
	StateBroadcastAnnounce
	StateRequestToSend
	StateWaitForClearToSend
	StateTxDataSession
	StateClearToSend
	StateRxDataSession
	StateWaitForEndOfMessageAcknowledge
)

// session is one in-flight multi-packet transfer. Sessions are owned
// exclusively by the manager; the data buffer is owned exclusively by the
// session.
type session struct {
	direction Direction
	state     StateMachineState
	pgn       uint32

	data         []byte
	totalSize    uint16
	totalPackets uint8

	// lastPacketNumber is the absolute number of packets fully processed,
	// monotone over the whole session.
	lastPacketNumber uint8
	// ctsWindowStart is lastPacketNumber at the moment the current CTS
	// window was granted; ctsPacketCount packets are authorized from there.
	ctsWindowStart    uint8
	ctsPacketCount    uint8
	ctsPacketCountMax uint8

	source      *can.ControlFunction
	destination *can.ControlFunction

	timestampMS uint64

	completeCallback TransmitCompleteCallback
	parent           any
}

func newReceiveSession(pgn uint32, totalSize uint16, totalPackets, ctsMax uint8, source, destination *can.ControlFunction) *session {
	return &session{
		direction:         DirectionReceive,
		pgn:               pgn,
		data:              make([]byte, totalSize),
		totalSize:         totalSize,
		totalPackets:      totalPackets,
		ctsPacketCountMax: ctsMax,
		source:            source,
		destination:       destination,
	}
}

func newTransmitSession(pgn uint32, data []byte, source, destination *can.ControlFunction, callback TransmitCompleteCallback, parent any) *session {
	totalPackets := len(data) / protocolBytesPerFrame
	if len(data)%protocolBytesPerFrame != 0 {
		totalPackets++
	}
	return &session{
		direction:         DirectionTransmit,
		pgn:               pgn,
		data:              data,
		totalSize:         uint16(len(data)),
		totalPackets:      uint8(totalPackets),
		ctsPacketCountMax: maxPacketsPerSegment,
		source:            source,
		destination:       destination,
		completeCallback:  callback,
		parent:            parent,
	}
}

func (s *session) isBroadcast() bool {
	return s.destination == nil
}

func (s *session) matches(source, destination *can.ControlFunction) bool {
	return s.source == source && s.destination == destination
}

func (s *session) setState(state StateMachineState, nowMS uint64) {
	s.state = state
	s.timestampMS = nowMS
}

func (s *session) remainingPackets() uint8 {
	return s.totalPackets - s.lastPacketNumber
}

// packetsThisWindow is how many packets were processed since the current
// CTS window opened.
func (s *session) packetsThisWindow() uint8 {
	return s.lastPacketNumber - s.ctsWindowStart
}

func (s *session) allPacketsProcessed() bool {
	return s.lastPacketNumber >= s.totalPackets
}
