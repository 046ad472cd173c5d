// Package tp implements the ISO 11783 / J1939 transport protocol for
// messages between 9 and 1785 bytes: the broadcast announce (BAM) mode for
// global recipients and the connection mode (RTS/CTS/EOMA) for
// point-to-point transfers with flow control.
//
// The manager is single-threaded cooperative: ProcessMessage, Update,
// TransmitMessage and HasSession must be serialized by the caller. Every
// operation is non-blocking; the only back-pressure signal is the boolean
// result of the frame-out callback.
package tp

import (
	"go.uber.org/zap"

	"github.com/open-agri/isobus/can"
	"github.com/open-agri/isobus/config"
)

// Protocol timeouts in milliseconds.
const (
	// t1TimeoutMS bounds the gap between broadcast data frames on the
	// receiving side.
	t1TimeoutMS = 750
	// t2t3TimeoutMS bounds waiting for a CTS or an EOMA on the sending side.
	t2t3TimeoutMS = 1250
	// messageTRTimeoutMS bounds inactivity of a connection-mode receive
	// session.
	messageTRTimeoutMS = 1250
)

// SendFrameCallback enqueues one 8-byte CAN frame. A nil destination means
// the global address. Returning false signals the frame could not be
// queued; the manager retries on the next update pass.
type SendFrameCallback func(pgn uint32, data []byte, source, destination *can.ControlFunction, priority can.Priority) bool

// MessageReceivedCallback is invoked once per fully reassembled
// multi-packet message.
type MessageReceivedCallback func(message can.Message)

// TransmitCompleteCallback reports the outcome of an admitted transmit
// session. It fires exactly once per admitted session.
type TransmitCompleteCallback func(pgn uint32, size uint16, source, destination *can.ControlFunction, successful bool, parent any)

// Manager owns the active transport protocol sessions and drives their
// state machines. It dispatches inbound control and data frames, advances
// each session on Update, and enforces the timeout and abort rules.
type Manager struct {
	sendFrame       SendFrameCallback
	messageReceived MessageReceivedCallback
	cfg             *config.Network
	log             *zap.SugaredLogger
	clock           Clock

	activeSessions []*session
}

// NewManager creates a transport protocol manager. sendFrame is required;
// messageReceived, cfg and log may be nil (nil cfg uses the defaults, nil
// log disables logging).
func NewManager(sendFrame SendFrameCallback, messageReceived MessageReceivedCallback, cfg *config.Network, log *zap.SugaredLogger) *Manager {
	if cfg == nil {
		cfg = config.DefaultNetwork()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		sendFrame:       sendFrame,
		messageReceived: messageReceived,
		cfg:             cfg,
		log:             log,
		clock:           SystemClock(),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Manager) SetClock(clock Clock) {
	m.clock = clock
}

// TransmitMessage starts sending a multi-packet message. A nil destination
// broadcasts via BAM; a specific destination opens a connection-mode
// transfer. The data is copied; callback (optional) fires exactly once
// with the outcome.
func (m *Manager) TransmitMessage(pgn uint32, data []byte, source, destination *can.ControlFunction, callback TransmitCompleteCallback, parent any) error {
	if len(data) <= canDataLength || len(data) > MaxProtocolDataLength {
		return ErrInvalidMessageLength
	}
	if source == nil || !source.AddressValid() {
		return ErrInvalidSource
	}
	if m.HasSession(source, destination) {
		return ErrSessionExists
	}
	if len(m.activeSessions) >= m.cfg.MaxTransportProtocolSessions {
		if destination == nil {
			// No peer to abort with; the broadcast is simply refused.
			m.log.Warnf("[TP]: Refusing broadcast for 0x%05X, configured maximum number of sessions reached", pgn)
		}
		return ErrSessionLimitReached
	}

	buffer := make([]byte, len(data))
	copy(buffer, data)

	s := newTransmitSession(pgn, buffer, source, destination, callback, parent)
	if s.isBroadcast() {
		s.setState(StateBroadcastAnnounce, m.clock())
	} else {
		s.setState(StateRequestToSend, m.clock())
	}
	m.activeSessions = append(m.activeSessions, s)
	m.log.Debugf("[TP]: New tx session for 0x%05X. Source: %d, Destination: %d", pgn, source.Address(), destination.Address())
	return nil
}

// HasSession reports whether a session is active for the exact
// (source, destination) pair. A nil destination matches broadcast sessions.
func (m *Manager) HasSession(source, destination *can.ControlFunction) bool {
	return m.getSession(source, destination) != nil
}

// ProcessMessage dispatches one received CAN message. Messages on PGNs the
// protocol does not own are ignored.
func (m *Manager) ProcessMessage(message can.Message) {
	if message.Source == nil {
		return
	}
	switch message.PGN {
	case PGNConnectionManagement:
		m.processConnectionManagement(&message)
	case PGNDataTransfer:
		m.processDataTransfer(&message)
	}
}

// Update runs one pass of every active session's state machine. It must be
// called often enough to honor the 50 ms BAM pacing granularity.
func (m *Manager) Update() {
	snapshot := make([]*session, len(m.activeSessions))
	copy(snapshot, m.activeSessions)
	for _, s := range snapshot {
		switch {
		case !s.source.AddressValid():
			m.log.Warnf("[TP]: Closing session for 0x%05X, source control function is no longer valid", s.pgn)
			m.abortSession(s, AbortAnyOtherError)
		case !s.isBroadcast() && !s.destination.AddressValid():
			m.log.Warnf("[TP]: Closing session for 0x%05X, destination control function is no longer valid", s.pgn)
			m.abortSession(s, AbortAnyOtherError)
		case s.state != StateNone:
			m.updateStateMachine(s)
		}
	}
}

func (m *Manager) processConnectionManagement(message *can.Message) {
	if message.Len() != canDataLength {
		m.log.Warnf("[TP]: Received a connection management message of invalid length %d", message.Len())
		return
	}
	frame, err := parseControlFrame(message)
	if err != nil {
		m.log.Warnf("[TP]: %v", err)
		return
	}

	switch f := frame.(type) {
	case broadcastAnnounce:
		if !message.IsBroadcast() {
			m.log.Warnf("[TP]: Received a BAM with a non-global destination, ignoring")
			return
		}
		m.processBroadcastAnnounce(message.Source, f)
	case requestToSend:
		if message.IsBroadcast() {
			m.log.Warnf("[TP]: Received an RTS with a global destination, ignoring")
			return
		}
		m.processRequestToSend(message.Source, message.Destination, f)
	case clearToSend:
		if message.IsBroadcast() {
			m.log.Warnf("[TP]: Received a CTS with a global destination, ignoring")
			return
		}
		m.processClearToSend(message.Source, message.Destination, f)
	case endOfMessageAck:
		if message.IsBroadcast() {
			m.log.Warnf("[TP]: Received an EOMA with a global destination, ignoring")
			return
		}
		m.processEndOfMessageAck(message.Source, message.Destination, f)
	case connectionAbort:
		if message.IsBroadcast() {
			m.log.Warnf("[TP]: Received an abort with a global destination, ignoring")
			return
		}
		m.processAbort(message.Source, message.Destination, f)
	}
}

func (m *Manager) processBroadcastAnnounce(source *can.ControlFunction, f broadcastAnnounce) {
	if len(m.activeSessions) >= m.cfg.MaxTransportProtocolSessions {
		m.log.Warnf("[TP]: Ignoring BAM for 0x%05X, configured maximum number of sessions reached", f.pgn)
		return
	}
	if old := m.getSession(source, nil); old != nil {
		m.log.Warnf("[TP]: Received BAM while a broadcast session already existed for source %d, overwriting for 0x%05X", source.Address(), f.pgn)
		m.closeSession(old, false)
	}

	s := newReceiveSession(f.pgn, f.totalSize, f.totalPackets, 0xFF, source, nil)
	s.setState(StateRxDataSession, m.clock())
	m.activeSessions = append(m.activeSessions, s)
	m.log.Debugf("[TP]: New rx broadcast session for 0x%05X. Source: %d", f.pgn, source.Address())
}

func (m *Manager) processRequestToSend(source, destination *can.ControlFunction, f requestToSend) {
	if len(m.activeSessions) >= m.cfg.MaxTransportProtocolSessions {
		m.log.Warnf("[TP]: Replying with abort to RTS for 0x%05X, configured maximum number of sessions reached", f.pgn)
		m.sendAbort(destination, source, f.pgn, AbortAlreadyInCMSession)
		return
	}
	if old := m.getSession(source, destination); old != nil {
		if old.pgn != f.pgn {
			m.log.Errorf("[TP]: Received RTS while a session already existed for this source and destination, aborting for 0x%05X", f.pgn)
			m.abortSession(old, AbortAlreadyInCMSession)
			return
		}
		m.log.Warnf("[TP]: Received RTS while a session already existed for this source, destination and PGN, overwriting for 0x%05X", f.pgn)
		m.closeSession(old, false)
	}

	s := newReceiveSession(f.pgn, f.totalSize, f.totalPackets, f.ctsLimit, source, destination)
	s.setState(StateClearToSend, m.clock())
	m.activeSessions = append(m.activeSessions, s)
	m.log.Debugf("[TP]: New rx session for 0x%05X. Source: %d", f.pgn, source.Address())
}

func (m *Manager) processClearToSend(source, destination *can.ControlFunction, f clearToSend) {
	// A CTS answers our RTS, so the matching tx session is keyed the other
	// way around: we sent from the frame's destination to its source.
	s := m.getSession(destination, source)
	if s == nil {
		m.log.Warnf("[TP]: Received CTS for 0x%05X with no matching session, sending abort", f.pgn)
		m.sendAbort(destination, source, f.pgn, AbortAnyOtherError)
		return
	}

	switch {
	case s.pgn != f.pgn:
		m.log.Errorf("[TP]: Received CTS for 0x%05X while the session carries 0x%05X, aborting both", f.pgn, s.pgn)
		m.abortSession(s, AbortAnyOtherError)
		m.sendAbort(destination, source, f.pgn, AbortAnyOtherError)
	case f.nextPacket != s.lastPacketNumber+1:
		m.log.Errorf("[TP]: Received CTS for 0x%05X with a bad next packet number, aborting", f.pgn)
		m.abortSession(s, AbortBadSequenceNumber)
	case s.state != StateWaitForClearToSend:
		m.log.Warnf("[TP]: Received CTS for 0x%05X but not expecting one, aborting", f.pgn)
		m.abortSession(s, AbortClearToSendReceivedWhileTransferInProgress)
	default:
		s.ctsPacketCount = f.packetsToSend
		s.timestampMS = m.clock()
		// Zero packets means the peer wants us to hold; stay in
		// WaitForClearToSend until a non-zero count arrives.
		if f.packetsToSend != 0 {
			s.ctsWindowStart = s.lastPacketNumber
			s.setState(StateTxDataSession, m.clock())
		}
	}
}

func (m *Manager) processEndOfMessageAck(source, destination *can.ControlFunction, f endOfMessageAck) {
	s := m.getSession(destination, source)
	if s == nil {
		m.log.Warnf("[TP]: Received EOMA for 0x%05X with no matching session, sending abort", f.pgn)
		m.sendAbort(destination, source, f.pgn, AbortAnyOtherError)
		return
	}
	if s.state != StateWaitForEndOfMessageAcknowledge {
		m.log.Warnf("[TP]: Received EOMA for 0x%05X but not expecting one, ignoring", f.pgn)
		return
	}
	m.log.Debugf("[TP]: Completed tx session for 0x%05X to %d", f.pgn, source.Address())
	m.closeSession(s, true)
}

func (m *Manager) processAbort(source, destination *can.ControlFunction, f connectionAbort) {
	found := false
	if s := m.getSession(source, destination); s != nil && s.pgn == f.pgn {
		found = true
		m.log.Errorf("[TP]: Received an abort (%s) for an rx session for 0x%05X", f.reason, f.pgn)
		m.closeSession(s, false)
	}
	if s := m.getSession(destination, source); s != nil && s.pgn == f.pgn {
		found = true
		m.log.Errorf("[TP]: Received an abort (%s) for a tx session for 0x%05X", f.reason, f.pgn)
		m.closeSession(s, false)
	}
	if !found {
		m.log.Warnf("[TP]: Received an abort (%s) with no matching session for 0x%05X", f.reason, f.pgn)
	}
}

func (m *Manager) processDataTransfer(message *can.Message) {
	if message.Len() != canDataLength {
		m.log.Warnf("[TP]: Received a data transfer message of invalid length %d", message.Len())
		return
	}

	source := message.Source
	destination := message.Destination
	sequenceNumber := message.Uint8At(0)

	s := m.getSession(source, destination)
	if s == nil {
		if !message.IsBroadcast() {
			m.log.Warnf("[TP]: Received a data transfer message from %d with no matching session, ignoring", source.Address())
		}
		return
	}

	switch {
	case s.state != StateRxDataSession:
		m.log.Warnf("[TP]: Received a data transfer message from %d while not expecting one, sending abort", source.Address())
		m.abortSession(s, AbortUnexpectedDataTransferPacketReceived)
	case sequenceNumber == s.lastPacketNumber:
		m.log.Errorf("[TP]: Aborting rx session for 0x%05X due to duplicate sequence number", s.pgn)
		m.abortSession(s, AbortDuplicateSequenceNumber)
	case sequenceNumber == s.lastPacketNumber+1:
		// In sequence; copy the payload, truncating the final frame.
		offset := int(s.lastPacketNumber) * protocolBytesPerFrame
		for i := 0; i < protocolBytesPerFrame && offset+i < int(s.totalSize); i++ {
			s.data[offset+i] = message.Uint8At(1 + i)
		}
		s.lastPacketNumber = sequenceNumber
		s.timestampMS = m.clock()

		if int(s.lastPacketNumber)*protocolBytesPerFrame >= int(s.totalSize) {
			if !s.isBroadcast() {
				m.sendEndOfMessageAck(s)
			} else {
				m.log.Debugf("[TP]: Completed broadcast rx session for 0x%05X", s.pgn)
			}
			m.deliverCompletedMessage(s)
			m.closeSession(s, true)
		} else if !s.isBroadcast() && s.packetsThisWindow() >= s.ctsPacketCount {
			// Window fully received; emit the next CTS on the next update.
			s.setState(StateClearToSend, m.clock())
		}
	default:
		m.log.Errorf("[TP]: Aborting rx session for 0x%05X due to bad sequence number", s.pgn)
		m.abortSession(s, AbortBadSequenceNumber)
	}
}

// deliverCompletedMessage hands the reassembled payload to the message-in
// sink at default priority.
func (m *Manager) deliverCompletedMessage(s *session) {
	if m.messageReceived == nil {
		return
	}
	m.messageReceived(can.Message{
		PGN:         s.pgn,
		Priority:    can.PriorityDefault6,
		Source:      s.source,
		Destination: s.destination,
		Data:        s.data,
	})
}

func (m *Manager) updateStateMachine(s *session) {
	now := m.clock()
	switch s.state {
	case StateBroadcastAnnounce:
		if m.sendBroadcastAnnounce(s) {
			s.setState(StateTxDataSession, m.clock())
		}

	case StateRequestToSend:
		if m.sendRequestToSend(s) {
			s.setState(StateWaitForClearToSend, m.clock())
		}

	case StateWaitForClearToSend, StateWaitForEndOfMessageAcknowledge:
		if timeExpired(now, s.timestampMS, t2t3TimeoutMS) {
			m.log.Errorf("[TP]: Timeout tx session for 0x%05X", s.pgn)
			m.abortSession(s, AbortTimeout)
		}

	case StateClearToSend:
		packetsThisSegment := s.ctsPacketCountMax
		if remaining := s.remainingPackets(); remaining < packetsThisSegment {
			packetsThisSegment = remaining
		}
		if m.sendClearToSend(s, packetsThisSegment) {
			s.ctsPacketCount = packetsThisSegment
			s.ctsWindowStart = s.lastPacketNumber
			s.setState(StateRxDataSession, m.clock())
		}

	case StateTxDataSession:
		if s.isBroadcast() && !timeExpired(now, s.timestampMS, m.cfg.MinimumTimeBetweenBAMFramesMS) {
			// Pacing: wait before the next broadcast data frame.
			return
		}
		m.sendDataTransferPackets(s)

	case StateRxDataSession:
		if s.isBroadcast() {
			if timeExpired(now, s.timestampMS, t1TimeoutMS) {
				m.log.Warnf("[TP]: Broadcast rx session timeout for 0x%05X", s.pgn)
				m.closeSession(s, false)
			}
		} else if timeExpired(now, s.timestampMS, messageTRTimeoutMS) {
			m.log.Errorf("[TP]: Destination specific rx session timeout for 0x%05X", s.pgn)
			m.abortSession(s, AbortTimeout)
		}
	}
}

// sendDataTransferPackets emits as many data frames as this update pass
// allows: one frame for broadcast sessions, up to the per-update cap and
// the end of the CTS window for connection mode, always stopping on a
// frame-out failure.
func (m *Manager) sendDataTransferPackets(s *session) {
	var buffer [canDataLength]byte
	framesSentThisUpdate := 0

	for !s.allPacketsProcessed() {
		if !s.isBroadcast() && s.packetsThisWindow() >= s.ctsPacketCount {
			break
		}

		buffer[0] = s.lastPacketNumber + 1
		offset := int(s.lastPacketNumber) * protocolBytesPerFrame
		for j := 0; j < protocolBytesPerFrame; j++ {
			if offset+j < int(s.totalSize) {
				buffer[1+j] = s.data[offset+j]
			} else {
				buffer[1+j] = 0xFF
			}
		}

		if !m.sendFrame(PGNDataTransfer, buffer[:], s.source, s.destination, can.PriorityLowest7) {
			// Frame could not be queued; retry on the next update.
			break
		}
		s.lastPacketNumber++
		s.timestampMS = m.clock()
		framesSentThisUpdate++

		if s.isBroadcast() {
			// One frame per update, then wait out the BAM pacing interval.
			break
		}
		if framesSentThisUpdate >= m.cfg.MaxFramesPerUpdate {
			break
		}
	}

	if s.allPacketsProcessed() {
		if s.isBroadcast() {
			m.log.Debugf("[TP]: Completed broadcast tx session for 0x%05X", s.pgn)
			m.closeSession(s, true)
		} else {
			s.setState(StateWaitForEndOfMessageAcknowledge, m.clock())
		}
	} else if !s.isBroadcast() && s.packetsThisWindow() >= s.ctsPacketCount {
		s.setState(StateWaitForClearToSend, m.clock())
	}
}

// abortSession sends an abort frame to the peer (connection mode only;
// broadcast has no abort) and closes the session without a success.
func (m *Manager) abortSession(s *session, reason AbortReason) bool {
	sent := false
	var us, peer *can.ControlFunction
	if s.direction == DirectionTransmit {
		us, peer = s.source, s.destination
	} else {
		us, peer = s.destination, s.source
	}
	if us != nil && peer != nil {
		sent = m.sendAbort(us, peer, s.pgn, reason)
	}
	m.closeSession(s, false)
	return sent
}

// closeSession removes the session from the active set and, for transmit
// sessions with a completion callback, reports the outcome exactly once.
func (m *Manager) closeSession(s *session, successful bool) {
	if s.completeCallback != nil && s.direction == DirectionTransmit {
		s.completeCallback(s.pgn, s.totalSize, s.source, s.destination, successful, s.parent)
		s.completeCallback = nil
	}
	for i, active := range m.activeSessions {
		if active == s {
			m.activeSessions = append(m.activeSessions[:i], m.activeSessions[i+1:]...)
			m.log.Debugf("[TP]: Session closed for 0x%05X", s.pgn)
			break
		}
	}
}

func (m *Manager) sendBroadcastAnnounce(s *session) bool {
	return m.sendFrame(PGNConnectionManagement,
		encodeBroadcastAnnounce(s.totalSize, s.totalPackets, s.pgn),
		s.source, nil, can.PriorityLowest7)
}

func (m *Manager) sendRequestToSend(s *session) bool {
	return m.sendFrame(PGNConnectionManagement,
		encodeRequestToSend(s.totalSize, s.totalPackets, packetsPerCTSMessage, s.pgn),
		s.source, s.destination, can.PriorityLowest7)
}

// sendClearToSend is emitted by the receiving side, so our control
// function is the session's destination.
func (m *Manager) sendClearToSend(s *session, packetsThisSegment uint8) bool {
	return m.sendFrame(PGNConnectionManagement,
		encodeClearToSend(packetsThisSegment, s.lastPacketNumber+1, s.pgn),
		s.destination, s.source, can.PriorityLowest7)
}

func (m *Manager) sendEndOfMessageAck(s *session) bool {
	return m.sendFrame(PGNConnectionManagement,
		encodeEndOfMessageAck(s.totalSize, s.totalPackets, s.pgn),
		s.destination, s.source, can.PriorityLowest7)
}

func (m *Manager) sendAbort(sender, receiver *can.ControlFunction, pgn uint32, reason AbortReason) bool {
	return m.sendFrame(PGNConnectionManagement,
		encodeConnectionAbort(reason, pgn),
		sender, receiver, can.PriorityLowest7)
}

func (m *Manager) getSession(source, destination *can.ControlFunction) *session {
	for _, s := range m.activeSessions {
		if s.matches(source, destination) {
			return s
		}
	}
	return nil
}
