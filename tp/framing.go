package tp

import (
	"fmt"

	"github.com/open-agri/isobus/can"
)

// Parameter group numbers owned by the transport protocol.
const (
	// PGNConnectionManagement carries BAM/RTS/CTS/EOMA/Abort control frames.
	PGNConnectionManagement uint32 = 0xEC00
	// PGNDataTransfer carries the sequenced 7-byte data frames.
	PGNDataTransfer uint32 = 0xEB00
)

const (
	canDataLength         = 8
	protocolBytesPerFrame = 7
	// MaxProtocolDataLength is the largest message the protocol can carry:
	// 255 packets of 7 bytes.
	MaxProtocolDataLength = 1785
	// maxPacketsPerSegment is fixed by the 8-bit packet counter.
	maxPacketsPerSegment = 255
	// packetsPerCTSMessage is the limit we advertise in byte 4 of an RTS:
	// how many packets the peer may authorize per CTS.
	packetsPerCTSMessage = 16
)

// Connection management multiplexor values (byte 0).
const (
	requestToSendMultiplexor            = 16
	clearToSendMultiplexor              = 17
	endOfMessageAcknowledgeMultiplexor  = 19
	broadcastAnnounceMessageMultiplexor = 32
	connectionAbortMultiplexor          = 255
)

// AbortReason is the 1-byte wire code carried in a connection abort frame.
type AbortReason uint8

const (
	AbortAlreadyInCMSession                         AbortReason = 1
	AbortSystemResourcesNeededForAnotherTask        AbortReason = 2
	AbortTimeout                                    AbortReason = 3
	AbortClearToSendReceivedWhileTransferInProgress AbortReason = 4
	AbortMaximumRetransmitRequestLimitReached       AbortReason = 5
	AbortUnexpectedDataTransferPacketReceived       AbortReason = 6
	AbortBadSequenceNumber                          AbortReason = 7
	AbortDuplicateSequenceNumber                    AbortReason = 8
	AbortAnyOtherError                              AbortReason = 250
)

func (r AbortReason) String() string {
	switch r {
	case AbortAlreadyInCMSession:
		return "already in CM session"
	case AbortSystemResourcesNeededForAnotherTask:
		return "system resources needed for another task"
	case AbortTimeout:
		return "timeout"
	case AbortClearToSendReceivedWhileTransferInProgress:
		return "CTS received while transfer in progress"
	case AbortMaximumRetransmitRequestLimitReached:
		return "maximum retransmit request limit reached"
	case AbortUnexpectedDataTransferPacketReceived:
		return "unexpected data transfer packet received"
	case AbortBadSequenceNumber:
		return "bad sequence number"
	case AbortDuplicateSequenceNumber:
		return "duplicate sequence number"
	case AbortAnyOtherError:
		return "any other error"
	default:
		return fmt.Sprintf("reserved (%d)", uint8(r))
	}
}

// Decoded connection management frames. The multiplexor byte selects the
// variant; parseControlFrame returns one of these.
type requestToSend struct {
	totalSize    uint16
	totalPackets uint8
	ctsLimit     uint8
	pgn          uint32
}

type clearToSend struct {
	packetsToSend uint8
	nextPacket    uint8
	pgn           uint32
}

type endOfMessageAck struct {
	totalSize    uint16
	totalPackets uint8
	pgn          uint32
}

type broadcastAnnounce struct {
	totalSize    uint16
	totalPackets uint8
	pgn          uint32
}

type connectionAbort struct {
	reason AbortReason
	pgn    uint32
}

// parseControlFrame decodes the 8-byte payload of a connection management
// message into its tagged variant.
func parseControlFrame(message *can.Message) (any, error) {
	pgn := message.Uint24At(5)
	switch message.Uint8At(0) {
	case requestToSendMultiplexor:
		return requestToSend{
			totalSize:    message.Uint16At(1),
			totalPackets: message.Uint8At(3),
			ctsLimit:     message.Uint8At(4),
			pgn:          pgn,
		}, nil
	case clearToSendMultiplexor:
		return clearToSend{
			packetsToSend: message.Uint8At(1),
			nextPacket:    message.Uint8At(2),
			pgn:           pgn,
		}, nil
	case endOfMessageAcknowledgeMultiplexor:
		return endOfMessageAck{
			totalSize:    message.Uint16At(1),
			totalPackets: message.Uint8At(3),
			pgn:          pgn,
		}, nil
	case broadcastAnnounceMessageMultiplexor:
		return broadcastAnnounce{
			totalSize:    message.Uint16At(1),
			totalPackets: message.Uint8At(3),
			pgn:          pgn,
		}, nil
	case connectionAbortMultiplexor:
		return connectionAbort{
			reason: AbortReason(message.Uint8At(1)),
			pgn:    pgn,
		}, nil
	default:
		return nil, fmt.Errorf("bad multiplexor %d in connection management message", message.Uint8At(0))
	}
}

func encodeRequestToSend(totalSize uint16, totalPackets, ctsLimit uint8, pgn uint32) []byte {
	return []byte{
		requestToSendMultiplexor,
		uint8(totalSize), uint8(totalSize >> 8),
		totalPackets,
		ctsLimit,
		uint8(pgn), uint8(pgn >> 8), uint8(pgn >> 16),
	}
}

func encodeClearToSend(packetsToSend, nextPacket uint8, pgn uint32) []byte {
	return []byte{
		clearToSendMultiplexor,
		packetsToSend,
		nextPacket,
		0xFF, 0xFF,
		uint8(pgn), uint8(pgn >> 8), uint8(pgn >> 16),
	}
}

func encodeEndOfMessageAck(totalSize uint16, totalPackets uint8, pgn uint32) []byte {
	return []byte{
		endOfMessageAcknowledgeMultiplexor,
		uint8(totalSize), uint8(totalSize >> 8),
		totalPackets,
		0xFF,
		uint8(pgn), uint8(pgn >> 8), uint8(pgn >> 16),
	}
}

func encodeBroadcastAnnounce(totalSize uint16, totalPackets uint8, pgn uint32) []byte {
	return []byte{
		broadcastAnnounceMessageMultiplexor,
		uint8(totalSize), uint8(totalSize >> 8),
		totalPackets,
		0xFF,
		uint8(pgn), uint8(pgn >> 8), uint8(pgn >> 16),
	}
}

func encodeConnectionAbort(reason AbortReason, pgn uint32) []byte {
	return []byte{
		connectionAbortMultiplexor,
		uint8(reason),
		0xFF, 0xFF, 0xFF,
		uint8(pgn), uint8(pgn >> 8), uint8(pgn >> 16),
	}
}
