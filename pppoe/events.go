package pppoe

// EventHandler is implemented by the owners of sessions in order to
// receive session lifecycle events.
//
// Events are delivered on the engine's goroutine.  HandleEvent must not
// block, and must not call back into the Engine synchronously.
type EventHandler interface {
	HandleEvent(event interface{})
}

// DataHandler may additionally be implemented by an EventHandler in
// order to receive PPPoE session data frames for its sessions.
type DataHandler interface {
	HandleData(name string, payload []byte)
}

// CloseReason describes why a session was closed.
type CloseReason int

const (
	// CloseReasonAdmin is a local close request.
	CloseReasonAdmin CloseReason = iota
	// CloseReasonPeerTerminated indicates a PADT from the peer.
	CloseReasonPeerTerminated
	// CloseReasonOfferTimeout indicates an offer was not taken up in time.
	CloseReasonOfferTimeout
	// CloseReasonNoResources indicates the server could not allocate
	// a session ID.
	CloseReasonNoResources
	// CloseReasonServiceNameError indicates the service name was refused.
	CloseReasonServiceNameError
	// CloseReasonACSystemError indicates the peer AC reported an error.
	CloseReasonACSystemError
	// CloseReasonGenericError indicates the peer reported an
	// unspecified error.
	CloseReasonGenericError
	// CloseReasonSendFailed indicates a frame could not be built or sent.
	CloseReasonSendFailed
	// CloseReasonShutdown indicates the engine was shut down.
	CloseReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonAdmin:
		return "admin"
	case CloseReasonPeerTerminated:
		return "peer terminated"
	case CloseReasonOfferTimeout:
		return "offer timeout"
	case CloseReasonNoResources:
		return "no resources"
	case CloseReasonServiceNameError:
		return "service name error"
	case CloseReasonACSystemError:
		return "AC system error"
	case CloseReasonGenericError:
		return "generic error"
	case CloseReasonSendFailed:
		return "send failed"
	case CloseReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// SessionEstablishedEvent is passed to the owner's HandleEvent when a
// session completes discovery and has been allocated a session ID.
type SessionEstablishedEvent struct {
	Name        string
	SessionID   PPPoESessionID
	PeerHWAddr  HWAddr
	ServiceName string
	ACName      string
}

// SessionClosedEvent is passed to the owner's HandleEvent when a
// session is destroyed.
type SessionClosedEvent struct {
	Name      string
	SessionID PPPoESessionID
	Reason    CloseReason
	// Message carries the text of any error tag received from the peer.
	Message string
}
