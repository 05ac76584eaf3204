package trunkline

import "github.com/telopt/trunkline/pkg/wire"

// EventType enumerates what a transaction reports to the upper layer.
type EventType int

const (
	EventInvalid EventType = iota // invalid frame received
	EventTerminated
	EventTimeout
	EventNotImplemented
	EventNew     // new remote transaction
	EventAuthReq // remote requests authentication, reply with SendAuthReply
	EventAuthRep // remote answered our challenge, verify and accept/reject
	EventAccept
	EventHangup
	EventReject
	EventBusy
	EventText
	EventDTMF
	EventNoise
	EventAnswer
	EventQuelch
	EventUnquelch
	EventProgressing
	EventRinging
)

func (t EventType) String() string {
	switch t {
	case EventInvalid:
		return "Invalid"
	case EventTerminated:
		return "Terminated"
	case EventTimeout:
		return "Timeout"
	case EventNotImplemented:
		return "NotImplemented"
	case EventNew:
		return "New"
	case EventAuthReq:
		return "AuthReq"
	case EventAuthRep:
		return "AuthRep"
	case EventAccept:
		return "Accept"
	case EventHangup:
		return "Hangup"
	case EventReject:
		return "Reject"
	case EventBusy:
		return "Busy"
	case EventText:
		return "Text"
	case EventDTMF:
		return "DTMF"
	case EventNoise:
		return "Noise"
	case EventAnswer:
		return "Answer"
	case EventQuelch:
		return "Quelch"
	case EventUnquelch:
		return "Unquelch"
	case EventProgressing:
		return "Progressing"
	case EventRinging:
		return "Ringing"
	}
	return "Unknown"
}

// Event is one notification from a transaction. The event keeps its
// transaction reachable until Release is called; a final event is the last
// one the transaction will ever produce.
type Event struct {
	Type  EventType
	Local bool // generated locally, the consumer must not answer it
	Final bool

	FrameType uint8
	Subclass  uint32
	IEs       wire.IEList
	Data      []byte // payload of the media/DTMF/text frame, if any

	trans    *Transaction
	released bool
}

// Transaction returns the transaction that produced this event.
func (ev *Event) Transaction() *Transaction {
	return ev.trans
}

// UserData returns the opaque user value stored on the transaction.
func (ev *Event) UserData() interface{} {
	if ev.trans == nil {
		return nil
	}
	return ev.trans.UserData()
}

// Release hands the event back to its transaction so the next one can be
// produced. Releasing twice is a no-op.
func (ev *Event) Release() {
	if ev.released {
		return
	}
	ev.released = true
	if ev.trans != nil {
		ev.trans.eventReleased(ev)
	}
}
