package coreipc

import "unique"

// Reserved receiver and message names used by the connection itself.
const (
	InternalReceiverName = "IPC"
	SyncReplyMessageName = "SyncReply"
)

// EnvelopeFlags are the header bits carried on the wire.
type EnvelopeFlags uint8

const (
	FlagSync                 EnvelopeFlags = 1 << 0
	FlagDispatchWhileWaiting EnvelopeFlags = 1 << 1

	knownEnvelopeFlags = FlagSync | FlagDispatchWhileWaiting
)

// SendFlags modify how Send treats an outgoing envelope.
type SendFlags uint8

const (
	// DispatchWhileWaiting asks the peer to service the message even while
	// its owning loop is blocked inside a synchronous call.
	DispatchWhileWaiting SendFlags = 1 << 0
)

// SyncSendFlags modify a synchronous call.
type SyncSendFlags uint8

const (
	// SpinWhileWaiting is accepted for compatibility and has no effect: the
	// owning loop always services dispatch-while-waiting traffic.
	SpinWhileWaiting SyncSendFlags = 1 << 0
)

// Envelope is a routable message unit. Ownership moves with the envelope
// between queues; nothing retains it after it has been handed on.
type Envelope struct {
	Receiver      string
	Message       string
	Destination   uint64
	Flags         EnvelopeFlags
	SyncRequestID uint64
	Payload       []byte
}

// NewEnvelope builds an asynchronous envelope.
func NewEnvelope(receiver, message string, destination uint64, payload []byte) *Envelope {
	return &Envelope{
		Receiver:    receiver,
		Message:     message,
		Destination: destination,
		Payload:     payload,
	}
}

// NewSyncEnvelope builds an envelope for SendSync. The request id is
// assigned by the connection that sends it.
func NewSyncEnvelope(receiver, message string, destination uint64, payload []byte) *Envelope {
	env := NewEnvelope(receiver, message, destination, payload)
	env.Flags |= FlagSync
	return env
}

func (e *Envelope) IsSync() bool {
	return e.Flags&FlagSync != 0
}

func (e *Envelope) ShouldDispatchWhileWaiting() bool {
	return e.Flags&FlagDispatchWhileWaiting != 0
}

// IsSyncReply reports whether e is the reserved reply to a synchronous call.
// The reply's Destination is the request id it answers.
func (e *Envelope) IsSyncReply() bool {
	return e.Receiver == InternalReceiverName && e.Message == SyncReplyMessageName
}

func (e *Envelope) String() string {
	return e.Receiver + "/" + e.Message
}

func newSyncReplyEnvelope(syncRequestID uint64, payload []byte) *Envelope {
	return NewEnvelope(InternalReceiverName, SyncReplyMessageName, syncRequestID, payload)
}

// intern returns a canonical copy of a decoded header name so repeated
// receiver and message names share storage.
func intern(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unique.Make(string(b)).Value()
}

// messageKey identifies a wait_for_message registration.
type messageKey struct {
	receiver    string
	message     string
	destination uint64
}

func keyOf(e *Envelope) messageKey {
	return messageKey{receiver: e.Receiver, message: e.Message, destination: e.Destination}
}
