package protocol

// Call-notify protocol constants. These values are shared with every peer that
// speaks the Caller/Callee protocol and must not change.
const (
	// EventCallNotify is the request code of a Caller → Callee method invocation.
	// It shares the transport's code space with other protocols on the same stub.
	EventCallNotify uint32 = 1

	RequestSuccess int32 = 0
	RequestFailed  int32 = 1
)

// Type tags written into a reply after the status.
const (
	TypeTagObject    = "object"
	TypeTagUndefined = "undefined"
	TypeTagString    = "string"
	TypeTagNumber    = "number"
	TypeTagBoolean   = "boolean"
	TypeTagFunction  = "function"
	TypeTagError     = "error"
)

// Transport status codes carried in the Code field of Reply and AttachAck frames.
const (
	StatusOK                 uint32 = 0
	StatusUnknownTransaction uint32 = 1 // the stub did not handle the request code
	StatusUnknownDescriptor  uint32 = 2 // no stub registered under the attach descriptor
	StatusNotAttached        uint32 = 3 // request arrived before a successful attach
	StatusBadParcel          uint32 = 4
	StatusShuttingDown       uint32 = 5 // the server stopped taking requests
)
