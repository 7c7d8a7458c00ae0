// Package message defines the structures exchanged between a Client Service and a Host Service.
//
// Every frame body is one of these messages. The frame header (see package protocol) says
// which one, and the codec layer turns it into bytes.
//
//   - Hello:               handshake, once per connection in each direction
//   - RootRequest:         fetch a root object of the host by name
//   - InvocationRequest:   call Selector on the object identified by Target
//   - InvocationResponse:  the outcome of a RootRequest or InvocationRequest
//   - ReleaseRequest:      drop remote holds on exported objects (no response)
//   - Goodbye:             the sender is going away; carries the reason
package message

// ObjectHandle identifies an object exported by reference.
//
// ProcessOriginID names the registry that minted the handle, so a handle is never
// mistaken for one of the receiving side's own objects. LocalID is assigned
// monotonically by that registry.
type ObjectHandle struct {
	ProcessOriginID uint64 `json:"origin"`
	LocalID         uint64 `json:"id"`
	TypeDescriptor  string `json:"type,omitempty"`
}

// IsZero reports whether h is the zero handle.
func (h ObjectHandle) IsZero() bool {
	return h.ProcessOriginID == 0 && h.LocalID == 0
}

// Hello is the first frame each side writes on a new connection.
type Hello struct {
	ProcessOriginID uint64 `json:"origin"`
	ServiceName     string `json:"service,omitempty"`
}

// RootRequest asks the host for one of its root objects. Name "" is the default root.
type RootRequest struct {
	CorrelationID uint64 `json:"cid"`
	Name          string `json:"name,omitempty"`
}

// InvocationRequest carries a single remote call.
type InvocationRequest struct {
	CorrelationID uint64       `json:"cid"`
	Target        ObjectHandle `json:"target"`
	Selector      string       `json:"sel"`
	Arguments     []Value      `json:"args,omitempty"`
}

// InvocationResponse carries exactly one of Result or Error.
type InvocationResponse struct {
	CorrelationID uint64       `json:"cid"`
	Result        *Value       `json:"result,omitempty"`
	Error         *RemoteError `json:"error,omitempty"`
}

// RemoteError is a failure captured on the side that executed the call.
type RemoteError struct {
	Kind    string   `json:"kind"`
	Message string   `json:"msg,omitempty"`
	Trace   []string `json:"trace,omitempty"`
}

// Release drops Count holds on Handle.
type Release struct {
	Handle ObjectHandle `json:"handle"`
	Count  uint32       `json:"n"`
}

// ReleaseRequest is sent when proxies are released. It is never answered.
type ReleaseRequest struct {
	Releases []Release `json:"releases"`
}

// Goodbye announces that the sender is closing the connection on purpose.
type Goodbye struct {
	Kind    string `json:"kind"`
	Message string `json:"msg,omitempty"`
}
