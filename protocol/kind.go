package protocol

import "fmt"

// MessageKind distinguishes request frames from response frames.
type MessageKind byte

const (
	MessageKindRequest  MessageKind = 0
	MessageKindResponse MessageKind = 1
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindRequest:
		return "Request"
	case MessageKindResponse:
		return "Response"
	}
	return fmt.Sprintf("MessageKind(%d)", byte(k))
}

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	return k == MessageKindRequest || k == MessageKindResponse
}

// RequestKind names the logical RPC carried by a frame. The numeric values are
// part of the wire format and must never be reassigned.
type RequestKind uint32

const (
	RequestKindCredentials RequestKind = iota + 1
	RequestKindTrigger
	RequestKindStreamPush
	RequestKindStreamOpen
	RequestKindCollectMetrics
	RequestKindFetch
	RequestKindFetchAbort
	RequestKindDaprInvoke
	RequestKindDaprBinding
	RequestKindExtensionBinding
	RequestKindResourceNotification
	RequestKindResourcePut
	RequestKindInspectorStart
	RequestKindInspectorStartSession
	RequestKindInspectorEndSession
	RequestKindInspectorGetTargets
	RequestKindInspectorCommand
	RequestKindInspectorEvent
	RequestKindInspectorStarted
	RequestKindTracingStart
	RequestKindTracingStop

	requestKindEnd // sentinel, keep last
)

var requestKindNames = [...]string{
	RequestKindCredentials:           "Credentials",
	RequestKindTrigger:               "Trigger",
	RequestKindStreamPush:            "StreamPush",
	RequestKindStreamOpen:            "StreamOpen",
	RequestKindCollectMetrics:        "CollectMetrics",
	RequestKindFetch:                 "Fetch",
	RequestKindFetchAbort:            "FetchAbort",
	RequestKindDaprInvoke:            "DaprInvoke",
	RequestKindDaprBinding:           "DaprBinding",
	RequestKindExtensionBinding:      "ExtensionBinding",
	RequestKindResourceNotification:  "ResourceNotification",
	RequestKindResourcePut:           "ResourcePut",
	RequestKindInspectorStart:        "InspectorStart",
	RequestKindInspectorStartSession: "InspectorStartSession",
	RequestKindInspectorEndSession:   "InspectorEndSession",
	RequestKindInspectorGetTargets:   "InspectorGetTargets",
	RequestKindInspectorCommand:      "InspectorCommand",
	RequestKindInspectorEvent:        "InspectorEvent",
	RequestKindInspectorStarted:      "InspectorStarted",
	RequestKindTracingStart:          "TracingStart",
	RequestKindTracingStop:           "TracingStop",
}

// Valid reports whether k is part of the closed set of request kinds.
func (k RequestKind) Valid() bool {
	return k > 0 && k < requestKindEnd
}

func (k RequestKind) String() string {
	if k.Valid() {
		return requestKindNames[k]
	}
	return fmt.Sprintf("RequestKind(%d)", uint32(k))
}

// RequestKinds returns every valid request kind in wire order.
func RequestKinds() []RequestKind {
	kinds := make([]RequestKind, 0, int(requestKindEnd)-1)
	for k := RequestKind(1); k < requestKindEnd; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}
