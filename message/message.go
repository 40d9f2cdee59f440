// Package message defines the typed bodies exchanged for each request kind.
//
// The kind table below is the single source of truth: the stream decoder uses
// it to materialize bodies, the service layer uses it to hand handlers an
// empty response, and the agent channels use it for default timeouts. Adding
// a request kind means one protocol constant and one table entry.
//
//   - On request:        Envelope.Request holds *XxxRequest.
//   - On OK response:    Envelope.Response holds *XxxResponse.
//   - On non-OK response: Envelope.Error holds the ErrorResponse, or nil when
//     the peer sent an empty body.
package message

import (
	"reflect"
	"time"

	"github.com/pkg/errors"

	"noslated-ipc/codec"
	"noslated-ipc/protocol"
)

// DefaultTimeout applies to kinds without a more specific recommendation.
const DefaultTimeout = 10 * time.Second

// ErrPayloadType is returned when a body does not match its request kind.
var ErrPayloadType = errors.New("payload type does not match request kind")

// Kind describes one request kind: its body type pair and timeout policy.
type Kind struct {
	Name        string
	Timeout     time.Duration
	NewRequest  func() any
	NewResponse func() any

	requestType  reflect.Type
	responseType reflect.Type
}

func pair[Req, Resp any](timeout time.Duration) Kind {
	return Kind{
		Timeout:      timeout,
		NewRequest:   func() any { return new(Req) },
		NewResponse:  func() any { return new(Resp) },
		requestType:  reflect.TypeOf((*Req)(nil)),
		responseType: reflect.TypeOf((*Resp)(nil)),
	}
}

var kinds = map[protocol.RequestKind]Kind{
	protocol.RequestKindCredentials:           pair[CredentialsRequest, CredentialsResponse](time.Second),
	protocol.RequestKindTrigger:               pair[TriggerRequest, TriggerResponse](DefaultTimeout),
	protocol.RequestKindStreamPush:            pair[StreamPushRequest, StreamPushResponse](30 * time.Second),
	protocol.RequestKindStreamOpen:            pair[StreamOpenRequest, StreamOpenResponse](DefaultTimeout),
	protocol.RequestKindCollectMetrics:        pair[CollectMetricsRequest, CollectMetricsResponse](2 * time.Second),
	protocol.RequestKindFetch:                 pair[FetchRequest, FetchResponse](DefaultTimeout),
	protocol.RequestKindFetchAbort:            pair[FetchAbortRequest, FetchAbortResponse](DefaultTimeout),
	protocol.RequestKindDaprInvoke:            pair[DaprInvokeRequest, DaprInvokeResponse](DefaultTimeout),
	protocol.RequestKindDaprBinding:           pair[DaprBindingRequest, DaprBindingResponse](DefaultTimeout),
	protocol.RequestKindExtensionBinding:      pair[ExtensionBindingRequest, ExtensionBindingResponse](DefaultTimeout),
	protocol.RequestKindResourceNotification:  pair[ResourceNotificationRequest, ResourceNotificationResponse](2 * time.Second),
	protocol.RequestKindResourcePut:           pair[ResourcePutRequest, ResourcePutResponse](DefaultTimeout),
	protocol.RequestKindInspectorStart:        pair[InspectorStartRequest, InspectorStartResponse](DefaultTimeout),
	protocol.RequestKindInspectorStartSession: pair[InspectorStartSessionRequest, InspectorStartSessionResponse](DefaultTimeout),
	protocol.RequestKindInspectorEndSession:   pair[InspectorEndSessionRequest, InspectorEndSessionResponse](DefaultTimeout),
	protocol.RequestKindInspectorGetTargets:   pair[InspectorGetTargetsRequest, InspectorGetTargetsResponse](DefaultTimeout),
	protocol.RequestKindInspectorCommand:      pair[InspectorCommandRequest, InspectorCommandResponse](DefaultTimeout),
	protocol.RequestKindInspectorEvent:        pair[InspectorEventRequest, InspectorEventResponse](DefaultTimeout),
	protocol.RequestKindInspectorStarted:      pair[InspectorStartedRequest, InspectorStartedResponse](DefaultTimeout),
	protocol.RequestKindTracingStart:          pair[TracingStartRequest, TracingStartResponse](DefaultTimeout),
	protocol.RequestKindTracingStop:           pair[TracingStopRequest, TracingStopResponse](DefaultTimeout),
}

func init() {
	for k, v := range kinds {
		v.Name = k.String()
		kinds[k] = v
	}
}

// Lookup returns the table entry for k.
func Lookup(k protocol.RequestKind) (Kind, bool) {
	v, ok := kinds[k]
	return v, ok
}

// TimeoutFor returns the recommended timeout for k.
func TimeoutFor(k protocol.RequestKind) time.Duration {
	if v, ok := kinds[k]; ok {
		return v.Timeout
	}
	return DefaultTimeout
}

// NewResponse returns an empty response body for k, or nil for an unknown kind.
func NewResponse(k protocol.RequestKind) any {
	if v, ok := kinds[k]; ok {
		return v.NewResponse()
	}
	return nil
}

// Envelope is one decoded frame.
type Envelope struct {
	Header   protocol.Header
	Request  any
	Response any
	Error    *ErrorResponse
}

// Decode materializes body according to the header: a non-OK response always
// decodes as ErrorResponse, everything else as the kind's type pair.
func Decode(c codec.Codec, h *protocol.Header, body []byte) (*Envelope, error) {
	kind, ok := kinds[h.RequestKind]
	if !ok {
		return nil, errors.Wrapf(protocol.ErrUnknownRequestKind, "%d", uint32(h.RequestKind))
	}

	env := &Envelope{Header: *h}
	switch {
	case !h.IsResponse():
		env.Request = kind.NewRequest()
		if err := c.Decode(body, env.Request); err != nil {
			return nil, errors.Wrapf(err, "decode %s request", kind.Name)
		}
	case h.Code == protocol.CodeOK:
		env.Response = kind.NewResponse()
		if err := c.Decode(body, env.Response); err != nil {
			return nil, errors.Wrapf(err, "decode %s response", kind.Name)
		}
	case len(body) > 0:
		env.Error = &ErrorResponse{}
		if err := c.Decode(body, env.Error); err != nil {
			return nil, errors.Wrapf(err, "decode %s error response", kind.Name)
		}
	}
	return env, nil
}

// EncodeRequest builds a request frame. A nil body sends the kind's zero request.
func EncodeRequest(c codec.Codec, requestID uint32, k protocol.RequestKind, body any) ([]byte, error) {
	kind, ok := kinds[k]
	if !ok {
		return nil, errors.Wrapf(protocol.ErrUnknownRequestKind, "%d", uint32(k))
	}
	if body == nil {
		body = kind.NewRequest()
	} else if t := reflect.TypeOf(body); t != kind.requestType {
		return nil, errors.Wrapf(ErrPayloadType, "%s request wants %s, got %s", kind.Name, kind.requestType, t)
	}

	data, err := c.Encode(body)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s request", kind.Name)
	}
	return protocol.NewFrame(protocol.MessageKindRequest, requestID, k, protocol.CodeOK, data)
}

// EncodeResponse builds a response frame. For CodeOK the body is resp (nil
// sends the kind's zero response); for any other code it is errResp, and a
// nil errResp produces an empty body.
func EncodeResponse(c codec.Codec, requestID uint32, k protocol.RequestKind, code protocol.Code, errResp *ErrorResponse, resp any) ([]byte, error) {
	kind, ok := kinds[k]
	if !ok {
		return nil, errors.Wrapf(protocol.ErrUnknownRequestKind, "%d", uint32(k))
	}

	var data []byte
	var err error
	switch {
	case code == protocol.CodeOK:
		if resp == nil {
			resp = kind.NewResponse()
		} else if t := reflect.TypeOf(resp); t != kind.responseType {
			return nil, errors.Wrapf(ErrPayloadType, "%s response wants %s, got %s", kind.Name, kind.responseType, t)
		}
		data, err = c.Encode(resp)
	case errResp != nil:
		data, err = c.Encode(errResp)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s response", kind.Name)
	}
	return protocol.NewFrame(protocol.MessageKindResponse, requestID, k, code, data)
}
