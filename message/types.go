package message

// TargetType says which agent channel a connection belongs to.
type TargetType int

const (
	TargetTypeData        TargetType = 0
	TargetTypeDiagnostics TargetType = 1
)

func (t TargetType) String() string {
	switch t {
	case TargetTypeData:
		return "data"
	case TargetTypeDiagnostics:
		return "diagnostics"
	}
	return "unknown"
}

// KeyValue is an ordered header or baggage pair.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ErrorResponse is the body of every non-OK response.
type ErrorResponse struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type CredentialsRequest struct {
	Cred string     `json:"cred"`
	Type TargetType `json:"type"`
}

type CredentialsResponse struct{}

type TriggerMetadata struct {
	URL       string     `json:"url,omitempty"`
	Method    string     `json:"method,omitempty"`
	Headers   []KeyValue `json:"headers,omitempty"`
	Baggage   []KeyValue `json:"baggage,omitempty"`
	RequestID string     `json:"requestId,omitempty"`
	Timeout   uint32     `json:"timeout,omitempty"` // milliseconds
}

type TriggerRequest struct {
	Method        string          `json:"method"`
	Metadata      TriggerMetadata `json:"metadata"`
	HasInputData  bool            `json:"hasInputData"`
	HasOutputData bool            `json:"hasOutputData"`
	Sid           uint32          `json:"sid"`
}

type TriggerResponseMetadata struct {
	Headers []KeyValue `json:"headers,omitempty"`
}

type TriggerResponse struct {
	Status   int32                   `json:"status"`
	Metadata TriggerResponseMetadata `json:"metadata"`
}

type StreamOpenRequest struct{}

type StreamOpenResponse struct {
	Sid uint32 `json:"sid"`
}

type StreamPushRequest struct {
	Sid     uint32 `json:"sid"`
	IsEos   bool   `json:"isEos"`
	Data    []byte `json:"data,omitempty"`
	IsError bool   `json:"isError"`
}

type StreamPushResponse struct{}

type CollectMetricsRequest struct{}

type IntegerRecord struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

type CollectMetricsResponse struct {
	IntegerRecords []IntegerRecord `json:"integerRecords"`
}

type FetchRequest struct {
	URL       string     `json:"url"`
	Method    string     `json:"method"`
	Headers   []KeyValue `json:"headers,omitempty"`
	Sid       uint32     `json:"sid,omitempty"`
	RequestID uint32     `json:"requestId"`
}

type FetchResponse struct {
	Status  int32      `json:"status"`
	Headers []KeyValue `json:"headers,omitempty"`
	Sid     uint32     `json:"sid"`
}

type FetchAbortRequest struct {
	RequestID uint32 `json:"requestId"`
}

type FetchAbortResponse struct{}

type DaprInvokeRequest struct {
	AppID      string `json:"appId"`
	MethodName string `json:"methodName"`
	Data       []byte `json:"data,omitempty"`
}

type DaprInvokeResponse struct {
	Status int32  `json:"status"`
	Data   []byte `json:"data,omitempty"`
}

type DaprBindingRequest struct {
	Name      string `json:"name"`
	Metadata  string `json:"metadata,omitempty"`
	Operation string `json:"operation"`
	Data      []byte `json:"data,omitempty"`
}

type DaprBindingResponse struct {
	Status   int32  `json:"status"`
	Data     []byte `json:"data,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

type ExtensionBindingRequest struct {
	Name      string `json:"name"`
	Metadata  string `json:"metadata,omitempty"`
	Operation string `json:"operation"`
	Data      []byte `json:"data,omitempty"`
}

type ExtensionBindingResponse struct {
	Status int32  `json:"status"`
	Data   []byte `json:"data,omitempty"`
}

type ResourceNotificationRequest struct {
	ResourceID string `json:"resourceId"`
	Token      string `json:"token"`
}

type ResourceNotificationResponse struct{}

// ResourcePutAction is the verb of a ResourcePut request.
type ResourcePutAction string

const (
	ResourceAcquire ResourcePutAction = "acquire"
	ResourceRelease ResourcePutAction = "release"
)

type ResourcePutRequest struct {
	ResourceID string            `json:"resourceId"`
	Action     ResourcePutAction `json:"action"`
	Token      string            `json:"token,omitempty"`
}

type ResourcePutResponse struct {
	SuccessOrAcquired bool   `json:"successOrAcquired"`
	Token             string `json:"token,omitempty"`
}

type InspectorStartRequest struct{}

type InspectorStartResponse struct{}

type InspectorStartSessionRequest struct {
	SessionID uint32 `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

type InspectorStartSessionResponse struct{}

type InspectorEndSessionRequest struct {
	SessionID uint32 `json:"sessionId"`
}

type InspectorEndSessionResponse struct{}

type InspectorGetTargetsRequest struct{}

type InspectorTarget struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Type  string `json:"type,omitempty"`
}

type InspectorGetTargetsResponse struct {
	Targets []InspectorTarget `json:"targets"`
}

type InspectorCommandRequest struct {
	SessionID uint32 `json:"sessionId"`
	Message   string `json:"message"`
}

type InspectorCommandResponse struct{}

type InspectorEventRequest struct {
	SessionID uint32 `json:"sessionId"`
	Message   string `json:"message"`
}

type InspectorEventResponse struct{}

type InspectorStartedRequest struct{}

type InspectorStartedResponse struct{}

type TracingStartRequest struct {
	Categories []string `json:"categories,omitempty"`
}

type TracingStartResponse struct{}

type TracingStopRequest struct{}

type TracingStopResponse struct{}
