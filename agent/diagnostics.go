package agent

import (
	"context"

	"noslated-ipc/client"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// DiagnosticsHandlers serve the inspector and tracing requests the agent
// sends. Unset handlers are not registered.
type DiagnosticsHandlers struct {
	InspectorStart        Handler[message.InspectorStartRequest]
	InspectorStartSession Handler[message.InspectorStartSessionRequest]
	InspectorEndSession   Handler[message.InspectorEndSessionRequest]
	InspectorGetTargets   Handler[message.InspectorGetTargetsRequest]
	InspectorCommand      Handler[message.InspectorCommandRequest]
	TracingStart          Handler[message.TracingStartRequest]
	TracingStop           Handler[message.TracingStopRequest]
}

// DiagnosticsChannel is the worker's diagnostics connection.
type DiagnosticsChannel struct {
	channel
}

// NewDiagnosticsChannel returns a disconnected diagnostics channel.
func NewDiagnosticsChannel(cred string, h DiagnosticsHandlers, opts ...client.Option) *DiagnosticsChannel {
	svc := rpc.NewService()
	handle(svc, protocol.RequestKindInspectorStart, h.InspectorStart)
	handle(svc, protocol.RequestKindInspectorStartSession, h.InspectorStartSession)
	handle(svc, protocol.RequestKindInspectorEndSession, h.InspectorEndSession)
	handle(svc, protocol.RequestKindInspectorGetTargets, h.InspectorGetTargets)
	handle(svc, protocol.RequestKindInspectorCommand, h.InspectorCommand)
	handle(svc, protocol.RequestKindTracingStart, h.TracingStart)
	handle(svc, protocol.RequestKindTracingStop, h.TracingStop)
	return &DiagnosticsChannel{channel: newChannel(cred, message.TargetTypeDiagnostics, svc, opts)}
}

// InspectorEvent forwards one inspector protocol message of sessionID.
func (d *DiagnosticsChannel) InspectorEvent(ctx context.Context, sessionID uint32, msg string) error {
	_, err := invoke[message.InspectorEventResponse](ctx, d.Connector, protocol.RequestKindInspectorEvent,
		&message.InspectorEventRequest{SessionID: sessionID, Message: msg}, 0)
	return err
}

// InspectorStarted tells the agent the inspector is listening.
func (d *DiagnosticsChannel) InspectorStarted(ctx context.Context) error {
	_, err := invoke[message.InspectorStartedResponse](ctx, d.Connector, protocol.RequestKindInspectorStarted, nil, 0)
	return err
}
