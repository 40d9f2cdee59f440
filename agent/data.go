package agent

import (
	"context"

	"noslated-ipc/client"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
	"noslated-ipc/rpc"
)

// DataHandlers serve the requests the agent sends on the data channel.
// Unset handlers are not registered and the agent sees NOT_IMPLEMENTED.
type DataHandlers struct {
	Trigger              Handler[message.TriggerRequest]
	StreamPush           Handler[message.StreamPushRequest]
	CollectMetrics       Handler[message.CollectMetricsRequest]
	ResourceNotification Handler[message.ResourceNotificationRequest]
}

// DataChannel is the worker's data connection.
type DataChannel struct {
	channel
}

// NewDataChannel returns a disconnected data channel. Call Connect before use.
func NewDataChannel(cred string, h DataHandlers, opts ...client.Option) *DataChannel {
	svc := rpc.NewService()
	handle(svc, protocol.RequestKindTrigger, h.Trigger)
	handle(svc, protocol.RequestKindStreamPush, h.StreamPush)
	handle(svc, protocol.RequestKindCollectMetrics, h.CollectMetrics)
	handle(svc, protocol.RequestKindResourceNotification, h.ResourceNotification)
	return &DataChannel{channel: newChannel(cred, message.TargetTypeData, svc, opts)}
}

// Fetch asks the agent to perform an outbound HTTP request. The body, if
// any, follows on the stream returned in the response.
func (d *DataChannel) Fetch(ctx context.Context, req *message.FetchRequest) (*message.FetchResponse, error) {
	return invoke[message.FetchResponse](ctx, d.Connector, protocol.RequestKindFetch, req, 0)
}

// FetchAbort cancels the fetch started with requestID.
func (d *DataChannel) FetchAbort(ctx context.Context, requestID uint32) error {
	_, err := invoke[message.FetchAbortResponse](ctx, d.Connector, protocol.RequestKindFetchAbort,
		&message.FetchAbortRequest{RequestID: requestID}, 0)
	return err
}

// StreamOpen allocates a stream on the agent and returns its id.
func (d *DataChannel) StreamOpen(ctx context.Context) (uint32, error) {
	resp, err := invoke[message.StreamOpenResponse](ctx, d.Connector, protocol.RequestKindStreamOpen, nil, 0)
	if err != nil {
		return 0, err
	}
	return resp.Sid, nil
}

// StreamPush sends one chunk of stream sid. isEOS marks the last chunk.
func (d *DataChannel) StreamPush(ctx context.Context, sid uint32, data []byte, isEOS, isError bool) error {
	_, err := invoke[message.StreamPushResponse](ctx, d.Connector, protocol.RequestKindStreamPush,
		&message.StreamPushRequest{Sid: sid, Data: data, IsEos: isEOS, IsError: isError}, 0)
	return err
}

func (d *DataChannel) DaprInvoke(ctx context.Context, req *message.DaprInvokeRequest) (*message.DaprInvokeResponse, error) {
	return invoke[message.DaprInvokeResponse](ctx, d.Connector, protocol.RequestKindDaprInvoke, req, 0)
}

func (d *DataChannel) DaprBinding(ctx context.Context, req *message.DaprBindingRequest) (*message.DaprBindingResponse, error) {
	return invoke[message.DaprBindingResponse](ctx, d.Connector, protocol.RequestKindDaprBinding, req, 0)
}

func (d *DataChannel) ExtensionBinding(ctx context.Context, req *message.ExtensionBindingRequest) (*message.ExtensionBindingResponse, error) {
	return invoke[message.ExtensionBindingResponse](ctx, d.Connector, protocol.RequestKindExtensionBinding, req, 0)
}

// ResourcePut acquires or releases a shared resource lock.
func (d *DataChannel) ResourcePut(ctx context.Context, req *message.ResourcePutRequest) (*message.ResourcePutResponse, error) {
	return invoke[message.ResourcePutResponse](ctx, d.Connector, protocol.RequestKindResourcePut, req, 0)
}
