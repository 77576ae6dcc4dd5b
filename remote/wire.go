package remote

import (
	"context"
	"encoding/json"

	"storj.io/drpc"
)

// Envelope frames one message between members: which handler target it
// is for, who sent it, and the serialized payload.
type Envelope struct {
	Target   string `json:"target"`
	Sender   string `json:"sender"`
	TypeName string `json:"type_name"`
	Data     []byte `json:"data"`
	OneWay   bool   `json:"one_way,omitempty"`
}

// Reply carries the handler's response back to the requester. A dead
// letter means the remote member had no receiver for the envelope.
type Reply struct {
	TypeName   string `json:"type_name,omitempty"`
	Data       []byte `json:"data,omitempty"`
	DeadLetter bool   `json:"dead_letter,omitempty"`
	Error      string `json:"error,omitempty"`
}

const rpcDeliver = "/hive.Transport/Deliver"

type wireEncoding struct{}

func (wireEncoding) Marshal(msg drpc.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (wireEncoding) Unmarshal(buf []byte, msg drpc.Message) error {
	return json.Unmarshal(buf, msg)
}

type DRPCTransportServer interface {
	Deliver(ctx context.Context, in *Envelope) (*Reply, error)
}

type DRPCTransportDescription struct{}

func (DRPCTransportDescription) NumMethods() int { return 1 }

func (DRPCTransportDescription) Method(n int) (string, drpc.Encoding, drpc.Receiver, interface{}, bool) {
	switch n {
	case 0:
		return rpcDeliver, wireEncoding{}, func(srv interface{}, ctx context.Context, in1, in2 interface{}) (drpc.Message, error) {
			return srv.(DRPCTransportServer).Deliver(ctx, in1.(*Envelope))
		}, DRPCTransportServer.Deliver, true
	default:
		return "", nil, nil, nil, false
	}
}

func DRPCRegisterTransport(mux drpc.Mux, impl DRPCTransportServer) error {
	return mux.Register(impl, DRPCTransportDescription{})
}

type drpcTransportClient struct {
	cc drpc.Conn
}

func newDRPCTransportClient(cc drpc.Conn) *drpcTransportClient {
	return &drpcTransportClient{cc: cc}
}

func (c *drpcTransportClient) Deliver(ctx context.Context, in *Envelope) (*Reply, error) {
	out := new(Reply)
	err := c.cc.Invoke(ctx, rpcDeliver, wireEncoding{}, in, out)
	return out, err
}
