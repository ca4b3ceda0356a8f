package transport

import (
	"context"

	pb "github.com/ChuLiYu/ppc-flow/api/proto/v1"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
)

// Sender sends one slice to a peer.
type Sender interface {
	Send(ctx context.Context, req *pb.ModelRequest) (*pb.ModelResponse, error)
}

// Router delivers slices addressed to self straight to the local receiver
// and forwards the rest to remote.
type Router struct {
	self   string
	local  Receiver
	remote Sender
}

// NewRouter creates a router. remote may be nil for a single-party node.
func NewRouter(self string, local Receiver, remote Sender) *Router {
	return &Router{self: self, local: local, remote: remote}
}

// Send implements the stub's RPC client.
func (r *Router) Send(ctx context.Context, req *pb.ModelRequest) (*pb.ModelResponse, error) {
	if req.Receiver == r.self {
		if err := r.local.OnMessageReceived(req); err != nil {
			return pb.Failure(int32(ppcerr.CodeOf(err)), err.Error()), nil
		}
		return pb.Success(nil), nil
	}
	if r.remote == nil {
		return nil, ppcerr.Newf(ppcerr.KindNetwork, "no route to peer %q", req.Receiver)
	}
	return r.remote.Send(ctx, req)
}
