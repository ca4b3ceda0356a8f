package transport

import (
	"context"

	pb "github.com/ChuLiYu/ppc-flow/api/proto/v1"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Receiver accepts an inbound slice.
type Receiver interface {
	OnMessageReceived(req *pb.ModelRequest) error
}

// ServerOptions configures the gRPC server.
type ServerOptions struct {
	MaxMessageBytes int
	TLS             TLSFiles
}

// Server implements ModelService on top of a Receiver.
type Server struct {
	pb.UnimplementedModelServiceServer

	recv Receiver
}

// NewServer creates the service implementation.
func NewServer(recv Receiver) *Server {
	return &Server{recv: recv}
}

// MessageInteraction hands the slice to the receiver. Receiver errors are
// reported in the response, never as a gRPC status, so the sender's retry
// loop sees them as ordinary failures.
func (s *Server) MessageInteraction(ctx context.Context, req *pb.ModelRequest) (*pb.ModelResponse, error) {
	if err := s.recv.OnMessageReceived(req); err != nil {
		code := int32(ppcerr.CodeInternal)
		if ppcerr.Is(err, ppcerr.KindResourceExhausted) {
			code = ppcerr.CodeResourceExhausted
		}
		log.Warn("Reject inbound slice",
			"task", req.TaskId, "sender", req.Sender, "key", req.Key, "seq", req.Seq, "code", code, "error", err)
		return pb.Failure(code, err.Error()), nil
	}
	return pb.Success(nil), nil
}

// NewGRPCServer builds a grpc.Server with ModelService registered.
func NewGRPCServer(recv Receiver, opts ServerOptions, extra ...grpc.ServerOption) (*grpc.Server, error) {
	serverOpts := make([]grpc.ServerOption, 0, 3+len(extra))
	if opts.TLS.Enabled() {
		cfg, err := serverTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(cfg)))
	}
	if opts.MaxMessageBytes > 0 {
		serverOpts = append(serverOpts,
			grpc.MaxRecvMsgSize(opts.MaxMessageBytes),
			grpc.MaxSendMsgSize(opts.MaxMessageBytes),
		)
	}
	serverOpts = append(serverOpts, extra...)

	gs := grpc.NewServer(serverOpts...)
	pb.RegisterModelServiceServer(gs, NewServer(recv))
	return gs, nil
}
