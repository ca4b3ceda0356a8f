package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	pb "github.com/ChuLiYu/ppc-flow/api/proto/v1"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type recordingReceiver struct {
	mu   sync.Mutex
	got  []*pb.ModelRequest
	fail error
}

func (r *recordingReceiver) OnMessageReceived(req *pb.ModelRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, req)
	return nil
}

func (r *recordingReceiver) received() []*pb.ModelRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*pb.ModelRequest(nil), r.got...)
}

func startBufServer(t *testing.T, recv Receiver) *GrpcClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs, err := NewGRPCServer(recv, ServerOptions{MaxMessageBytes: 8 << 20})
	require.NoError(t, err)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := NewGrpcClient(ClientOptions{
		Peers:           map[string]string{"B": "passthrough:///bufnet"},
		MaxMessageBytes: 8 << 20,
	}, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSendOverGrpc(t *testing.T) {
	recv := &recordingReceiver{}
	client := startBufServer(t, recv)

	req := &pb.ModelRequest{
		Sender: "A", Receiver: "B", TaskId: "t1", Key: "k",
		Seq: 1, SliceNum: 2, Data: []byte("payload"), Round: 3,
	}
	resp, err := client.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.GetErrorCode())

	got := recv.received()
	require.Len(t, got, 1)
	assert.Equal(t, req.TaskId, got[0].TaskId)
	assert.Equal(t, req.Seq, got[0].Seq)
	assert.Equal(t, req.SliceNum, got[0].SliceNum)
	assert.Equal(t, req.Round, got[0].Round)
	assert.Equal(t, req.Data, got[0].Data)
}

func TestResourceExhaustedMapsToCode(t *testing.T) {
	recv := &recordingReceiver{fail: ppcerr.New(ppcerr.KindResourceExhausted, "budget")}
	client := startBufServer(t, recv)

	resp, err := client.Send(context.Background(), &pb.ModelRequest{Receiver: "B", TaskId: "t", SliceNum: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(ppcerr.CodeResourceExhausted), resp.GetErrorCode())
	assert.Contains(t, resp.GetMessage(), "budget")
}

func TestOtherErrorsMapToInternal(t *testing.T) {
	recv := &recordingReceiver{fail: errors.New("boom")}
	client := startBufServer(t, recv)

	resp, err := client.Send(context.Background(), &pb.ModelRequest{Receiver: "B", TaskId: "t", SliceNum: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(ppcerr.CodeInternal), resp.GetErrorCode())
}

func TestUnknownPeer(t *testing.T) {
	client, err := NewGrpcClient(ClientOptions{})
	require.NoError(t, err)

	_, err = client.Send(context.Background(), &pb.ModelRequest{Receiver: "Z"})
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
}

func TestClosedClient(t *testing.T) {
	client, err := NewGrpcClient(ClientOptions{Peers: map[string]string{"B": "localhost:1"}})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.Send(context.Background(), &pb.ModelRequest{Receiver: "B"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestConnectionCachedPerPeer(t *testing.T) {
	client := startBufServer(t, &recordingReceiver{})
	for i := 0; i < 3; i++ {
		_, err := client.Send(context.Background(), &pb.ModelRequest{Receiver: "B", TaskId: "t", SliceNum: 1})
		require.NoError(t, err)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.conns, 1)
}

func TestMissingTLSFiles(t *testing.T) {
	_, err := NewGrpcClient(ClientOptions{TLS: TLSFiles{CAFile: "/nonexistent/ca.pem"}})
	assert.Error(t, err)

	_, err = NewGRPCServer(&recordingReceiver{}, ServerOptions{TLS: TLSFiles{CAFile: "/nonexistent/ca.pem"}})
	assert.Error(t, err)
}

type stubSender struct{ calls int }

func (s *stubSender) Send(ctx context.Context, req *pb.ModelRequest) (*pb.ModelResponse, error) {
	s.calls++
	return pb.Success(nil), nil
}

func TestRouterSelfAndRemote(t *testing.T) {
	local := &recordingReceiver{}
	remote := &stubSender{}
	r := NewRouter("A", local, remote)

	_, err := r.Send(context.Background(), &pb.ModelRequest{Receiver: "A", TaskId: "t", SliceNum: 1})
	require.NoError(t, err)
	_, err = r.Send(context.Background(), &pb.ModelRequest{Receiver: "B", TaskId: "t", SliceNum: 1})
	require.NoError(t, err)

	assert.Len(t, local.received(), 1)
	assert.Equal(t, 1, remote.calls)
}

func TestRouterLocalFailureInResponse(t *testing.T) {
	local := &recordingReceiver{fail: ppcerr.New(ppcerr.KindResourceExhausted, "full")}
	r := NewRouter("A", local, nil)

	resp, err := r.Send(context.Background(), &pb.ModelRequest{Receiver: "A"})
	require.NoError(t, err)
	assert.Equal(t, int32(ppcerr.CodeResourceExhausted), resp.GetErrorCode())

	_, err = r.Send(context.Background(), &pb.ModelRequest{Receiver: "B"})
	assert.True(t, ppcerr.Is(err, ppcerr.KindNetwork))
}
