// Package transport carries message slices between participants over the
// ModelService gRPC API.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	pb "github.com/ChuLiYu/ppc-flow/api/proto/v1"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var log = slog.Default()

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("transport: client is closed")

// TLSFiles locates the PEM files for mutual TLS. An empty CAFile disables TLS.
type TLSFiles struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS material is configured.
func (f TLSFiles) Enabled() bool {
	return f.CAFile != ""
}

// ClientOptions configures GrpcClient.
type ClientOptions struct {
	// Peers maps agency id to host:port.
	Peers map[string]string

	// MaxMessageBytes bounds a single call in both directions. Zero keeps the gRPC default.
	MaxMessageBytes int

	// CallTimeout bounds one MessageInteraction call. Zero means the caller's context only.
	CallTimeout time.Duration

	TLS TLSFiles
}

// GrpcClient sends slices to peers resolved from the address book.
type GrpcClient struct {
	mu          sync.Mutex
	peers       map[string]string
	conns       map[string]*grpc.ClientConn
	dialOpts    []grpc.DialOption
	callTimeout time.Duration
	closed      bool
}

// NewGrpcClient creates a client. Extra dial options are appended after the
// ones derived from opts.
func NewGrpcClient(opts ClientOptions, extra ...grpc.DialOption) (*GrpcClient, error) {
	dialOpts := make([]grpc.DialOption, 0, 2+len(extra))

	if opts.TLS.Enabled() {
		cfg, err := clientTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if opts.MaxMessageBytes > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(opts.MaxMessageBytes),
			grpc.MaxCallRecvMsgSize(opts.MaxMessageBytes),
		))
	}
	dialOpts = append(dialOpts, extra...)

	peers := make(map[string]string, len(opts.Peers))
	for id, addr := range opts.Peers {
		peers[id] = addr
	}

	return &GrpcClient{
		peers:       peers,
		conns:       make(map[string]*grpc.ClientConn),
		dialOpts:    dialOpts,
		callTimeout: opts.CallTimeout,
	}, nil
}

// SetPeer adds or replaces a peer address. A cached connection to the old
// address is closed.
func (c *GrpcClient) SetPeer(id, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.peers[id]; ok && old != addr {
		if conn, ok := c.conns[old]; ok {
			_ = conn.Close()
			delete(c.conns, old)
		}
	}
	c.peers[id] = addr
}

// getClient returns a ModelService client for the given agency
func (c *GrpcClient) getClient(agency string) (pb.ModelServiceClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	addr, ok := c.peers[agency]
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "unknown peer agency %q", agency)
	}
	if conn, ok := c.conns[addr]; ok {
		return pb.NewModelServiceClient(conn), nil
	}

	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s (%s): %w", agency, addr, err)
	}
	c.conns[addr] = conn
	log.Info("Connected to peer", "agency", agency, "addr", addr)
	return pb.NewModelServiceClient(conn), nil
}

// Send delivers one slice to req.Receiver.
func (c *GrpcClient) Send(ctx context.Context, req *pb.ModelRequest) (*pb.ModelResponse, error) {
	client, err := c.getClient(req.Receiver)
	if err != nil {
		return nil, err
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return client.MessageInteraction(ctx, req)
}

// Close closes every cached connection.
func (c *GrpcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

func clientTLSConfig(f TLSFiles) (*tls.Config, error) {
	pool, err := loadCertPool(f.CAFile)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func serverTLSConfig(f TLSFiles) (*tls.Config, error) {
	pool, err := loadCertPool(f.CAFile)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
