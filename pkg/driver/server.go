package driver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
	"git.srvlab.io/whiskey/one-csi-driver/pkg/utils"
)

const (
	// Maximum message size for gRPC
	maxMsgSize = 16 * 1024 * 1024 // 16 MiB
)

// NonBlockingGRPCServer is a non-blocking gRPC server
type NonBlockingGRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	endpoint string
	metrics  *observability.Metrics
	wg       sync.WaitGroup
}

// NewNonBlockingGRPCServer creates a new non-blocking gRPC server. metrics may be nil.
func NewNonBlockingGRPCServer(endpoint string, metrics *observability.Metrics) *NonBlockingGRPCServer {
	return &NonBlockingGRPCServer{
		endpoint: endpoint,
		metrics:  metrics,
	}
}

// Start starts the gRPC server
func (s *NonBlockingGRPCServer) Start(ids csi.IdentityServer, cs csi.ControllerServer, ns csi.NodeServer) error {
	proto, addr, err := parseEndpoint(s.endpoint)
	if err != nil {
		return fmt.Errorf("failed to parse endpoint: %w", err)
	}

	klog.V(4).Infof("Starting gRPC server on %s://%s", proto, addr)

	// Remove existing socket file if it exists (unix sockets only)
	if proto == "unix" {
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	listener, err := net.Listen(proto, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s://%s: %w", proto, addr, err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.UnaryInterceptor(statusInterceptor(s.metrics)),
	}

	s.server = grpc.NewServer(opts...)

	if ids != nil {
		csi.RegisterIdentityServer(s.server, ids)
		klog.V(4).Info("Registered Identity service")
	}

	if cs != nil {
		csi.RegisterControllerServer(s.server, cs)
		klog.V(4).Info("Registered Controller service")
	}

	if ns != nil {
		csi.RegisterNodeServer(s.server, ns)
		klog.V(4).Info("Registered Node service")
	}

	klog.Infof("gRPC server listening on %s://%s", proto, addr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			klog.Errorf("gRPC server stopped: %v", err)
		}
	}()

	return nil
}

// Stop stops the gRPC server
func (s *NonBlockingGRPCServer) Stop() {
	klog.Info("Stopping gRPC server")
	if s.server != nil {
		s.server.GracefulStop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Wait blocks until the server stops
func (s *NonBlockingGRPCServer) Wait() {
	s.wg.Wait()
}

// statusInterceptor logs every call with a request id and converts errors
// that carry no gRPC status into one. Handlers return either status errors
// or errors wrapping the utils sentinels; anything else becomes Internal.
func statusInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		requestID := uuid.NewString()
		method := path.Base(info.FullMethod)
		start := time.Now()

		klog.V(5).Infof("[%s] %s request: %+v", requestID, method, req)

		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if err != nil {
			err = utils.ToStatus(err)
			klog.V(2).Infof("[%s] %s failed after %v: %v", requestID, method, duration, err)
		} else {
			klog.V(5).Infof("[%s] %s succeeded after %v: %+v", requestID, method, duration, resp)
		}

		if metrics != nil && !isIdentityMethod(info.FullMethod) {
			metrics.RecordVolumeOp(method, err, duration)
		}
		return resp, err
	}
}

func isIdentityMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/csi.v1.Identity/")
}

// parseEndpoint parses the endpoint into protocol and address
func parseEndpoint(endpoint string) (string, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	var proto, addr string

	switch u.Scheme {
	case "unix":
		proto = "unix"
		addr = u.Path
		if addr == "" {
			addr = u.Host
		}
	case "tcp":
		proto = "tcp"
		addr = u.Host
		if addr == "" {
			return "", "", fmt.Errorf("tcp endpoint must specify host")
		}
	case "":
		// If no scheme, assume unix socket
		proto = "unix"
		addr = strings.TrimPrefix(endpoint, "unix://")
	default:
		return "", "", fmt.Errorf("unsupported endpoint scheme: %s", u.Scheme)
	}

	if addr == "" {
		return "", "", fmt.Errorf("endpoint address cannot be empty")
	}

	return proto, addr, nil
}
