package one

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kolo/xmlrpc"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
)

// XML-RPC methods of the OpenNebula daemon used by the driver.
const (
	methodImagePoolInfo = "one.imagepool.info"
	methodImageAllocate = "one.image.allocate"
	methodImageDelete   = "one.image.delete"
	methodImageInfo     = "one.image.info"
	methodVMInfo        = "one.vm.info"
	methodVMAttach      = "one.vm.attach"
	methodVMDetach      = "one.vm.detach"
	methodVMDiskResize  = "one.vm.diskresize"
	methodSystemVersion = "one.system.version"
)

// mutatingMethods change state in oned. A cancelled call to one of them may
// still be applied after the caller has given up.
var mutatingMethods = map[string]bool{
	methodImageAllocate: true,
	methodImageDelete:   true,
	methodVMAttach:      true,
	methodVMDetach:      true,
	methodVMDiskResize:  true,
}

// Pool filter flags of the *pool.info methods.
const (
	poolFilterAll = -2
	poolRangeAll  = -1
)

// xmlrpcClient talks to oned over XML-RPC. The underlying HTTP client is safe
// for concurrent use, so a single instance is shared by all gRPC handlers.
type xmlrpcClient struct {
	endpoint string
	session  string
	rpc      *xmlrpc.Client
	metrics  *observability.Metrics
}

func newXMLRPCClient(config ClientConfig) (*xmlrpcClient, error) {
	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: config.Timeout,
		}
	}

	rpc, err := xmlrpc.NewClient(config.Endpoint, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create XML-RPC client for %s: %w", config.Endpoint, err)
	}

	return &xmlrpcClient{
		endpoint: config.Endpoint,
		session:  config.Username + ":" + config.Password,
		rpc:      rpc,
		metrics:  config.Metrics,
	}, nil
}

// call invokes method with the session string prepended to args and returns
// the body of a successful response.
func (c *xmlrpcClient) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	params := make([]interface{}, 0, len(args)+1)
	params = append(params, c.session)
	params = append(params, args...)

	klog.V(5).Infof("Calling %s%v on %s", method, args, c.endpoint)
	start := time.Now()

	var reply []interface{}
	call := c.rpc.Go(method, params, &reply, nil)

	select {
	case <-ctx.Done():
		c.record(method, "canceled", start)
		if mutatingMethods[method] {
			klog.V(2).Infof("%s%v cancelled while in flight, oned may still apply it: %v", method, args, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-call.Done:
	}

	if call.Error != nil {
		c.record(method, "transport", start)
		return nil, fmt.Errorf("%s: %w", method, call.Error)
	}

	body, err := parseResponse(method, reply)
	if err != nil {
		c.record(method, ReasonOf(err).String(), start)
		klog.V(4).Infof("%s returned error: %v", method, err)
		return nil, err
	}

	c.record(method, "ok", start)
	return body, nil
}

func (c *xmlrpcClient) record(method, result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordAPICall(method, result, time.Since(start))
	}
}

// parseResponse unpacks the [success, body, error code, ...] array every
// OpenNebula method returns.
func parseResponse(method string, reply []interface{}) (interface{}, error) {
	if len(reply) < 2 {
		return nil, NewError(method, CodeXMLRPCAPI, fmt.Sprintf("malformed response with %d values", len(reply)))
	}

	success, ok := reply[0].(bool)
	if !ok {
		return nil, NewError(method, CodeXMLRPCAPI, fmt.Sprintf("malformed response status %v", reply[0]))
	}
	if success {
		return reply[1], nil
	}

	message := fmt.Sprint(reply[1])
	code := CodeInternal
	if len(reply) > 2 {
		if c, ok := toInt(reply[2]); ok {
			code = c
		}
	}
	return nil, NewError(method, code, message)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func (c *xmlrpcClient) callString(ctx context.Context, method string, args ...interface{}) (string, error) {
	body, err := c.call(ctx, method, args...)
	if err != nil {
		return "", err
	}
	s, ok := body.(string)
	if !ok {
		return "", NewError(method, CodeXMLRPCAPI, fmt.Sprintf("expected string body, got %T", body))
	}
	return s, nil
}

func (c *xmlrpcClient) callInt(ctx context.Context, method string, args ...interface{}) (int, error) {
	body, err := c.call(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	id, ok := toInt(body)
	if !ok {
		return 0, NewError(method, CodeXMLRPCAPI, fmt.Sprintf("expected integer body, got %T", body))
	}
	return id, nil
}

// ListImages implements Client
func (c *xmlrpcClient) ListImages(ctx context.Context) ([]Image, error) {
	body, err := c.callString(ctx, methodImagePoolInfo, poolFilterAll, poolRangeAll, poolRangeAll)
	if err != nil {
		return nil, err
	}
	return parseImagePool(body)
}

// AllocateImage implements Client
func (c *xmlrpcClient) AllocateImage(ctx context.Context, spec ImageSpec) (int, error) {
	return c.callInt(ctx, methodImageAllocate, spec.Template(), spec.DatastoreID)
}

// DeleteImage implements Client
func (c *xmlrpcClient) DeleteImage(ctx context.Context, imageID int) error {
	_, err := c.call(ctx, methodImageDelete, imageID)
	return err
}

// GetImage implements Client
func (c *xmlrpcClient) GetImage(ctx context.Context, imageID int) (*Image, error) {
	body, err := c.callString(ctx, methodImageInfo, imageID, false)
	if err != nil {
		return nil, err
	}
	return parseImage(body)
}

// GetVM implements Client
func (c *xmlrpcClient) GetVM(ctx context.Context, vmID int) (*VM, error) {
	body, err := c.callString(ctx, methodVMInfo, vmID, false)
	if err != nil {
		return nil, err
	}
	return parseVM(body)
}

// AttachDisk implements Client
func (c *xmlrpcClient) AttachDisk(ctx context.Context, vmID, imageID int) error {
	_, err := c.call(ctx, methodVMAttach, vmID, AttachTemplate(imageID))
	return err
}

// DetachDisk implements Client
func (c *xmlrpcClient) DetachDisk(ctx context.Context, vmID, diskID int) error {
	_, err := c.call(ctx, methodVMDetach, vmID, diskID)
	return err
}

// ResizeDisk implements Client
func (c *xmlrpcClient) ResizeDisk(ctx context.Context, vmID, diskID int, sizeMB int64) error {
	_, err := c.call(ctx, methodVMDiskResize, vmID, diskID, strconv.FormatInt(sizeMB, 10))
	return err
}

// Version implements Client
func (c *xmlrpcClient) Version(ctx context.Context) (string, error) {
	return c.callString(ctx, methodSystemVersion)
}
