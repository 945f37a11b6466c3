package mock

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/one"
)

// MockOnedServer is a fake OpenNebula frontend speaking XML-RPC over HTTP.
// State lives in a one.MockClient; the server adds the wire format, session
// checks, latency, error injection and the busy period of a VM after a disk
// hotplug.
type MockOnedServer struct {
	backend  *one.MockClient
	config   MockOnedConfig
	timing   *TimingSimulator
	errors   *ErrorInjector
	session  string
	listener net.Listener
	server   *http.Server

	mu   sync.Mutex
	busy map[int]int // VM id -> disk actions still answered with wrong state
}

// NewMockOnedServer creates a fake frontend accepting the given credentials.
func NewMockOnedServer(config MockOnedConfig, username, password string) *MockOnedServer {
	backend := one.NewMockClient()
	if config.Version != "" {
		backend.SetVersion(config.Version)
	}
	return &MockOnedServer{
		backend: backend,
		config:  config,
		timing:  NewTimingSimulator(config),
		errors:  NewErrorInjector(config),
		session: username + ":" + password,
		busy:    make(map[int]int),
	}
}

// Start listens on a random local port and serves in the background.
func (s *MockOnedServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/RPC2", s.handle)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Mock oned server stopped: %v", err)
		}
	}()

	klog.Infof("Mock oned listening on %s", s.Endpoint())
	return nil
}

// Stop shuts the server down.
func (s *MockOnedServer) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Endpoint is the XML-RPC URL of the server.
func (s *MockOnedServer) Endpoint() string {
	return "http://" + s.listener.Addr().String() + "/RPC2"
}

// Backend exposes the state of the frontend for assertions and setup.
func (s *MockOnedServer) Backend() *one.MockClient {
	return s.backend
}

// Errors exposes the error injector.
func (s *MockOnedServer) Errors() *ErrorInjector {
	return s.errors
}

// SetHotplugSettleCalls changes how many disk actions a VM rejects after
// each successful one.
func (s *MockOnedServer) SetHotplugSettleCalls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.HotplugSettleCalls = n
	s.busy = make(map[int]int)
}

// AddVM registers a running VM.
func (s *MockOnedServer) AddVM(vmID int) {
	s.backend.AddVM(vmID)
}

// AttachedDevice reports which image backs device (e.g. /dev/vdb) on the VM
// and the size of that image.
func (s *MockOnedServer) AttachedDevice(vmID int, device string) (imageID int, sizeMB int64, ok bool) {
	vm, found := s.backend.VM(vmID)
	if !found {
		return 0, 0, false
	}
	for _, d := range vm.Disks {
		if d.DevicePath() != device {
			continue
		}
		img, found := s.backend.Image(d.ImageID)
		if !found {
			return 0, 0, false
		}
		return img.ID, img.SizeMB, true
	}
	return 0, 0, false
}

// methodCall is the body of an XML-RPC request
type methodCall struct {
	MethodName string     `xml:"methodName"`
	Params     []rpcValue `xml:"params>param>value"`
}

type rpcValue struct {
	String  *string `xml:"string"`
	Int     *string `xml:"int"`
	I4      *string `xml:"i4"`
	Boolean *string `xml:"boolean"`
	Raw     string  `xml:",chardata"`
}

func (v rpcValue) text() string {
	for _, p := range []*string{v.String, v.Int, v.I4, v.Boolean} {
		if p != nil {
			return *p
		}
	}
	return v.Raw
}

// args gives typed access to the parameters following the session string
type args []rpcValue

func (a args) str(i int) (string, error) {
	if i >= len(a) {
		return "", fmt.Errorf("missing parameter %d", i)
	}
	return a[i].text(), nil
}

func (a args) int(i int) (int, error) {
	s, err := a.str(i)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func (s *MockOnedServer) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var call methodCall
	if err := xml.Unmarshal(body, &call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.timing.SimulateCall(call.MethodName)

	w.Header().Set("Content-Type", "text/xml")
	result, err := s.dispatch(r.Context(), call)
	if err != nil {
		klog.V(4).Infof("Mock oned: %s failed: %v", call.MethodName, err)
		_, _ = io.WriteString(w, failureResponse(err))
		return
	}
	_, _ = io.WriteString(w, successResponse(result))
}

func (s *MockOnedServer) dispatch(ctx context.Context, call methodCall) (string, error) {
	method := call.MethodName
	if len(call.Params) == 0 || call.Params[0].text() != s.session {
		return "", one.NewError(method, one.CodeAuthentication,
			fmt.Sprintf("[%s] User couldn't be authenticated, aborting call.", method))
	}
	if err := s.errors.Check(method); err != nil {
		return "", err
	}
	a := args(call.Params[1:])

	switch method {
	case "one.system.version":
		v, err := s.backend.Version(ctx)
		return stringValue(v), err

	case "one.imagepool.info":
		images, err := s.backend.ListImages(ctx)
		if err != nil {
			return "", err
		}
		return renderImagePool(images)

	case "one.image.allocate":
		tmpl, err := a.str(0)
		if err != nil {
			return "", err
		}
		dsID, err := a.int(1)
		if err != nil {
			return "", err
		}
		spec, err := parseImageTemplate(tmpl)
		if err != nil {
			return "", one.NewError(method, one.CodeXMLRPCAPI, fmt.Sprintf("[%s] %v", method, err))
		}
		spec.DatastoreID = dsID
		id, err := s.backend.AllocateImage(ctx, spec)
		return intValue(id), err

	case "one.image.delete":
		id, err := a.int(0)
		if err != nil {
			return "", err
		}
		return intValue(id), s.backend.DeleteImage(ctx, id)

	case "one.image.info":
		id, err := a.int(0)
		if err != nil {
			return "", err
		}
		img, err := s.backend.GetImage(ctx, id)
		if err != nil {
			return "", err
		}
		return renderImage(*img)

	case "one.vm.info":
		id, err := a.int(0)
		if err != nil {
			return "", err
		}
		vm, err := s.backend.GetVM(ctx, id)
		if err != nil {
			return "", err
		}
		return renderVM(*vm)

	case "one.vm.attach":
		vmID, err := a.int(0)
		if err != nil {
			return "", err
		}
		tmpl, err := a.str(1)
		if err != nil {
			return "", err
		}
		imageID, err := parseAttachTemplate(tmpl)
		if err != nil {
			return "", one.NewError(method, one.CodeXMLRPCAPI, fmt.Sprintf("[%s] %v", method, err))
		}
		return intValue(vmID), s.hotplug(method, vmID, func() error {
			return s.backend.AttachDisk(ctx, vmID, imageID)
		})

	case "one.vm.detach":
		vmID, err := a.int(0)
		if err != nil {
			return "", err
		}
		diskID, err := a.int(1)
		if err != nil {
			return "", err
		}
		return intValue(vmID), s.hotplug(method, vmID, func() error {
			return s.backend.DetachDisk(ctx, vmID, diskID)
		})

	case "one.vm.diskresize":
		vmID, err := a.int(0)
		if err != nil {
			return "", err
		}
		diskID, err := a.int(1)
		if err != nil {
			return "", err
		}
		size, err := a.int(2)
		if err != nil {
			return "", err
		}
		return intValue(vmID), s.hotplug(method, vmID, func() error {
			return s.backend.ResizeDisk(ctx, vmID, diskID, int64(size))
		})
	}

	return "", one.NewError(method, one.CodeXMLRPCAPI, fmt.Sprintf("[%s] method not supported", method))
}

// hotplug runs a disk action unless the VM is still busy with the previous
// one. A successful action keeps the VM busy for HotplugSettleCalls calls.
func (s *MockOnedServer) hotplug(method string, vmID int, action func() error) error {
	s.mu.Lock()
	if s.busy[vmID] > 0 {
		s.busy[vmID]--
		s.mu.Unlock()
		return one.WrongStateError(method)
	}
	s.mu.Unlock()

	if err := action(); err != nil {
		return err
	}

	s.mu.Lock()
	s.busy[vmID] = s.config.HotplugSettleCalls
	s.mu.Unlock()
	return nil
}

var templateAttr = regexp.MustCompile(`(?m)([A-Z_]+)\s*=\s*"((?:[^"\\]|\\.)*)"`)

func templateAttrs(tmpl string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range templateAttr.FindAllStringSubmatch(tmpl, -1) {
		attrs[m[1]] = strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(m[2])
	}
	return attrs
}

func parseImageTemplate(tmpl string) (one.ImageSpec, error) {
	attrs := templateAttrs(tmpl)
	if attrs["NAME"] == "" {
		return one.ImageSpec{}, errors.New("NAME is required")
	}
	if attrs["TYPE"] != one.ImageTypeDatablock.String() {
		return one.ImageSpec{}, fmt.Errorf("unsupported TYPE %q", attrs["TYPE"])
	}
	size, err := strconv.ParseInt(attrs["SIZE"], 10, 64)
	if err != nil || size <= 0 {
		return one.ImageSpec{}, fmt.Errorf("invalid SIZE %q", attrs["SIZE"])
	}
	return one.ImageSpec{Name: attrs["NAME"], SizeMB: size}, nil
}

func parseAttachTemplate(tmpl string) (int, error) {
	raw, ok := templateAttrs(tmpl)["IMAGE_ID"]
	if !ok {
		return 0, errors.New("DISK has no IMAGE_ID")
	}
	return strconv.Atoi(raw)
}

type imageBody struct {
	XMLName     xml.Name `xml:"IMAGE"`
	ID          int      `xml:"ID"`
	Name        string   `xml:"NAME"`
	Type        int      `xml:"TYPE"`
	Persistent  int      `xml:"PERSISTENT"`
	Size        int64    `xml:"SIZE"`
	State       int      `xml:"STATE"`
	RunningVMs  int      `xml:"RUNNING_VMS"`
	DatastoreID int      `xml:"DATASTORE_ID"`
	RegTime     int64    `xml:"REGTIME"`
	VMs         []int    `xml:"VMS>ID"`
}

type imagePoolBody struct {
	XMLName xml.Name    `xml:"IMAGE_POOL"`
	Images  []imageBody `xml:"IMAGE"`
}

type diskBody struct {
	DiskID  int    `xml:"DISK_ID"`
	ImageID int    `xml:"IMAGE_ID"`
	Target  string `xml:"TARGET"`
}

type vmBody struct {
	XMLName  xml.Name   `xml:"VM"`
	ID       int        `xml:"ID"`
	Name     string     `xml:"NAME"`
	State    int        `xml:"STATE"`
	LCMState int        `xml:"LCM_STATE"`
	Disks    []diskBody `xml:"TEMPLATE>DISK"`
}

func toImageBody(img one.Image) imageBody {
	persistent := 0
	if img.Persistent {
		persistent = 1
	}
	return imageBody{
		ID:          img.ID,
		Name:        img.Name,
		Type:        int(img.Type),
		Persistent:  persistent,
		Size:        img.SizeMB,
		State:       img.State,
		RunningVMs:  len(img.VMs),
		DatastoreID: img.DatastoreID,
		RegTime:     unixTime(img.RegTime),
		VMs:         img.VMs,
	}
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func renderImage(img one.Image) (string, error) {
	return marshalValue(toImageBody(img))
}

func renderImagePool(images []one.Image) (string, error) {
	pool := imagePoolBody{}
	for _, img := range images {
		pool.Images = append(pool.Images, toImageBody(img))
	}
	return marshalValue(pool)
}

func renderVM(vm one.VM) (string, error) {
	body := vmBody{ID: vm.ID, Name: vm.Name, State: vm.State, LCMState: vm.LCMState}
	for _, d := range vm.Disks {
		body.Disks = append(body.Disks, diskBody{DiskID: d.DiskID, ImageID: d.ImageID, Target: d.Target})
	}
	return marshalValue(body)
}

func marshalValue(v interface{}) (string, error) {
	out, err := xml.Marshal(v)
	if err != nil {
		return "", err
	}
	return stringValue(string(out)), nil
}

func stringValue(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return "<string>" + b.String() + "</string>"
}

func intValue(i int) string {
	return fmt.Sprintf("<i4>%d</i4>", i)
}

func response(values ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><methodResponse><params><param><value><array><data>`)
	for _, v := range values {
		b.WriteString("<value>" + v + "</value>")
	}
	b.WriteString(`</data></array></value></param></params></methodResponse>`)
	return b.String()
}

func successResponse(value string) string {
	return response("<boolean>1</boolean>", value, "<i4>0</i4>")
}

func failureResponse(err error) string {
	code := one.CodeInternal
	msg := err.Error()
	var oneErr *one.Error
	if errors.As(err, &oneErr) {
		code = oneErr.Code
		msg = oneErr.Message
	}
	return response("<boolean>0</boolean>", stringValue(msg), intValue(code))
}
