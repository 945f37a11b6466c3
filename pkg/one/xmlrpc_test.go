package one

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestXMLRPCClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "OpenNebula XML-RPC Client Suite")
}

// fakeOned answers XML-RPC calls with canned responses keyed by method name.
type fakeOned struct {
	mu        sync.Mutex
	responses map[string]string
	requests  []string
	delay     time.Duration
}

func (f *fakeOned) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var call struct {
		MethodName string `xml:"methodName"`
	}
	_ = xml.Unmarshal(body, &call)

	f.mu.Lock()
	f.requests = append(f.requests, html.UnescapeString(string(body)))
	resp, ok := f.responses[call.MethodName]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		resp = failure(fmt.Sprintf("[%s] unknown method", call.MethodName), CodeXMLRPCAPI)
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, resp)
}

func (f *fakeOned) lastRequest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ""
	}
	return f.requests[len(f.requests)-1]
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

func xmlString(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return "<string>" + b.String() + "</string>"
}

func success(body string) string {
	return response("<boolean>1</boolean>", body, "<i4>0</i4>")
}

func failure(message string, code int) string {
	return response("<boolean>0</boolean>", xmlString(message), fmt.Sprintf("<i4>%d</i4>", code))
}

var _ = Describe("xmlrpcClient", func() {
	var (
		fake   *fakeOned
		server *httptest.Server
		client Client
		ctx    context.Context
	)

	BeforeEach(func() {
		fake = &fakeOned{responses: map[string]string{}}
		server = httptest.NewServer(fake)
		ctx = context.Background()

		var err error
		client, err = NewClient(ClientConfig{
			Endpoint: server.URL + "/RPC2",
			Username: "oneadmin",
			Password: "opennebula",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	It("rejects an incomplete configuration", func() {
		_, err := NewClient(ClientConfig{Username: "oneadmin"})
		Expect(err).To(HaveOccurred())
		_, err = NewClient(ClientConfig{Endpoint: server.URL})
		Expect(err).To(HaveOccurred())
	})

	It("wraps the client in a rate limiter when configured", func() {
		c, err := NewClient(ClientConfig{Endpoint: server.URL, Username: "oneadmin", RateLimit: 5})
		Expect(err).NotTo(HaveOccurred())
		Expect(c).To(BeAssignableToTypeOf(&RateLimitedClient{}))
	})

	It("sends the session string and lists images", func() {
		fake.responses[methodImagePoolInfo] = success(xmlString(`<IMAGE_POOL>` + testImageXML + `</IMAGE_POOL>`))

		images, err := client.ListImages(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(images).To(HaveLen(1))
		Expect(images[0].Name).To(Equal("pvc-5a1e"))

		req := fake.lastRequest()
		Expect(req).To(ContainSubstring("<methodName>one.imagepool.info</methodName>"))
		Expect(req).To(ContainSubstring("oneadmin:opennebula"))
		Expect(req).To(ContainSubstring("<int>-2</int>"))
	})

	It("allocates a persistent datablock image", func() {
		fake.responses[methodImageAllocate] = success("<i4>55</i4>")

		id, err := client.AllocateImage(ctx, ImageSpec{Name: "pvc-x", SizeMB: 512, DatastoreID: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(55))

		req := fake.lastRequest()
		Expect(req).To(ContainSubstring(`TYPE = "DATABLOCK"`))
		Expect(req).To(ContainSubstring(`PERSISTENT = "YES"`))
		Expect(req).To(ContainSubstring(`SIZE = "512"`))
	})

	It("classifies a full datastore", func() {
		fake.responses[methodImageAllocate] = failure("[one.image.allocate] Not enough space in datastore", CodeAction)

		_, err := client.AllocateImage(ctx, ImageSpec{Name: "pvc-x", SizeMB: 512})
		Expect(IsNoSpace(err)).To(BeTrue())
	})

	It("reads images and VMs", func() {
		fake.responses[methodImageInfo] = success(xmlString(testImageXML))
		fake.responses[methodVMInfo] = success(xmlString(testVMXML))

		img, err := client.GetImage(ctx, 12)
		Expect(err).NotTo(HaveOccurred())
		Expect(img.VMs).To(ConsistOf(42))

		vm, err := client.GetVM(ctx, 42)
		Expect(err).NotTo(HaveOccurred())
		disk, ok := vm.DiskForImage(12)
		Expect(ok).To(BeTrue())
		Expect(disk.Target).To(Equal("vdc"))
	})

	It("reports a missing VM as not found", func() {
		fake.responses[methodVMInfo] = failure("[one.vm.info] Error getting virtual machine [9].", CodeNoExists)

		_, err := client.GetVM(ctx, 9)
		Expect(IsNotFound(err)).To(BeTrue())

		var e *Error
		Expect(err).To(BeAssignableToTypeOf(e))
	})

	It("issues VM disk actions", func() {
		fake.responses[methodVMAttach] = success("<i4>42</i4>")
		fake.responses[methodVMDetach] = success("<i4>42</i4>")
		fake.responses[methodVMDiskResize] = success("<i4>42</i4>")

		Expect(client.AttachDisk(ctx, 42, 12)).To(Succeed())
		Expect(fake.lastRequest()).To(ContainSubstring(`IMAGE_ID = "12"`))

		Expect(client.ResizeDisk(ctx, 42, 3, 4096)).To(Succeed())
		Expect(fake.lastRequest()).To(ContainSubstring("<string>4096</string>"))

		Expect(client.DetachDisk(ctx, 42, 3)).To(Succeed())
		Expect(fake.lastRequest()).To(ContainSubstring("<methodName>one.vm.detach</methodName>"))
	})

	It("surfaces the wrong-state condition", func() {
		fake.responses[methodVMAttach] = failure("[one.vm.attach] Wrong state to perform action", CodeAction)

		err := client.AttachDisk(ctx, 42, 12)
		Expect(IsWrongState(err)).To(BeTrue())
	})

	It("returns the version", func() {
		fake.responses[methodSystemVersion] = success(xmlString("6.8.0"))

		v, err := client.Version(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("6.8.0"))
	})

	It("stops waiting when the context is done", func() {
		fake.delay = 500 * time.Millisecond
		fake.responses[methodSystemVersion] = success(xmlString("6.8.0"))

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := client.Version(cctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("returns on cancel while a mutating call still reaches oned", func() {
		fake.delay = 300 * time.Millisecond
		fake.responses[methodVMAttach] = success("<i4>42</i4>")

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := client.AttachDisk(cctx, 42, 100)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Eventually(fake.lastRequest).Should(ContainSubstring("<methodName>one.vm.attach</methodName>"))
	})

	It("classifies the methods that change oned state", func() {
		for _, m := range []string{methodImageAllocate, methodImageDelete, methodVMAttach, methodVMDetach, methodVMDiskResize} {
			Expect(mutatingMethods[m]).To(BeTrue(), m)
		}
		for _, m := range []string{methodImagePoolInfo, methodImageInfo, methodVMInfo, methodSystemVersion} {
			Expect(mutatingMethods[m]).To(BeFalse(), m)
		}
	})

	It("rejects malformed responses", func() {
		_, err := parseResponse("one.vm.info", []interface{}{true})
		Expect(err).To(HaveOccurred())

		_, err = parseResponse("one.vm.info", []interface{}{"yes", "body"})
		Expect(err).To(HaveOccurred())

		_, err = parseResponse("one.vm.info", []interface{}{false, "[one.vm.info] boom", int64(CodeInternal)})
		Expect(ReasonOf(err)).To(Equal(ReasonOther))
	})
})
