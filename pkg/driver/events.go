package driver

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/pkg/observability"
)

// Event reasons - use consistent naming for filtering
const (
	EventReasonAttachConflict   = "AttachConflict"
	EventReasonStageFailure     = "StageFailure"
	EventReasonOfflineExpansion = "OfflineExpansion"
)

// EventPoster posts Kubernetes events about volume operations to PVCs
type EventPoster struct {
	recorder  record.EventRecorder
	clientset kubernetes.Interface
	metrics   *observability.Metrics
}

// eventSinkAdapter adapts the typed events client to record.EventSink, which
// has no context parameter. Events are created in the namespace of the
// object they refer to.
type eventSinkAdapter struct {
	clientset kubernetes.Interface
}

func (a *eventSinkAdapter) namespace(event *corev1.Event) string {
	if event.Namespace != "" {
		return event.Namespace
	}
	if event.InvolvedObject.Namespace != "" {
		return event.InvolvedObject.Namespace
	}
	return metav1.NamespaceDefault
}

func (a *eventSinkAdapter) Create(event *corev1.Event) (*corev1.Event, error) {
	return a.clientset.CoreV1().Events(a.namespace(event)).Create(context.Background(), event, metav1.CreateOptions{})
}

func (a *eventSinkAdapter) Update(event *corev1.Event) (*corev1.Event, error) {
	return a.clientset.CoreV1().Events(a.namespace(event)).Update(context.Background(), event, metav1.UpdateOptions{})
}

func (a *eventSinkAdapter) Patch(event *corev1.Event, data []byte) (*corev1.Event, error) {
	return a.clientset.CoreV1().Events(a.namespace(event)).Patch(context.Background(), event.Name, types.StrategicMergePatchType, data, metav1.PatchOptions{})
}

// NewEventPoster creates an EventPoster that records events to the API
// server and to klog. metrics may be nil.
func NewEventPoster(clientset kubernetes.Interface, metrics *observability.Metrics) *EventPoster {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartLogging(klog.Infof)
	broadcaster.StartRecordingToSink(&eventSinkAdapter{clientset: clientset})

	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{
		Component: "one-csi-driver",
	})

	return &EventPoster{
		recorder:  recorder,
		clientset: clientset,
		metrics:   metrics,
	}
}

// post attaches an event to a PVC. A PVC that cannot be read is logged and
// skipped; event posting never fails a volume operation.
func (ep *EventPoster) post(ctx context.Context, pvcNamespace, pvcName, eventType, reason, message string) {
	pvc, err := ep.clientset.CoreV1().PersistentVolumeClaims(pvcNamespace).Get(ctx, pvcName, metav1.GetOptions{})
	if err != nil {
		klog.Warningf("Failed to get PVC %s/%s for %s event: %v", pvcNamespace, pvcName, reason, err)
		return
	}

	ep.recorder.Event(pvc, eventType, reason, message)
	if ep.metrics != nil {
		ep.metrics.RecordEventPosted(reason)
	}
	klog.V(2).Infof("Posted %s event to PVC %s/%s: %s", reason, pvcNamespace, pvcName, message)
}

// PostAttachConflict posts a Warning event when a volume cannot be published
// because it is attached to another VM.
func (ep *EventPoster) PostAttachConflict(ctx context.Context, pvcNamespace, pvcName, volumeID, nodeID string, attachedTo []int) {
	message := fmt.Sprintf("[%s] cannot attach to VM %s: image is attached to VM %v", volumeID, nodeID, attachedTo)
	ep.post(ctx, pvcNamespace, pvcName, corev1.EventTypeWarning, EventReasonAttachConflict, message)
}

// PostStageFailure posts a Warning event when a volume could not be staged.
func (ep *EventPoster) PostStageFailure(ctx context.Context, pvcNamespace, pvcName, volumeID, nodeID string, cause error) {
	message := fmt.Sprintf("[%s] on [%s]: %v", volumeID, nodeID, cause)
	ep.post(ctx, pvcNamespace, pvcName, corev1.EventTypeWarning, EventReasonStageFailure, message)
}

// PostOfflineExpansion posts a Normal event after an unattached volume was
// grown through the controller VM.
func (ep *EventPoster) PostOfflineExpansion(ctx context.Context, pvcNamespace, pvcName, volumeID string, sizeMB int64, controllerVM int) {
	message := fmt.Sprintf("[%s] resized to %d MB offline via VM %d", volumeID, sizeMB, controllerVM)
	ep.post(ctx, pvcNamespace, pvcName, corev1.EventTypeNormal, EventReasonOfflineExpansion, message)
}
