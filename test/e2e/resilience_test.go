package e2e

import (
	"errors"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/one-csi-driver/test/mock"
)

var _ = Describe("Resilience Regression", func() {
	// resetErrors clears error injection so other specs and cleanups are not affected
	resetErrors := func() {
		mockOned.Errors().SetMode(mock.ErrorModeNone, 0)
	}

	// RESIL-01: API error recovery
	Describe("RESIL-01: API Error Recovery", func() {
		It("should recover volume operations after API failures are cleared", func() {
			By("Creating a baseline volume to confirm normal operation")
			baseline := createTestVolume("resil-01-baseline", smallVolumeSize)
			waitForImage(baseline.GetVolumeId())

			By("Injecting internal API errors")
			mockOned.Errors().SetMode(mock.ErrorModeAPIFail, 0)
			DeferCleanup(resetErrors)

			_, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
				Name:               testVolumeName("resil-01-fail"),
				CapacityRange:      &csi.CapacityRange{RequiredBytes: smallVolumeSize},
				VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
			})
			Expect(status.Code(err)).To(Equal(codes.Internal), "CreateVolume should fail while errors are injected")
			klog.Infof("RESIL-01: CreateVolume failed during error injection: %v", err)

			By("Clearing error injection")
			resetErrors()

			By("Verifying that CreateVolume succeeds immediately after recovery")
			recovery := createTestVolume("resil-01-recovery", smallVolumeSize)
			waitForImage(recovery.GetVolumeId())

			_, err = controllerClient.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: recovery.GetVolumeId()})
			Expect(err).NotTo(HaveOccurred(), "DeleteVolume should succeed after recovery")
			waitForImageDeleted(recovery.GetVolumeId())
		})
	})

	// RESIL-02: rejected credentials and readiness
	Describe("RESIL-02: Authentication Failure", func() {
		It("should fail calls while oned rejects the session and recover afterwards", func() {
			mockOned.Errors().SetMode(mock.ErrorModeAuthFail, 0)
			DeferCleanup(resetErrors)

			_, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
				Name:               testVolumeName("resil-02-fail"),
				CapacityRange:      &csi.CapacityRange{RequiredBytes: smallVolumeSize},
				VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
			})
			Expect(err).To(HaveOccurred())

			resetErrors()
			resp, err := identityClient.Probe(ctx, &csi.ProbeRequest{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetReady().GetValue()).To(BeTrue())
		})
	})

	// RESIL-03: datastore full
	Describe("RESIL-03: Datastore Full", func() {
		It("should report OutOfRange when the datastore cannot hold the volume", func() {
			mockOned.Errors().SetMode(mock.ErrorModeDatastoreFull, 0)
			DeferCleanup(resetErrors)

			_, err := controllerClient.CreateVolume(ctx, &csi.CreateVolumeRequest{
				Name:               testVolumeName("resil-03-full"),
				CapacityRange:      &csi.CapacityRange{RequiredBytes: largeVolumeSize},
				VolumeCapabilities: []*csi.VolumeCapability{mountVolumeCapability("ext4")},
			})
			Expect(status.Code(err)).To(Equal(codes.OutOfRange))
		})
	})

	// RESIL-04: VM busy after hotplug
	Describe("RESIL-04: Hotplug Settle", func() {
		It("should wait for the VM to settle between disk actions", func() {
			mockOned.SetHotplugSettleCalls(5)
			DeferCleanup(func() { mockOned.SetHotplugSettleCalls(0) })

			first := createTestVolume("resil-04-a", smallVolumeSize).GetVolumeId()
			second := createTestVolume("resil-04-b", smallVolumeSize).GetVolumeId()

			publishToNode(first)
			publishToNode(second)

			for _, volumeID := range []string{first, second} {
				img, _ := imageOf(volumeID)
				Expect(img.AttachedTo(nodeVM)).To(BeTrue())
			}

			unpublishFromNode(first)
			unpublishFromNode(second)
		})
	})

	// RESIL-05: stage circuit breaker
	Describe("RESIL-05: Stage Circuit Breaker", func() {
		It("should stop staging a volume after repeated failures", func() {
			volumeID := createTestVolume("resil-05", smallVolumeSize).GetVolumeId()
			publishContext := publishToNode(volumeID)

			mockMounter.SetFormatError(errors.New("mkfs.ext4: device is busy"))
			DeferCleanup(mockMounter.ClearErrors)

			for i := 0; i < 3; i++ {
				err := stageOnNode(volumeID, publishContext)
				Expect(status.Code(err)).To(Equal(codes.Internal), "attempt %d", i)
			}

			mockMounter.ClearErrors()
			err := stageOnNode(volumeID, publishContext)
			Expect(status.Code(err)).To(Equal(codes.Unavailable), "Breaker should be open after 3 failures")
			Expect(mockMounter.IsMounted(stagingPath(volumeID))).To(BeFalse())
		})
	})
})
