package one

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ImageType is the TYPE attribute of an OpenNebula image.
type ImageType int

const (
	ImageTypeOS        ImageType = 0
	ImageTypeCDROM     ImageType = 1
	ImageTypeDatablock ImageType = 2
	ImageTypeKernel    ImageType = 3
	ImageTypeRamdisk   ImageType = 4
	ImageTypeContext   ImageType = 5
)

// String returns the template name of the image type.
func (t ImageType) String() string {
	switch t {
	case ImageTypeOS:
		return "OS"
	case ImageTypeCDROM:
		return "CDROM"
	case ImageTypeDatablock:
		return "DATABLOCK"
	case ImageTypeKernel:
		return "KERNEL"
	case ImageTypeRamdisk:
		return "RAMDISK"
	case ImageTypeContext:
		return "CONTEXT"
	default:
		return fmt.Sprintf("TYPE(%d)", int(t))
	}
}

// Image is the subset of an OpenNebula image the driver works with.
// A CSI volume is a persistent DATABLOCK image.
type Image struct {
	ID          int
	Name        string
	Type        ImageType
	Persistent  bool
	SizeMB      int64
	State       int
	DatastoreID int
	VMs         []int

	// RegTime is when the image was registered; zero if unknown
	RegTime time.Time
}

// IsVolume reports whether the image can back a volume of this driver.
func (i *Image) IsVolume() bool {
	return i.Type == ImageTypeDatablock && i.Persistent
}

// AttachedTo reports whether the image is used by the given VM.
func (i *Image) AttachedTo(vmID int) bool {
	for _, id := range i.VMs {
		if id == vmID {
			return true
		}
	}
	return false
}

// ImageSpec describes an image to allocate.
type ImageSpec struct {
	Name        string
	SizeMB      int64
	DatastoreID int
}

// Template renders the image template passed to one.image.allocate.
func (s ImageSpec) Template() string {
	var b strings.Builder
	fmt.Fprintf(&b, "NAME = %s\n", quote(s.Name))
	fmt.Fprintf(&b, "TYPE = %s\n", quote(ImageTypeDatablock.String()))
	fmt.Fprintf(&b, "PERSISTENT = %s\n", quote("YES"))
	fmt.Fprintf(&b, "SIZE = %s\n", quote(strconv.FormatInt(s.SizeMB, 10)))
	return b.String()
}

// Disk is a DISK section of a VM template.
type Disk struct {
	DiskID  int
	ImageID int // -1 for volatile and context disks
	Target  string
}

// DevicePath is the path of the disk inside the guest.
func (d Disk) DevicePath() string {
	return "/dev/" + d.Target
}

// VM is the subset of an OpenNebula VM the driver works with.
type VM struct {
	ID       int
	Name     string
	State    int
	LCMState int
	Disks    []Disk
}

// DiskForImage returns the disk backed by imageID.
func (vm *VM) DiskForImage(imageID int) (Disk, bool) {
	for _, d := range vm.Disks {
		if d.ImageID == imageID {
			return d, true
		}
	}
	return Disk{}, false
}

// AttachTemplate renders the template passed to one.vm.attach.
func AttachTemplate(imageID int) string {
	return fmt.Sprintf("DISK = [ IMAGE_ID = %s ]", quote(strconv.Itoa(imageID)))
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

type imageXML struct {
	ID          int    `xml:"ID"`
	Name        string `xml:"NAME"`
	Type        int    `xml:"TYPE"`
	Persistent  int    `xml:"PERSISTENT"`
	SizeMB      int64  `xml:"SIZE"`
	State       int    `xml:"STATE"`
	DatastoreID int    `xml:"DATASTORE_ID"`
	RegTime     int64  `xml:"REGTIME"`
	VMs         []int  `xml:"VMS>ID"`
}

func (x imageXML) image() Image {
	var regTime time.Time
	if x.RegTime > 0 {
		regTime = time.Unix(x.RegTime, 0)
	}
	return Image{
		ID:          x.ID,
		Name:        x.Name,
		Type:        ImageType(x.Type),
		Persistent:  x.Persistent == 1,
		SizeMB:      x.SizeMB,
		State:       x.State,
		DatastoreID: x.DatastoreID,
		VMs:         x.VMs,
		RegTime:     regTime,
	}
}

type imagePoolXML struct {
	XMLName xml.Name   `xml:"IMAGE_POOL"`
	Images  []imageXML `xml:"IMAGE"`
}

type diskXML struct {
	DiskID  string `xml:"DISK_ID"`
	ImageID string `xml:"IMAGE_ID"`
	Target  string `xml:"TARGET"`
}

type vmXML struct {
	XMLName  xml.Name  `xml:"VM"`
	ID       int       `xml:"ID"`
	Name     string    `xml:"NAME"`
	State    int       `xml:"STATE"`
	LCMState int       `xml:"LCM_STATE"`
	Disks    []diskXML `xml:"TEMPLATE>DISK"`
}

func parseImage(body string) (*Image, error) {
	var raw imageXML
	if err := xml.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse image: %w", err)
	}
	img := raw.image()
	return &img, nil
}

func parseImagePool(body string) ([]Image, error) {
	var pool imagePoolXML
	if err := xml.Unmarshal([]byte(body), &pool); err != nil {
		return nil, fmt.Errorf("failed to parse image pool: %w", err)
	}
	images := make([]Image, 0, len(pool.Images))
	for _, raw := range pool.Images {
		images = append(images, raw.image())
	}
	return images, nil
}

func parseVM(body string) (*VM, error) {
	var raw vmXML
	if err := xml.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse VM: %w", err)
	}

	vm := &VM{
		ID:       raw.ID,
		Name:     raw.Name,
		State:    raw.State,
		LCMState: raw.LCMState,
	}
	for _, d := range raw.Disks {
		diskID, err := strconv.Atoi(strings.TrimSpace(d.DiskID))
		if err != nil {
			return nil, fmt.Errorf("VM %d has a disk with invalid DISK_ID %q", raw.ID, d.DiskID)
		}
		imageID := -1
		if s := strings.TrimSpace(d.ImageID); s != "" {
			if imageID, err = strconv.Atoi(s); err != nil {
				return nil, fmt.Errorf("VM %d disk %d has invalid IMAGE_ID %q", raw.ID, diskID, d.ImageID)
			}
		}
		vm.Disks = append(vm.Disks, Disk{
			DiskID:  diskID,
			ImageID: imageID,
			Target:  strings.TrimSpace(d.Target),
		})
	}
	return vm, nil
}
