package constants

import "time"

// DomID identifies a domain.
type DomID uint16

// DomID0 is the control domain, which hosts backends by default.
const DomID0 DomID = 0

// Memory geometry
const (
	// PageSize is the granularity of grants and shared rings
	PageSize = 4096

	// SectorSize is the unit of block addressing and buffer alignment
	SectorSize = 512

	// SectorsPerPage is the number of sectors in one granted page
	SectorsPerPage = PageSize / SectorSize

	// MaxPagesPerRequest is the segment limit of one block ring request
	MaxPagesPerRequest = 11

	// MaxBytesPerRequest is the largest transfer a single request can carry
	MaxBytesPerRequest = MaxPagesPerRequest * PageSize
)

// Event channels
const (
	// NumEventPorts is the size of the two-level pending bitmap (64 x 64)
	NumEventPorts = 64 * 64

	// NumVIRQs is the number of virtual interrupt lines
	NumVIRQs = 24
)

// Default configuration constants
const (
	// DefaultNumCPUs is the default number of virtual CPUs
	DefaultNumCPUs = 1

	// DefaultBackendDomID hosts the simulated device backends
	DefaultBackendDomID = DomID0

	// DefaultDiskSize is the default size of a memory disk (64MB)
	DefaultDiskSize = 64 << 20

	// DefaultLogRate is the per-second budget of repeated warnings
	DefaultLogRate = 5
)

// Timing constants for device lifecycle
const (
	// ConnectTimeout bounds the frontend/backend handshake
	ConnectTimeout = 5 * time.Second

	// DevicePollingInterval is the interval to check backend state
	DevicePollingInterval = 10 * time.Millisecond

	// BackendPollInterval is how often a simulated backend rescans the store
	BackendPollInterval = 5 * time.Millisecond
)
