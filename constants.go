package pvkernel

import "github.com/ehrlich-b/go-pvkernel/internal/constants"

// Re-export constants for public API
const (
	PageSize           = constants.PageSize
	SectorSize         = constants.SectorSize
	SectorsPerPage     = constants.SectorsPerPage
	MaxPagesPerRequest = constants.MaxPagesPerRequest
	MaxBytesPerRequest = constants.MaxBytesPerRequest
	DefaultNumCPUs     = constants.DefaultNumCPUs
	DefaultDiskSize    = constants.DefaultDiskSize
	ConnectTimeout     = constants.ConnectTimeout
)
