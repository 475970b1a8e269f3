package mount

import (
	"github.com/fruitsalade/boxfs/internal/logging"
)

// diskUsage is what statfs replies carry. The cache directory's filesystem
// stands in for the remote store, which has no quota call.
type diskUsage struct {
	Bsize   uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Namemax uint64
}

var defaultUsage = diskUsage{
	Bsize:   4096,
	Blocks:  1 << 28,
	Bfree:   1 << 27,
	Bavail:  1 << 27,
	Files:   1000000,
	Ffree:   999000,
	Namemax: 255,
}

func usage(dir string) diskUsage {
	u, err := diskStats(dir)
	if err != nil {
		logging.Debug("statfs: using defaults", logging.String("dir", dir), logging.Err(err))
		return defaultUsage
	}
	return u
}
