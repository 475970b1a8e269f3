//go:build linux

package mount

import "golang.org/x/sys/unix"

// diskStats reports usage of the filesystem holding dir.
func diskStats(dir string) (diskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return diskUsage{}, err
	}
	return diskUsage{
		Bsize:   uint64(st.Bsize),
		Blocks:  uint64(st.Blocks),
		Bfree:   uint64(st.Bfree),
		Bavail:  uint64(st.Bavail),
		Files:   uint64(st.Files),
		Ffree:   uint64(st.Ffree),
		Namemax: uint64(st.Namelen),
	}, nil
}
