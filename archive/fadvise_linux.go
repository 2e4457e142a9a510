//go:build linux

package archive

import "golang.org/x/sys/unix"

// adviseRandom hints to the kernel that f will be accessed with
// random-offset reads rather than sequentially, matching
// compactindexsized.query.go's fadvise(RANDOM) use for its own
// paged-index file handles. Best-effort: a failure here never aborts
// opening the archive.
func adviseRandom(f fileDescriptor) {
	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		log.Warnw("fadvise(RANDOM) failed", "error", err)
	}
}
