//go:build !linux

package archive

// adviseRandom is a no-op outside Linux; FADV_RANDOM has no portable
// equivalent.
func adviseRandom(f fileDescriptor) {}
