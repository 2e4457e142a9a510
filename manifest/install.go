package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wowserhq/cascore/casctypes"
)

var installMagic = [2]byte{'I', 'N'}

// InstallHeader is the 10-byte (fixed-field) install-manifest preamble.
type InstallHeader struct {
	Version    uint8
	KeyLength  uint8
	TagCount   uint16
	EntryCount uint32
}

// InstallFileEntry is one file tracked by an install manifest: a
// path plus its content key and decoded size. Install manifests have no
// priority field; inclusion is entirely tag-driven.
type InstallFileEntry struct {
	Path     string
	CKey     casctypes.CKey
	FileSize uint32
}

// InstallTag partitions install-manifest entries the same way
// DownloadTag partitions download-manifest entries: a name, a type, and
// a bitmap with one bit per entry.
type InstallTag struct {
	Name string
	Type uint16
	Bits []byte
}

func (t InstallTag) includes(i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(t.Bits) {
		return false
	}
	bit := byte(0x80 >> uint(i%8))
	return t.Bits[byteIdx]&bit != 0
}

// InstallManifest is a fully parsed install manifest: header, tags, and
// file entries.
type InstallManifest struct {
	Header  InstallHeader
	Tags    []InstallTag
	Entries []InstallFileEntry
}

// ParseInstallManifest decodes an install manifest from data. Layout is
// fixed: header, tags, then entries (unlike download manifests, install
// manifests have no version-dependent ordering).
func ParseInstallManifest(data []byte) (*InstallManifest, error) {
	r := bytes.NewReader(data)

	var magic [2]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("manifest: reading install magic: %w", casctypes.ErrInvalidFormat)
	}
	if magic != installMagic {
		return nil, fmt.Errorf("manifest: bad install magic: %w", casctypes.ErrInvalidFormat)
	}

	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	keyLength, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var tagCount uint16
	if err := binary.Read(r, binary.BigEndian, &tagCount); err != nil {
		return nil, err
	}
	var entryCount uint32
	if err := binary.Read(r, binary.BigEndian, &entryCount); err != nil {
		return nil, err
	}

	m := &InstallManifest{Header: InstallHeader{
		Version: version, KeyLength: keyLength, TagCount: tagCount, EntryCount: entryCount,
	}}

	bitmapSize := (int(entryCount) + 7) / 8
	m.Tags = make([]InstallTag, 0, tagCount)
	for i := uint16(0); i < tagCount; i++ {
		name, err := readCString(r)
		if err != nil {
			return nil, fmt.Errorf("manifest: reading install tag %d name: %w", i, err)
		}
		var tagType uint16
		if err := binary.Read(r, binary.BigEndian, &tagType); err != nil {
			return nil, err
		}
		bits := make([]byte, bitmapSize)
		if _, err := io.ReadFull(r, bits); err != nil {
			return nil, fmt.Errorf("manifest: reading install tag %d bitmap: %w", i, err)
		}
		m.Tags = append(m.Tags, InstallTag{Name: name, Type: tagType, Bits: bits})
	}

	m.Entries = make([]InstallFileEntry, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		path, err := readCString(r)
		if err != nil {
			return nil, fmt.Errorf("manifest: reading install entry %d path: %w", i, err)
		}
		keyBuf := make([]byte, keyLength)
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			return nil, fmt.Errorf("manifest: reading install entry %d key: %w", i, err)
		}
		var fileSize uint32
		if err := binary.Read(r, binary.BigEndian, &fileSize); err != nil {
			return nil, err
		}

		var entry InstallFileEntry
		entry.Path = path
		copy(entry.CKey[:], keyBuf)
		entry.FileSize = fileSize
		m.Entries = append(m.Entries, entry)
	}

	log.Debugw("parsed install manifest", "version", version, "entries", len(m.Entries), "tags", len(m.Tags))
	return m, nil
}

// EntriesForTags returns every entry that belongs to at least one of
// the named tags, preserving manifest order.
func (m *InstallManifest) EntriesForTags(names ...string) []InstallFileEntry {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var tags []InstallTag
	for _, t := range m.Tags {
		if want[t.Name] {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return nil
	}

	var out []InstallFileEntry
	for i, e := range m.Entries {
		for _, t := range tags {
			if t.includes(i) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// TotalSize sums FileSize across every entry in m.
func (m *InstallManifest) TotalSize() uint64 {
	var total uint64
	for _, e := range m.Entries {
		total += uint64(e.FileSize)
	}
	return total
}
