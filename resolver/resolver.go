package resolver

import (
	"fmt"

	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/container"
	"github.com/wowserhq/cascore/encoding"
	"github.com/wowserhq/cascore/root"
)

// VersionSource supplies the Root and Encoding bytes for the product
// version currently in effect; injected so resolver doesn't depend
// directly on a specific config/manifest transport.
type VersionSource interface {
	RootBytes() ([]byte, error)
	EncodingBytes() ([]byte, int, error) // data, pageIndexCount
}

// Resolver chains Root -> Encoding -> KMT-backed Container to turn a
// file path or FileDataID into loaded content bytes, caching each stage.
type Resolver struct {
	versions VersionSource
	store    *container.Container
	cache    *Cache
	locale   casctypes.LocaleFlags
	content  casctypes.ContentFlags
}

// New constructs a Resolver over an already-open Container.
func New(versions VersionSource, store *container.Container, cache *Cache, locale casctypes.LocaleFlags, content casctypes.ContentFlags) *Resolver {
	return &Resolver{versions: versions, store: store, cache: cache, locale: locale, content: content}
}

func (r *Resolver) loadRoot() (*root.Root, error) {
	fp := Fingerprint{}
	_, parsed, err := r.cache.GetOrLoad(ClassRoot, fp,
		func() ([]byte, error) { return r.versions.RootBytes() },
		func(raw []byte) (any, error) { return root.Parse(raw) },
	)
	if err != nil {
		return nil, err
	}
	return parsed.(*root.Root), nil
}

func (r *Resolver) loadEncoding() (*encoding.Table, error) {
	fp := Fingerprint{HasPage: false}
	_, parsed, err := r.cache.GetOrLoad(ClassEncoding, fp,
		func() ([]byte, error) {
			data, _, err := r.versions.EncodingBytes()
			return data, err
		},
		func(raw []byte) (any, error) {
			_, pageCount, err := r.versions.EncodingBytes()
			if err != nil {
				return nil, err
			}
			return encoding.Parse(raw, pageCount)
		},
	)
	if err != nil {
		return nil, err
	}
	return parsed.(*encoding.Table), nil
}

// ResolveByPath resolves a file path all the way to its content bytes.
func (r *Resolver) ResolveByPath(path string) ([]byte, error) {
	ckey, err := r.resolveCKeyByPath(path)
	if err != nil {
		return nil, err
	}
	return r.readByCKey(ckey)
}

// ResolveByFileDataID resolves a FileDataID all the way to its content
// bytes.
func (r *Resolver) ResolveByFileDataID(fdid casctypes.FileDataID) ([]byte, error) {
	ckey, err := r.resolveCKeyByID(fdid)
	if err != nil {
		return nil, err
	}
	return r.readByCKey(ckey)
}

func (r *Resolver) resolveCKeyByPath(path string) (casctypes.CKey, error) {
	rootTbl, err := r.loadRoot()
	if err != nil {
		return casctypes.CKey{}, err
	}
	ckey, ok := rootTbl.ResolveByPath(path, r.locale, r.content)
	if !ok {
		return casctypes.CKey{}, &casctypes.EntryNotFoundError{Context: path}
	}
	return ckey, nil
}

func (r *Resolver) resolveCKeyByID(fdid casctypes.FileDataID) (casctypes.CKey, error) {
	rootTbl, err := r.loadRoot()
	if err != nil {
		return casctypes.CKey{}, err
	}
	ckey, ok := rootTbl.ResolveByID(fdid, r.locale, r.content)
	if !ok {
		return casctypes.CKey{}, &casctypes.EntryNotFoundError{Context: fmt.Sprintf("fdid:%d", fdid)}
	}
	return ckey, nil
}

func (r *Resolver) readByCKey(ckey casctypes.CKey) ([]byte, error) {
	encTbl, err := r.loadEncoding()
	if err != nil {
		return nil, err
	}
	entry, ok := encTbl.LookupByCKey(ckey)
	if !ok || len(entry.EncodingKeys) == 0 {
		return nil, &casctypes.EntryNotFoundError{Context: ckey.String()}
	}
	// Multiple encoding keys per content key are permitted; resolve uses
	// the first by policy.
	ekey := entry.EncodingKeys[0]

	// Fingerprinted by CKey rather than EKey: the cached value here is
	// the decoded plaintext, whose MD5 is the content key, not the
	// encoding key (which hashes the still-BLTE-encoded archive bytes).
	fp := Fingerprint{Key: [16]byte(ckey)}
	raw, _, err := r.cache.GetOrLoad(ClassContent, fp,
		func() ([]byte, error) { return r.store.Read(ekey) },
		func(raw []byte) (any, error) { return raw, nil },
	)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
