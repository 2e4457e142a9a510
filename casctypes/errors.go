// Package casctypes holds the value types and error taxonomy shared by every
// cascore package: content/encoding keys, FileDataIDs, locale and content
// flags, and archive locators.
package casctypes

import "fmt"

// errorType implements sentinel, parameter-free errors.
type errorType string

func (e errorType) Error() string {
	return string(e)
}

// Codec errors (BLTE).
const (
	ErrInvalidMagic       = errorType("blte: invalid magic")
	ErrInvalidHeaderSize  = errorType("blte: invalid header size")
	ErrInvalidChunkCount  = errorType("blte: invalid chunk count")
	ErrChecksumMismatch   = errorType("blte: chunk checksum mismatch")
	ErrUnknownMode        = errorType("blte: unknown chunk mode")
	ErrDecompressionFailed = errorType("blte: decompression failed")
	ErrTruncatedInput     = errorType("blte: truncated input")
)

// Crypto errors.
const (
	ErrIvTooLong        = errorType("cascrypto: iv longer than cipher block size")
	ErrUnsupportedCipher = errorType("cascrypto: unsupported cipher")
)

// Index (KMT) errors.
const (
	ErrIndexCorrupted   = errorType("kmt: index corrupted")
	ErrUpdateSectionFull = errorType("kmt: update section full")
	ErrHashGuardMismatch = errorType("kmt: hash guard mismatch")
)

// Archive errors.
const (
	ErrArchiveTruncated    = errorType("archive: truncated read")
	ErrArchiveBoundsExceeded = errorType("archive: bounds exceeded")
	ErrSegmentLimitReached = errorType("segment: limit reached")
)

// Storage errors.
const (
	ErrTruncatedRead = errorType("container: truncated read")
	ErrAccessDenied  = errorType("container: access denied (read-only)")
	ErrConfigInvalid = errorType("container: invalid configuration")
)

// Manifest errors.
const (
	ErrInvalidFormat = errorType("manifest: invalid format")
)

// Cache errors.
const ErrCacheFull = errorType("cache: full")

// Network errors.
const (
	ErrTimeout            = errorType("network: timeout")
	ErrRangeNotSatisfiable = errorType("network: range not satisfiable")
)

// NotFoundError is returned for a missing key in a keyed lookup (index,
// cache, manifest entry). It carries the key so callers can log it without
// string-matching error text.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// MissingKeyError is returned by mode-E BLTE decode when the decryption key
// named by KeyID is not present in the supplied key store.
type MissingKeyError struct {
	KeyID uint64
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("cascrypto: missing key 0x%016x", e.KeyID)
}

// HashGuardMismatchError reports the byte offset of a KMT update record
// whose hash_guard failed validation on load.
type HashGuardMismatchError struct {
	Offset int64
}

func (e *HashGuardMismatchError) Error() string {
	return fmt.Sprintf("kmt: hash guard mismatch at offset %d", e.Offset)
}

// ManifestNotLoadedError reports that a manifest class has not been loaded
// yet when an operation required it.
type ManifestNotLoadedError struct {
	Class string
}

func (e *ManifestNotLoadedError) Error() string {
	return fmt.Sprintf("manifest: %s not loaded", e.Class)
}

// EntryNotFoundError reports a missing entry within a loaded manifest,
// tagged with the context the caller was searching under.
type EntryNotFoundError struct {
	Context string
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("manifest: entry not found: %s", e.Context)
}

// ContentValidationFailedError reports that a cached blob's MD5 no longer
// matches its fingerprint key.
type ContentValidationFailedError struct {
	Key string
}

func (e *ContentValidationFailedError) Error() string {
	return fmt.Sprintf("cache: content validation failed for %s", e.Key)
}

// HTTPStatusError reports a non-2xx/206 CDN HTTP response.
type HTTPStatusError struct {
	Code    int
	Context string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("network: http status %d: %s", e.Code, e.Context)
}
