package mpegts

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the bit-layer parsers. Callers treat all of
// them as skippable per-packet conditions, never stream-fatal.
var (
	ErrPacketSize    = errors.New("mpegts: packet is not 188 bytes")
	ErrSyncByte      = errors.New("mpegts: invalid sync byte")
	ErrTransportErr  = errors.New("mpegts: transport error indicator set")
	ErrNoStartCode   = errors.New("mpegts: missing PES start code")
	ErrShortSection  = errors.New("mpegts: PSI section truncated")
	ErrCRCMismatch   = errors.New("mpegts: PSI section CRC32 mismatch")
	ErrDuplicate     = errors.New("mpegts: duplicate packet")
	ErrDiscontinuity = errors.New("mpegts: continuity counter gap")
)

// ParseError wraps a sentinel with the field being parsed when it failed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mpegts: parsing %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
