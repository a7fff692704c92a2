// Package nandmapper implements the logical-to-physical mapping subsystem for a
// NAND-flash storage stack: the zone map and bad-block-aware allocator, the
// log-structured persistent map, the multi-plane virtual block abstraction, the
// system-drive redundancy/refresh engine, and the LBA-NAND partition/mode state
// machine.
package nandmapper

import (
	"fmt"

	"github.com/dsoprea/go-logging"
	"github.com/go-errors/errors"
)

// ErrorKind names a category of failure without requiring callers to match on
// error strings. It mirrors the "named kinds, not types" error taxonomy.
type ErrorKind int

const (
	// Configuration.
	KindNotInitialized ErrorKind = iota
	KindInvalidDriveType
	KindInvalidInfoSelector
	KindMediaNotAllocated

	// Access.
	KindNotFound
	KindWriteProtected
	KindOutOfSpace
	KindDriveNotRecoverable
	KindNoSpaceInRootDirectory

	// Hardware.
	KindHalReadFailed
	KindHalWriteFailed
	KindHalEraseFailed
	KindDmaTimeout
	KindDmaBusy
	KindGpmiNotPresent

	// ECC.
	KindEccFixed
	KindEccFixedShouldRewrite
	KindEccUncorrectable

	// Map.
	KindMapperInvalidPhysicalAddress
	KindMapperPhyMapFull
	KindVfpSizeTooLarge
	KindSetVfpSizeFailed

	// LBA-NAND transfer protocol.
	KindLbaNandAddressOutOfRange
	KindLbaNandSpareBlocksExhausted
	KindLbaNandWriteFailed

	// Resource.
	KindOutOfMemory
	KindMutexError
)

var kindNames = map[ErrorKind]string{
	KindNotInitialized:               "NotInitialized",
	KindInvalidDriveType:             "InvalidDriveType",
	KindInvalidInfoSelector:          "InvalidInfoSelector",
	KindMediaNotAllocated:            "MediaNotAllocated",
	KindNotFound:                     "NotFound",
	KindWriteProtected:               "WriteProtected",
	KindOutOfSpace:                   "OutOfSpace",
	KindDriveNotRecoverable:          "DriveNotRecoverable",
	KindNoSpaceInRootDirectory:       "NoSpaceInRootDirectory",
	KindHalReadFailed:                "HalReadFailed",
	KindHalWriteFailed:               "HalWriteFailed",
	KindHalEraseFailed:               "HalEraseFailed",
	KindDmaTimeout:                   "DmaTimeout",
	KindDmaBusy:                      "DmaBusy",
	KindGpmiNotPresent:               "GpmiNotPresent",
	KindEccFixed:                     "EccFixed",
	KindEccFixedShouldRewrite:        "EccFixedShouldRewrite",
	KindEccUncorrectable:             "EccUncorrectable",
	KindMapperInvalidPhysicalAddress: "MapperInvalidPhysicalAddress",
	KindMapperPhyMapFull:             "MapperPhyMapFull",
	KindVfpSizeTooLarge:              "VfpSizeTooLarge",
	KindSetVfpSizeFailed:             "SetVfpSizeFailed",
	KindLbaNandAddressOutOfRange:     "LbaNandAddressOutOfRange",
	KindLbaNandSpareBlocksExhausted:  "LbaNandSpareBlocksExhausted",
	KindLbaNandWriteFailed:           "LbaNandWriteFailed",
	KindOutOfMemory:                  "OutOfMemory",
	KindMutexError:                   "MutexError",
}

func (k ErrorKind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}

	return "Unknown"
}

// CoreError is the concrete error type returned by every operation in this
// package that fails with one of the named kinds from the error taxonomy.
type CoreError struct {
	kind    ErrorKind
	message string
}

// NewCoreError builds a CoreError of the given kind.
func NewCoreError(kind ErrorKind, message string) *CoreError {
	return &CoreError{
		kind:    kind,
		message: message,
	}
}

func (ce *CoreError) Error() string {
	if ce.message == "" {
		return ce.kind.String()
	}

	return fmt.Sprintf("%s: %s", ce.kind, ce.message)
}

// Kind returns the error kind carried by this error.
func (ce *CoreError) Kind() ErrorKind {
	return ce.kind
}

// IsKind tests whether err is a *CoreError of the given kind, looking through
// the *errors.Error wrapper that log.Wrap puts around it.
func IsKind(err error, kind ErrorKind) bool {
	if wrapped, ok := err.(*errors.Error); ok {
		err = wrapped.Err
	}

	ce, ok := err.(*CoreError)
	if !ok {
		return false
	}

	return ce.kind == kind
}

// Sentinel errors for the most commonly tested kinds. Wrap with log.Wrap at
// the point of return so callers get a stack-annotated error while still
// being able to test the underlying kind with IsKind.
var (
	ErrNotFound                     = NewCoreError(KindNotFound, "")
	ErrWriteProtected               = NewCoreError(KindWriteProtected, "")
	ErrDriveNotRecoverable          = NewCoreError(KindDriveNotRecoverable, "")
	ErrHalReadFailed                = NewCoreError(KindHalReadFailed, "")
	ErrHalWriteFailed               = NewCoreError(KindHalWriteFailed, "")
	ErrHalEraseFailed               = NewCoreError(KindHalEraseFailed, "")
	ErrEccUncorrectable             = NewCoreError(KindEccUncorrectable, "")
	ErrMapperInvalidPhysicalAddress = NewCoreError(KindMapperInvalidPhysicalAddress, "")
	ErrMapperPhyMapFull             = NewCoreError(KindMapperPhyMapFull, "")
	ErrVfpSizeTooLarge              = NewCoreError(KindVfpSizeTooLarge, "")
	ErrSetVfpSizeFailed             = NewCoreError(KindSetVfpSizeFailed, "")
	ErrMediaNotAllocated            = NewCoreError(KindMediaNotAllocated, "")
	ErrNotInitialized               = NewCoreError(KindNotInitialized, "")
	ErrLbaNandAddressOutOfRange     = NewCoreError(KindLbaNandAddressOutOfRange, "")
	ErrLbaNandSpareBlocksExhausted  = NewCoreError(KindLbaNandSpareBlocksExhausted, "")
	ErrLbaNandWriteFailed           = NewCoreError(KindLbaNandWriteFailed, "")
)

// wrapRecover converts a recovered panic value into a wrapped error. Every
// exported method that follows the teacher's panic/recover idiom installs
// this as its deferred recovery.
func wrapRecover(errRaw interface{}) (err error) {
	if asErr, ok := errRaw.(error); ok {
		return log.Wrap(asErr)
	}

	return log.Errorf("non-error panic: [%v]", errRaw)
}
