package smep

import (
	"errors"

	"github.com/smfabric/smep/internal/errs"
)

// Code is one entry in spec.md §7's error taxonomy.
type Code = errs.Code

// The taxonomy itself (spec.md §7).
const (
	CodeUnknown               = errs.Unknown
	CodePermissionDenied      = errs.PermissionDenied
	CodeNoEntry               = errs.NoEntry
	CodeInterrupted           = errs.Interrupted
	CodeAgain                 = errs.Again
	CodeNoMemory              = errs.NoMemory
	CodeAccessDenied          = errs.AccessDenied
	CodeBadArgument           = errs.BadArgument
	CodeBadAddress            = errs.BadAddress
	CodeBusy                  = errs.Busy
	CodeAlreadyExists         = errs.AlreadyExists
	CodeNoDevice              = errs.NoDevice
	CodeOverflow              = errs.Overflow
	CodeMessageSize           = errs.MessageSize
	CodeProtocolNotSupported  = errs.ProtocolNotSupported
	CodeOperationNotSupported = errs.OperationNotSupported
	CodeAddressInUse          = errs.AddressInUse
	CodeAddressNotAvailable   = errs.AddressNotAvailable
	CodeTimeout               = errs.Timeout
	CodeCanceled              = errs.Canceled
	CodeProtocol              = errs.Protocol
)

// Error is the error type every Endpoint method and completion callback
// returns (spec.md §7).
type Error = errs.Error

// Is reports whether err is an Error with the given code, looking through
// any wrapping.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// again builds the errs.Again result address.go's resolve uses to
// signal "would block, retry later" (spec.md §4.5's retry-queue contract).
func again(op string) error {
	return errs.New(errs.Again, op, nil)
}

// errBusy reports that an operation identifier was not in the COMPLETED
// state its input contract requires (spec.md §3: "Each operation
// identifier is owned by exactly one logical operation at a time").
func errBusy(op string) error {
	return errs.New(errs.Busy, op, nil)
}
