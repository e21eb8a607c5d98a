package dapp

import (
	"errors"

	"github.com/templewallet/walletd/tezos"
)

// Internal error sentinels for dApp request handling. The Beacon adapter
// maps them to wire error types; they never reach the user directly.
var (
	ErrInvalidParams = errors.New("dapp: invalid params")
	ErrNotGranted    = errors.New("dapp: not granted")
	ErrNotFound      = errors.New("dapp: not found")
	ErrAborted       = errors.New("dapp: aborted by user")

	ErrNetworkNotSupported = errors.New("dapp: network not supported")
)

// Beacon wire error types.
const (
	BeaconErrBroadcast         = "BROADCAST_ERROR"
	BeaconErrNetworkNotSupport = "NETWORK_NOT_SUPPORTED"
	BeaconErrNoAddress         = "NO_ADDRESS_ERROR"
	BeaconErrNotGranted        = "NOT_GRANTED_ERROR"
	BeaconErrParamsInvalid     = "PARAMETERS_INVALID_ERROR"
	BeaconErrTransactionInvaid = "TRANSACTION_INVALID_ERROR"
	BeaconErrAborted           = "ABORTED_ERROR"
	BeaconErrUnknown           = "UNKNOWN_ERROR"
)

// BeaconError is an error response ready for the wire. Operation failures
// keep their structured details so the dApp can inspect the failing op.
type BeaconError struct {
	ErrorType string      `json:"errorType"`
	ErrorData interface{} `json:"errorData,omitempty"`
}

// ToBeaconError translates an internal error into its wire form.
// TezosOperationError passes through untranslated: its errors array is the
// whole point for the dApp.
func ToBeaconError(err error) BeaconError {
	var opErr *tezos.OperationError
	if errors.As(err, &opErr) {
		return BeaconError{ErrorType: BeaconErrTransactionInvaid, ErrorData: opErr.Errors}
	}

	switch {
	case errors.Is(err, ErrInvalidParams):
		return BeaconError{ErrorType: BeaconErrParamsInvalid}
	case errors.Is(err, ErrNotGranted):
		return BeaconError{ErrorType: BeaconErrNotGranted}
	case errors.Is(err, ErrNotFound):
		return BeaconError{ErrorType: BeaconErrNoAddress}
	case errors.Is(err, ErrAborted):
		return BeaconError{ErrorType: BeaconErrAborted}
	case errors.Is(err, ErrNetworkNotSupported):
		return BeaconError{ErrorType: BeaconErrNetworkNotSupport}
	default:
		return BeaconError{ErrorType: BeaconErrUnknown}
	}
}
