// Package evmdapp serves EVM dApp requests over the EIP-1193 method
// surface: account exposure, transaction sending, message and typed-data
// signing, chain switching and permission management.
package evmdapp

import "fmt"

// EIP-1193 / JSON-RPC error codes surfaced to dApps.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeInvalidParams     = -32602
	CodeMethodNotFound    = -32601
)

// ErrorWithCode is a provider error carrying its EIP-1193 code to the dApp.
type ErrorWithCode struct {
	Code    int
	Message string
}

func (e *ErrorWithCode) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func errUserRejected() *ErrorWithCode {
	return &ErrorWithCode{Code: CodeUserRejected, Message: "User rejected the request"}
}

func errUnauthorized() *ErrorWithCode {
	return &ErrorWithCode{Code: CodeUnauthorized, Message: "Not authorized"}
}

func errInvalidParams(msg string) *ErrorWithCode {
	if msg == "" {
		msg = "Invalid params"
	}
	return &ErrorWithCode{Code: CodeInvalidParams, Message: msg}
}

func errUnrecognizedChain(chainID string) *ErrorWithCode {
	return &ErrorWithCode{Code: CodeUnrecognizedChain, Message: fmt.Sprintf("Unrecognized chain %s", chainID)}
}

func errChainDisconnected(chainID string) *ErrorWithCode {
	return &ErrorWithCode{Code: CodeChainDisconnected, Message: fmt.Sprintf("Chain %s is not connected", chainID)}
}

func errMethodNotFound(method string) *ErrorWithCode {
	return &ErrorWithCode{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method %s is not supported", method)}
}
