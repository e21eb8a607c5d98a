package tezos

import (
	"context"
	"encoding/json"
	"fmt"
)

// OpParam is a single operation in a batch, in the RPC's JSON shape
// ("kind", "destination", "amount", "gas_limit", ...).
type OpParam map[string]interface{}

// Clone returns a shallow copy. Batch rewrites (dry-run annotation, gas-limit
// allocation) work on copies so the caller's params stay untouched.
func (p OpParam) Clone() OpParam {
	out := make(OpParam, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Kind returns the operation kind, empty if absent.
func (p OpParam) Kind() string {
	s, _ := p["kind"].(string)
	return s
}

// Destination returns the operation destination address, empty if absent.
func (p OpParam) Destination() string {
	s, _ := p["destination"].(string)
	return s
}

// RPC is the read/forge/inject surface of a Tezos node this wallet depends
// on. Implementations wrap an actual JSON-RPC client; the wallet core only
// sees this interface.
type RPC interface {
	// ChainID returns the chain identifier of the connected network.
	ChainID(ctx context.Context) (string, error)

	// Simulate dry-runs the batch for the given source and returns the
	// params annotated with estimated fee/gas/storage limits.
	Simulate(ctx context.Context, sourcePkh string, ops []OpParam) ([]OpParam, error)

	// Forge serializes the batch into unsigned operation bytes.
	Forge(ctx context.Context, sourcePkh string, ops []OpParam) ([]byte, error)

	// Inject broadcasts a signed operation and returns its hash.
	Inject(ctx context.Context, signedBytes []byte) (string, error)
}

// RPCError is one element of a node's structured error response.
type RPCError struct {
	Kind string          `json:"kind"`
	ID   string          `json:"id"`
	Raw  json.RawMessage `json:"-"`
}

// OperationError carries the node's structured errors array through to the
// dApp untranslated.
type OperationError struct {
	Message string
	Errors  []RPCError
}

func (e *OperationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Errors) > 0 {
		return fmt.Sprintf("operation failed: %s", e.Errors[0].ID)
	}
	return "operation failed"
}
