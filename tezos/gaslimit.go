package tezos

import "fmt"

// Protocol hard limits and the flat per-operation gas budget used when
// allocating a batch around a single gas-heavy swap operation.
const (
	HardGasLimitPerOperation int64 = 1_040_000
	HardGasLimitPerBlock     int64 = 5_200_000

	// batchOpGasLimit is the fixed budget assumed for every non-swap
	// operation in the batch (approve/revoke and transfer wrappers).
	batchOpGasLimit int64 = 20_000
)

// SwapGasLimits allocates per-operation gas limits for a batch where exactly
// the operation at swapIndex targets the swap router. Every other operation
// gets the fixed budget; the swap gets the remainder of the block budget,
// capped at the per-operation hard limit. The resulting sum never exceeds
// HardGasLimitPerBlock.
func SwapGasLimits(n, swapIndex int) ([]int64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if swapIndex < 0 || swapIndex >= n {
		return nil, fmt.Errorf("swap index %d out of range for batch of %d", swapIndex, n)
	}

	limits := make([]int64, n)
	for i := range limits {
		limits[i] = batchOpGasLimit
	}

	swapLimit := HardGasLimitPerBlock - batchOpGasLimit*int64(n-1)
	if swapLimit > HardGasLimitPerOperation {
		swapLimit = HardGasLimitPerOperation
	}
	if swapLimit <= 0 {
		return nil, fmt.Errorf("batch of %d leaves no gas for swap operation", n)
	}
	limits[swapIndex] = swapLimit

	return limits, nil
}

// ApplySwapGasLimits rewrites the batch with SwapGasLimits allocations,
// matching the swap operation by destination address. Returns the input
// unchanged if no operation targets the router.
func ApplySwapGasLimits(ops []OpParam, routerAddress string) ([]OpParam, error) {
	swapIndex := -1
	for i, op := range ops {
		if op.Destination() == routerAddress {
			if swapIndex >= 0 {
				return nil, fmt.Errorf("batch has multiple operations targeting the router")
			}
			swapIndex = i
		}
	}
	if swapIndex < 0 {
		return ops, nil
	}

	limits, err := SwapGasLimits(len(ops), swapIndex)
	if err != nil {
		return nil, err
	}

	out := make([]OpParam, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
		out[i]["gas_limit"] = fmt.Sprintf("%d", limits[i])
	}
	return out, nil
}
