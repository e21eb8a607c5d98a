package evm

import "encoding/json"

// Transaction envelope types per EIP-2718.
const (
	TxTypeLegacy     = "0x0"
	TxTypeAccessList = "0x1" // EIP-2930
	TxTypeDynamicFee = "0x2" // EIP-1559
	TxTypeSetCode    = "0x4" // EIP-7702
)

// TxParams is an eth_sendTransaction request body. Quantities are 0x hex
// strings as on the wire.
type TxParams struct {
	From                 string          `json:"from"`
	To                   string          `json:"to,omitempty"`
	Value                string          `json:"value,omitempty"`
	Data                 string          `json:"data,omitempty"`
	Gas                  string          `json:"gas,omitempty"`
	Nonce                string          `json:"nonce,omitempty"`
	GasPrice             string          `json:"gasPrice,omitempty"`
	MaxFeePerGas         string          `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string          `json:"maxPriorityFeePerGas,omitempty"`
	AccessList           json.RawMessage `json:"accessList,omitempty"`
	AuthorizationList    json.RawMessage `json:"authorizationList,omitempty"`
	Type                 string          `json:"type,omitempty"`
	ChainID              string          `json:"chainId,omitempty"`
}

// NormalizeFees rewrites the fee-type fields of a transaction so its envelope
// matches what the target network supports. On a network without EIP-1559
// (latest block has no baseFeePerGas), dynamic-fee fields collapse into a
// legacy gasPrice transaction; EIP-7702 authorization lists are dropped since
// they require the dynamic-fee envelope. On an EIP-1559 network a bare
// gasPrice request is upgraded to maxFeePerGas.
func NormalizeFees(tx TxParams, supportsEIP1559 bool) TxParams {
	if !supportsEIP1559 {
		if tx.MaxFeePerGas != "" && tx.GasPrice == "" {
			tx.GasPrice = tx.MaxFeePerGas
		}
		tx.MaxFeePerGas = ""
		tx.MaxPriorityFeePerGas = ""
		tx.AuthorizationList = nil
		if len(tx.AccessList) > 0 {
			tx.Type = TxTypeAccessList
		} else {
			tx.Type = TxTypeLegacy
		}
		return tx
	}

	if tx.GasPrice != "" && tx.MaxFeePerGas == "" {
		tx.MaxFeePerGas = tx.GasPrice
	}
	tx.GasPrice = ""

	switch {
	case len(tx.AuthorizationList) > 0:
		tx.Type = TxTypeSetCode
	default:
		tx.Type = TxTypeDynamicFee
	}
	return tx
}
