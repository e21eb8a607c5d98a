package evm

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// rlpEncodeBytes encodes a byte string per RLP.
func rlpEncodeBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	return append(rlpLength(len(b), 0x80), b...)
}

// rlpEncodeList encodes already-encoded items as an RLP list.
func rlpEncodeList(items ...[]byte) []byte {
	var payload []byte
	for _, item := range items {
		payload = append(payload, item...)
	}
	return append(rlpLength(len(payload), 0xc0), payload...)
}

func rlpLength(n int, offset byte) []byte {
	if n < 56 {
		return []byte{offset + byte(n)}
	}
	size := big.NewInt(int64(n)).Bytes()
	out := []byte{offset + 55 + byte(len(size))}
	return append(out, size...)
}

func rlpEncodeUint(v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return []byte{0x80}
	}
	return rlpEncodeBytes(v.Bytes())
}

// ParseQuantity parses a 0x hex quantity; empty means zero.
func ParseQuantity(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("quantity %q lacks 0x prefix", s)
	}
	digits := s[2:]
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("malformed quantity %q", s)
	}
	return v, nil
}

// FormatQuantity renders a big integer as a minimal 0x hex quantity.
func FormatQuantity(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

type accessTuple struct {
	Address     string   `json:"address"`
	StorageKeys []string `json:"storageKeys"`
}

type authorization struct {
	ChainID string `json:"chainId"`
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
	YParity string `json:"yParity"`
	R       string `json:"r"`
	S       string `json:"s"`
}

// preparedTx is a transaction parsed out of its wire shape, ready for
// digesting and final encoding.
type preparedTx struct {
	txType   string
	chainID  *big.Int
	nonce    *big.Int
	gasPrice *big.Int
	tipCap   *big.Int
	feeCap   *big.Int
	gas      *big.Int
	to       []byte
	value    *big.Int
	data     []byte
	access   []byte // RLP-encoded access list
	auth     []byte // RLP-encoded authorization list
}

func prepareTx(tx TxParams) (*preparedTx, error) {
	p := &preparedTx{txType: tx.Type}
	if p.txType == "" {
		p.txType = TxTypeLegacy
	}

	var err error
	if p.chainID, err = ParseQuantity(tx.ChainID); err != nil {
		return nil, err
	}
	if p.nonce, err = ParseQuantity(tx.Nonce); err != nil {
		return nil, err
	}
	if p.gasPrice, err = ParseQuantity(tx.GasPrice); err != nil {
		return nil, err
	}
	if p.tipCap, err = ParseQuantity(tx.MaxPriorityFeePerGas); err != nil {
		return nil, err
	}
	if p.feeCap, err = ParseQuantity(tx.MaxFeePerGas); err != nil {
		return nil, err
	}
	if p.gas, err = ParseQuantity(tx.Gas); err != nil {
		return nil, err
	}
	if p.value, err = ParseQuantity(tx.Value); err != nil {
		return nil, err
	}

	if tx.To != "" {
		if !IsAddressValid(tx.To) {
			return nil, fmt.Errorf("invalid to address %q", tx.To)
		}
		if p.to, err = hex.DecodeString(tx.To[2:]); err != nil {
			return nil, err
		}
	}
	if tx.Data != "" {
		if !strings.HasPrefix(tx.Data, "0x") {
			return nil, fmt.Errorf("data lacks 0x prefix")
		}
		if p.data, err = hex.DecodeString(tx.Data[2:]); err != nil {
			return nil, fmt.Errorf("malformed data: %w", err)
		}
	}

	if p.access, err = encodeAccessList(tx.AccessList); err != nil {
		return nil, err
	}
	if p.txType == TxTypeSetCode {
		if p.auth, err = encodeAuthorizationList(tx.AuthorizationList); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func encodeAccessList(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return rlpEncodeList(), nil
	}
	var tuples []accessTuple
	if err := json.Unmarshal(raw, &tuples); err != nil {
		return nil, fmt.Errorf("malformed access list: %w", err)
	}

	items := make([][]byte, 0, len(tuples))
	for _, t := range tuples {
		if !IsAddressValid(t.Address) {
			return nil, fmt.Errorf("invalid access list address %q", t.Address)
		}
		addr, err := hex.DecodeString(t.Address[2:])
		if err != nil {
			return nil, err
		}
		keys := make([][]byte, 0, len(t.StorageKeys))
		for _, k := range t.StorageKeys {
			kb, err := ParseQuantity(k)
			if err != nil {
				return nil, err
			}
			keys = append(keys, rlpEncodeBytes(leftPad32(kb.Bytes())))
		}
		items = append(items, rlpEncodeList(rlpEncodeBytes(addr), rlpEncodeList(keys...)))
	}
	return rlpEncodeList(items...), nil
}

func encodeAuthorizationList(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("set-code transaction requires a non-empty authorization list")
	}
	var auths []authorization
	if err := json.Unmarshal(raw, &auths); err != nil {
		return nil, fmt.Errorf("malformed authorization list: %w", err)
	}

	items := make([][]byte, 0, len(auths))
	for _, a := range auths {
		if !IsAddressValid(a.Address) {
			return nil, fmt.Errorf("invalid authorization address %q", a.Address)
		}
		addr, err := hex.DecodeString(a.Address[2:])
		if err != nil {
			return nil, err
		}
		fields := make([][]byte, 0, 6)
		for _, q := range []string{a.ChainID, a.Nonce, a.YParity, a.R, a.S} {
			v, err := ParseQuantity(q)
			if err != nil {
				return nil, err
			}
			fields = append(fields, rlpEncodeUint(v))
		}
		items = append(items, rlpEncodeList(
			fields[0], rlpEncodeBytes(addr), fields[1], fields[2], fields[3], fields[4],
		))
	}
	return rlpEncodeList(items...), nil
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// SigningDigest computes the keccak digest a sender signs for the
// transaction: the EIP-155 list form for legacy, the typed envelope
// (type byte plus RLP body) for every other type.
func SigningDigest(tx TxParams) ([]byte, error) {
	p, err := prepareTx(tx)
	if err != nil {
		return nil, err
	}

	switch p.txType {
	case TxTypeLegacy:
		body := rlpEncodeList(
			rlpEncodeUint(p.nonce),
			rlpEncodeUint(p.gasPrice),
			rlpEncodeUint(p.gas),
			rlpEncodeBytes(p.to),
			rlpEncodeUint(p.value),
			rlpEncodeBytes(p.data),
			rlpEncodeUint(p.chainID),
			rlpEncodeUint(nil),
			rlpEncodeUint(nil),
		)
		return Keccak256(body), nil

	case TxTypeAccessList:
		body := rlpEncodeList(
			rlpEncodeUint(p.chainID),
			rlpEncodeUint(p.nonce),
			rlpEncodeUint(p.gasPrice),
			rlpEncodeUint(p.gas),
			rlpEncodeBytes(p.to),
			rlpEncodeUint(p.value),
			rlpEncodeBytes(p.data),
			p.access,
		)
		return Keccak256([]byte{0x01}, body), nil

	case TxTypeDynamicFee:
		return Keccak256([]byte{0x02}, dynamicFeeBody(p)), nil

	case TxTypeSetCode:
		body := rlpEncodeList(
			rlpEncodeUint(p.chainID),
			rlpEncodeUint(p.nonce),
			rlpEncodeUint(p.tipCap),
			rlpEncodeUint(p.feeCap),
			rlpEncodeUint(p.gas),
			rlpEncodeBytes(p.to),
			rlpEncodeUint(p.value),
			rlpEncodeBytes(p.data),
			p.access,
			p.auth,
		)
		return Keccak256([]byte{0x04}, body), nil

	default:
		return nil, fmt.Errorf("unsupported transaction type %q", p.txType)
	}
}

func dynamicFeeBody(p *preparedTx) []byte {
	return rlpEncodeList(
		rlpEncodeUint(p.chainID),
		rlpEncodeUint(p.nonce),
		rlpEncodeUint(p.tipCap),
		rlpEncodeUint(p.feeCap),
		rlpEncodeUint(p.gas),
		rlpEncodeBytes(p.to),
		rlpEncodeUint(p.value),
		rlpEncodeBytes(p.data),
		p.access,
	)
}

// EncodeSigned assembles the raw broadcastable transaction from the params
// and a 65-byte R||S||V signature over SigningDigest.
func EncodeSigned(tx TxParams, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	p, err := prepareTx(tx)
	if err != nil {
		return "", err
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	recID := uint64(sig[64])
	if recID >= 27 {
		recID -= 27
	}
	yParity := new(big.Int).SetUint64(recID)

	var raw []byte
	switch p.txType {
	case TxTypeLegacy:
		// EIP-155: v = chainId*2 + 35 + recid.
		v := new(big.Int).Mul(p.chainID, big.NewInt(2))
		v.Add(v, big.NewInt(35))
		v.Add(v, yParity)
		raw = rlpEncodeList(
			rlpEncodeUint(p.nonce),
			rlpEncodeUint(p.gasPrice),
			rlpEncodeUint(p.gas),
			rlpEncodeBytes(p.to),
			rlpEncodeUint(p.value),
			rlpEncodeBytes(p.data),
			rlpEncodeUint(v),
			rlpEncodeUint(r),
			rlpEncodeUint(s),
		)

	case TxTypeAccessList:
		body := rlpEncodeList(
			rlpEncodeUint(p.chainID),
			rlpEncodeUint(p.nonce),
			rlpEncodeUint(p.gasPrice),
			rlpEncodeUint(p.gas),
			rlpEncodeBytes(p.to),
			rlpEncodeUint(p.value),
			rlpEncodeBytes(p.data),
			p.access,
			rlpEncodeUint(yParity),
			rlpEncodeUint(r),
			rlpEncodeUint(s),
		)
		raw = append([]byte{0x01}, body...)

	case TxTypeDynamicFee:
		body := rlpEncodeList(
			rlpEncodeUint(p.chainID),
			rlpEncodeUint(p.nonce),
			rlpEncodeUint(p.tipCap),
			rlpEncodeUint(p.feeCap),
			rlpEncodeUint(p.gas),
			rlpEncodeBytes(p.to),
			rlpEncodeUint(p.value),
			rlpEncodeBytes(p.data),
			p.access,
			rlpEncodeUint(yParity),
			rlpEncodeUint(r),
			rlpEncodeUint(s),
		)
		raw = append([]byte{0x02}, body...)

	case TxTypeSetCode:
		body := rlpEncodeList(
			rlpEncodeUint(p.chainID),
			rlpEncodeUint(p.nonce),
			rlpEncodeUint(p.tipCap),
			rlpEncodeUint(p.feeCap),
			rlpEncodeUint(p.gas),
			rlpEncodeBytes(p.to),
			rlpEncodeUint(p.value),
			rlpEncodeBytes(p.data),
			p.access,
			p.auth,
			rlpEncodeUint(yParity),
			rlpEncodeUint(r),
			rlpEncodeUint(s),
		)
		raw = append([]byte{0x04}, body...)

	default:
		return "", fmt.Errorf("unsupported transaction type %q", p.txType)
	}

	return "0x" + hex.EncodeToString(raw), nil
}
