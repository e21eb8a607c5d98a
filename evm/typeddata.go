package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TypedData is an eth_signTypedData_v4 payload (EIP-712).
type TypedData struct {
	Types       map[string][]TypedDataField `json:"types"`
	PrimaryType string                      `json:"primaryType"`
	Domain      map[string]interface{}      `json:"domain"`
	Message     map[string]interface{}      `json:"message"`
}

// TypedDataField is one member of a struct type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var arrayTypeRe = regexp.MustCompile(`^(.+?)\[(\d*)\]$`)

// HashTypedData computes the EIP-712 signing digest:
// keccak256(0x19 0x01 || domainSeparator || hashStruct(primaryType, message)).
func HashTypedData(data *TypedData) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("typed data is nil")
	}
	if _, ok := data.Types["EIP712Domain"]; !ok {
		return nil, fmt.Errorf("typed data missing EIP712Domain type")
	}
	if data.PrimaryType != "EIP712Domain" {
		if _, ok := data.Types[data.PrimaryType]; !ok {
			return nil, fmt.Errorf("unknown primary type %q", data.PrimaryType)
		}
	}

	domainHash, err := hashStruct(data.Types, "EIP712Domain", data.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// Signing only the domain is legal (primaryType == EIP712Domain).
	if data.PrimaryType == "EIP712Domain" {
		return Keccak256([]byte{0x19, 0x01}, domainHash), nil
	}

	messageHash, err := hashStruct(data.Types, data.PrimaryType, data.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	return Keccak256([]byte{0x19, 0x01}, domainHash, messageHash), nil
}

func hashStruct(types map[string][]TypedDataField, typeName string, value map[string]interface{}) ([]byte, error) {
	typeHash := Keccak256([]byte(encodeType(types, typeName)))

	encoded := make([]byte, 0, 32*(len(types[typeName])+1))
	encoded = append(encoded, typeHash...)

	for _, field := range types[typeName] {
		word, err := encodeValue(types, field.Type, value[field.Name])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}
		encoded = append(encoded, word...)
	}
	return Keccak256(encoded), nil
}

// encodeType renders "Name(type1 name1,...)" followed by every referenced
// struct type in alphabetical order.
func encodeType(types map[string][]TypedDataField, typeName string) string {
	deps := map[string]bool{}
	collectDeps(types, typeName, deps)
	delete(deps, typeName)

	order := make([]string, 0, len(deps))
	for dep := range deps {
		order = append(order, dep)
	}
	sort.Strings(order)

	var sb strings.Builder
	for _, name := range append([]string{typeName}, order...) {
		sb.WriteString(name)
		sb.WriteByte('(')
		for i, field := range types[name] {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(field.Type)
			sb.WriteByte(' ')
			sb.WriteString(field.Name)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func collectDeps(types map[string][]TypedDataField, typeName string, seen map[string]bool) {
	base := baseType(typeName)
	if seen[base] {
		return
	}
	if _, ok := types[base]; !ok {
		return
	}
	seen[base] = true
	for _, field := range types[base] {
		collectDeps(types, field.Type, seen)
	}
}

func baseType(typeName string) string {
	if m := arrayTypeRe.FindStringSubmatch(typeName); m != nil {
		return baseType(m[1])
	}
	return typeName
}

func encodeValue(types map[string][]TypedDataField, typeName string, value interface{}) ([]byte, error) {
	// Arrays hash the concatenation of their element encodings.
	if m := arrayTypeRe.FindStringSubmatch(typeName); m != nil {
		items, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array for %s", typeName)
		}
		if m[2] != "" {
			if n, _ := strconv.Atoi(m[2]); n != len(items) {
				return nil, fmt.Errorf("expected %s elements, got %d", m[2], len(items))
			}
		}
		encoded := make([]byte, 0, 32*len(items))
		for _, item := range items {
			word, err := encodeValue(types, m[1], item)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, word...)
		}
		return Keccak256(encoded), nil
	}

	// Nested struct types hash recursively.
	if _, ok := types[typeName]; ok {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected object for %s", typeName)
		}
		return hashStruct(types, typeName, obj)
	}

	switch {
	case typeName == "string":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string")
		}
		return Keccak256([]byte(s)), nil

	case typeName == "bytes":
		raw, err := toBytes(value)
		if err != nil {
			return nil, err
		}
		return Keccak256(raw), nil

	case strings.HasPrefix(typeName, "bytes"):
		n, err := strconv.Atoi(typeName[5:])
		if err != nil || n < 1 || n > 32 {
			return nil, fmt.Errorf("invalid type %q", typeName)
		}
		raw, err := toBytes(value)
		if err != nil {
			return nil, err
		}
		if len(raw) != n {
			return nil, fmt.Errorf("expected %d bytes, got %d", n, len(raw))
		}
		word := make([]byte, 32)
		copy(word, raw)
		return word, nil

	case typeName == "address":
		s, ok := value.(string)
		if !ok || !IsAddressValid(s) {
			return nil, fmt.Errorf("expected address")
		}
		raw, _ := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		word := make([]byte, 32)
		copy(word[12:], raw)
		return word, nil

	case typeName == "bool":
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool")
		}
		word := make([]byte, 32)
		if b {
			word[31] = 1
		}
		return word, nil

	case strings.HasPrefix(typeName, "uint"), strings.HasPrefix(typeName, "int"):
		n, err := toBigInt(value)
		if err != nil {
			return nil, err
		}
		word := make([]byte, 32)
		if n.Sign() < 0 {
			// Two's complement for signed types.
			n = new(big.Int).Add(n, new(big.Int).Lsh(big.NewInt(1), 256))
		}
		n.FillBytes(word)
		return word, nil
	}

	return nil, fmt.Errorf("unsupported type %q", typeName)
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return DecodeHexPayload(v)
	case []byte:
		return v, nil
	}
	return nil, fmt.Errorf("expected hex string or bytes")
}

func toBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case float64:
		return big.NewInt(int64(v)), nil
	case string:
		base := 10
		s := v
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "-0x") {
			base = 16
			s = strings.Replace(s, "0x", "", 1)
		}
		n, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil, fmt.Errorf("invalid number %q", v)
		}
		return n, nil
	case *big.Int:
		return v, nil
	}
	return nil, fmt.Errorf("expected number")
}
