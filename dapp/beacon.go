package dapp

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Beacon wire message types.
const (
	BeaconTypePermissionRequest  = "permission_request"
	BeaconTypePermissionResponse = "permission_response"
	BeaconTypeOperationRequest   = "operation_request"
	BeaconTypeOperationResponse  = "operation_response"
	BeaconTypeSignRequest        = "sign_payload_request"
	BeaconTypeSignResponse       = "sign_payload_response"
	BeaconTypeBroadcastRequest   = "broadcast_request"
	BeaconTypeBroadcastResponse  = "broadcast_response"
	BeaconTypeError              = "error"
	BeaconTypeDisconnect         = "disconnect"
)

// BeaconEnvelope is the versioned outer message. V3 wraps the inner message
// under a blockchain identifier; V2 carries the fields inline. Both decode
// into the same shape.
type BeaconEnvelope struct {
	Version  string          `json:"version"`
	ID       string          `json:"id"`
	SenderID string          `json:"senderId,omitempty"`
	Type     string          `json:"type"`
	Message  json.RawMessage `json:"message,omitempty"`

	// V3 only
	BlockchainIdentifier string `json:"blockchainIdentifier,omitempty"`
}

// DecodeBeaconEnvelope parses either envelope version into the inner request
// body and its type. V3 message bodies nest one level deeper than V2.
func DecodeBeaconEnvelope(raw []byte) (*BeaconEnvelope, json.RawMessage, error) {
	var env BeaconEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed envelope", ErrInvalidParams)
	}

	switch env.Version {
	case "2", "":
		// V2 carries the request fields inline with the envelope.
		return &env, raw, nil
	case "3":
		if env.BlockchainIdentifier != "" && env.BlockchainIdentifier != "tezos" {
			return nil, nil, fmt.Errorf("%w: blockchain %q", ErrInvalidParams, env.BlockchainIdentifier)
		}
		if len(env.Message) == 0 {
			return nil, nil, fmt.Errorf("%w: empty v3 message", ErrInvalidParams)
		}
		var inner struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(env.Message, &inner); err != nil {
			return nil, nil, fmt.Errorf("%w: malformed v3 message", ErrInvalidParams)
		}
		env.Type = inner.Type
		return &env, env.Message, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidParams, env.Version)
	}
}

// EncodeBeaconResponse builds a reply envelope matching the request's
// version and correlation id.
func EncodeBeaconResponse(req *BeaconEnvelope, respType string, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	if req.Version == "3" {
		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg["type"] = respType
		inner, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(BeaconEnvelope{
			Version:              "3",
			ID:                   req.ID,
			BlockchainIdentifier: "tezos",
			Message:              inner,
		})
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	msg["version"] = "2"
	msg["id"] = req.ID
	msg["type"] = respType
	return json.Marshal(msg)
}

// Channel is one encrypted Beacon channel with a dApp, established from our
// keypair and the dApp's handshake public key.
type Channel struct {
	shared [32]byte
}

// NewChannel precomputes the shared key for the counterpart.
func NewChannel(counterpartPub *[32]byte, ourPriv *[32]byte) *Channel {
	ch := &Channel{}
	box.Precompute(&ch.shared, counterpartPub, ourPriv)
	return ch
}

// GenerateChannelKeyPair creates a fresh handshake keypair.
func GenerateChannelKeyPair() (pub, priv *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// Seal encrypts a message for the channel, nonce prepended.
func (ch *Channel) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return box.SealAfterPrecomputation(nonce[:], plaintext, &nonce, &ch.shared), nil
}

// Open decrypts a sealed channel message.
func (ch *Channel) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("sealed message too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := box.OpenAfterPrecomputation(nil, sealed[24:], &nonce, &ch.shared)
	if !ok {
		return nil, errors.New("failed to open channel message")
	}
	return plaintext, nil
}

// ParseCounterpartKey decodes a hex-encoded handshake public key.
func ParseCounterpartKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: malformed public key", ErrInvalidParams)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
