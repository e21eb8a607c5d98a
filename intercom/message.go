// Package intercom carries the daemon's port-based RPC: frontends (popup
// surfaces, CLI, content-script relays) connect over TCP or vsock, exchange
// length-prefixed JSON messages correlated by request id, and receive state
// broadcasts. DApp traffic can additionally be relayed over NATS subjects.
package intercom

import (
	"encoding/json"

	"github.com/google/uuid"
)

// MessageType discriminates the envelope.
type MessageType string

const (
	TypeGetStateRequest  MessageType = "GetStateRequest"
	TypeGetStateResponse MessageType = "GetStateResponse"

	TypeNewWalletRequest  MessageType = "NewWalletRequest"
	TypeNewWalletResponse MessageType = "NewWalletResponse"

	TypeUnlockRequest  MessageType = "UnlockRequest"
	TypeUnlockResponse MessageType = "UnlockResponse"

	TypeLockRequest  MessageType = "LockRequest"
	TypeLockResponse MessageType = "LockResponse"

	TypeCreateAccountRequest  MessageType = "CreateAccountRequest"
	TypeCreateAccountResponse MessageType = "CreateAccountResponse"

	TypeImportAccountRequest  MessageType = "ImportAccountRequest"
	TypeImportAccountResponse MessageType = "ImportAccountResponse"

	TypeEditAccountRequest  MessageType = "EditAccountRequest"
	TypeEditAccountResponse MessageType = "EditAccountResponse"

	TypeRemoveAccountRequest  MessageType = "RemoveAccountRequest"
	TypeRemoveAccountResponse MessageType = "RemoveAccountResponse"

	TypeRevealRequest  MessageType = "RevealRequest"
	TypeRevealResponse MessageType = "RevealResponse"

	TypeOperationsRequest  MessageType = "OperationsRequest"
	TypeOperationsResponse MessageType = "OperationsResponse"

	TypeSignRequest  MessageType = "SignRequest"
	TypeSignResponse MessageType = "SignResponse"

	TypeSettingsRequest  MessageType = "SettingsRequest"
	TypeSettingsResponse MessageType = "SettingsResponse"

	TypeDAppGetPayloadRequest  MessageType = "DAppGetPayloadRequest"
	TypeDAppGetPayloadResponse MessageType = "DAppGetPayloadResponse"

	TypeDAppPermConfirmationRequest  MessageType = "DAppPermConfirmationRequest"
	TypeDAppPermConfirmationResponse MessageType = "DAppPermConfirmationResponse"

	TypeDAppOpsConfirmationRequest  MessageType = "DAppOpsConfirmationRequest"
	TypeDAppOpsConfirmationResponse MessageType = "DAppOpsConfirmationResponse"

	TypeDAppSignConfirmationRequest  MessageType = "DAppSignConfirmationRequest"
	TypeDAppSignConfirmationResponse MessageType = "DAppSignConfirmationResponse"

	// Confirmation carries the surface's decision on a confirmation the
	// daemon originated itself (Operations/Sign requests).
	TypeConfirmationRequest  MessageType = "ConfirmationRequest"
	TypeConfirmationResponse MessageType = "ConfirmationResponse"

	TypeNetworksRequest  MessageType = "NetworksRequest"
	TypeNetworksResponse MessageType = "NetworksResponse"

	TypeAddNetworkRequest  MessageType = "AddNetworkRequest"
	TypeAddNetworkResponse MessageType = "AddNetworkResponse"

	TypeRemoveNetworkRequest  MessageType = "RemoveNetworkRequest"
	TypeRemoveNetworkResponse MessageType = "RemoveNetworkResponse"

	TypeBackupRequest  MessageType = "BackupRequest"
	TypeBackupResponse MessageType = "BackupResponse"

	// ConfirmationRequested is broadcast when a confirmation surface
	// should open for a request id.
	TypeConfirmationRequested MessageType = "ConfirmationRequested"

	// ConfirmationExpired is a notification; no response is expected.
	TypeConfirmationExpired MessageType = "ConfirmationExpired"

	// StateUpdated is broadcast to every connected frontend on a session
	// state transition.
	TypeStateUpdated MessageType = "StateUpdated"

	TypeError MessageType = "Error"
)

// Message is the wire envelope. Payload shape depends on Type.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(t MessageType, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, RequestID: uuid.NewString(), Payload: raw}, nil
}

// NewResponse builds a response correlated to req.
func NewResponse(req *Message, t MessageType, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, RequestID: req.RequestID, Payload: raw}, nil
}

// NewErrorResponse builds an error response correlated to req.
func NewErrorResponse(req *Message, err error) *Message {
	return &Message{Type: TypeError, RequestID: req.RequestID, Error: err.Error()}
}

// Notification builds an uncorrelated push message.
func Notification(t MessageType, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Payload: raw}, nil
}

// DecodePayload unmarshals the message payload into out.
func (m *Message) DecodePayload(out interface{}) error {
	return json.Unmarshal(m.Payload, out)
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}
