package dapp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/confirm"
	"github.com/templewallet/walletd/tezos"
	"github.com/templewallet/walletd/vault"
)

// Wallet is the slice of the unlocked vault the dApp flows need.
type Wallet interface {
	RevealPublicKey(pkh string) (string, error)
	Sign(ctx context.Context, pkh string, bytes, watermark []byte) (*vault.Signature, error)
	SendOperations(ctx context.Context, rpc tezos.RPC, pkh string, ops []tezos.OpParam) (string, error)
}

// Handler serves Tezos dApp requests. Every privileged flow runs through the
// confirmation broker; the session registry gates which origin may act on
// which address.
type Handler struct {
	registry *Registry
	broker   *confirm.Broker
	wallet   func() (Wallet, error)
	rpcFor   func(network string) (tezos.RPC, error)
}

func NewHandler(
	registry *Registry,
	broker *confirm.Broker,
	wallet func() (Wallet, error),
	rpcFor func(network string) (tezos.RPC, error),
) *Handler {
	return &Handler{registry: registry, broker: broker, wallet: wallet, rpcFor: rpcFor}
}

// PermissionRequest asks to connect an origin to an account on a network.
type PermissionRequest struct {
	Network string  `json:"network"`
	AppMeta AppMeta `json:"appMeta"`
	Force   bool    `json:"force,omitempty"`
}

// PermissionResponse is the granted view: address, key and network.
type PermissionResponse struct {
	Pkh       string `json:"pkh"`
	PublicKey string `json:"publicKey"`
	Network   string `json:"rpc"`
}

// OperationRequest asks to inject a batch on behalf of the connected account.
type OperationRequest struct {
	SourcePkh string          `json:"sourcePkh"`
	OpParams  []tezos.OpParam `json:"opParams"`
}

// SignRequest asks to sign a raw hex payload.
type SignRequest struct {
	SourcePkh string `json:"sourcePkh"`
	Payload   string `json:"payload"`
}

// Confirmation messages pushed by the surface.
const (
	msgTypePermConfirmation = "DAppPermConfirmationRequest"
	msgTypeOpsConfirmation  = "DAppOpsConfirmationRequest"
	msgTypeSignConfirmation = "DAppSignConfirmationRequest"
)

type confirmationMessage struct {
	Type        string          `json:"type"`
	Confirmed   bool            `json:"confirmed"`
	AccountPkh  string          `json:"accountPkh,omitempty"`
	ModifiedOps []tezos.OpParam `json:"modifiedOpParams,omitempty"`
}

type confirmationAck struct {
	Type string `json:"type"`
}

// confirmPayload is what the surface renders.
type confirmPayload struct {
	Type      string          `json:"type"`
	Origin    string          `json:"origin"`
	Network   string          `json:"network"`
	AppMeta   AppMeta         `json:"appMeta"`
	SourcePkh string          `json:"sourcePkh,omitempty"`
	OpParams  []tezos.OpParam `json:"opParams,omitempty"`
	Payload   string          `json:"payload,omitempty"`
}

// GetCurrentPermission returns the existing grant for origin without
// prompting, or nil when the origin has none.
func (h *Handler) GetCurrentPermission(origin string) (*PermissionResponse, error) {
	session, ok, err := h.registry.Session(origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &PermissionResponse{
		Pkh:       session.Pkh,
		PublicKey: session.PublicKey,
		Network:   session.Network,
	}, nil
}

// RequestPermission connects origin to a user-chosen account. An existing
// grant for the same origin and network is returned without prompting unless
// the request forces a fresh one.
func (h *Handler) RequestPermission(ctx context.Context, origin string, req PermissionRequest) (*PermissionResponse, error) {
	if req.Network == "" {
		return nil, ErrInvalidParams
	}
	if _, err := h.rpcFor(req.Network); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotSupported, req.Network)
	}

	if !req.Force {
		existing, ok, err := h.registry.Session(origin)
		if err != nil {
			return nil, err
		}
		if ok && existing.Network == req.Network {
			return &PermissionResponse{
				Pkh:       existing.Pkh,
				PublicKey: existing.PublicKey,
				Network:   existing.Network,
			}, nil
		}
	}

	var granted *PermissionResponse
	err := h.broker.RequestConfirm(ctx, confirm.Params{
		Payload: confirmPayload{
			Type:    "connect",
			Origin:  origin,
			Network: req.Network,
			AppMeta: req.AppMeta,
		},
		Timeout: confirm.DAppAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var msg confirmationMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgTypePermConfirmation {
				return nil, nil
			}
			if !msg.Confirmed || msg.AccountPkh == "" {
				return confirmationAck{Type: msgTypePermConfirmation + "Response"}, nil
			}

			w, err := h.wallet()
			if err != nil {
				return nil, err
			}
			publicKey, err := w.RevealPublicKey(msg.AccountPkh)
			if err != nil {
				return nil, err
			}

			session := Session{
				Network:   req.Network,
				AppMeta:   req.AppMeta,
				Pkh:       msg.AccountPkh,
				PublicKey: publicKey,
			}
			if err := h.registry.SetSession(origin, session); err != nil {
				return nil, err
			}

			granted = &PermissionResponse{
				Pkh:       session.Pkh,
				PublicKey: session.PublicKey,
				Network:   session.Network,
			}
			log.Info().Str("origin", origin).Str("pkh", session.Pkh).Msg("DApp permission granted")
			return confirmationAck{Type: msgTypePermConfirmation + "Response"}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return nil, ErrNotGranted
		}
		return nil, err
	}
	if granted == nil {
		return nil, ErrNotGranted
	}
	return granted, nil
}

// RequestOperation confirms and injects a batch for the connected account.
// The confirmation payload is annotated with dry-run estimates when the
// simulation succeeds; a failed simulation shows the raw params.
func (h *Handler) RequestOperation(ctx context.Context, origin string, req OperationRequest) (string, error) {
	session, err := h.checkSession(origin, req.SourcePkh)
	if err != nil {
		return "", err
	}
	if len(req.OpParams) == 0 {
		return "", ErrInvalidParams
	}

	rpc, err := h.rpcFor(session.Network)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNetworkNotSupported, session.Network)
	}

	var opHash string
	err = h.broker.RequestConfirm(ctx, confirm.Params{
		Payload: confirmPayload{
			Type:      "confirm_operations",
			Origin:    origin,
			Network:   session.Network,
			AppMeta:   session.AppMeta,
			SourcePkh: req.SourcePkh,
			OpParams:  req.OpParams,
		},
		TransformPayload: func(ctx context.Context, payload interface{}) (interface{}, error) {
			annotated, err := dryRunOpParams(ctx, rpc, req.SourcePkh, req.OpParams)
			if err != nil {
				return nil, err
			}
			p := payload.(confirmPayload)
			p.OpParams = annotated
			return p, nil
		},
		Timeout: confirm.DAppAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var msg confirmationMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgTypeOpsConfirmation {
				return nil, nil
			}
			if !msg.Confirmed {
				return confirmationAck{Type: msgTypeOpsConfirmation + "Response"}, nil
			}
			if msg.AccountPkh != session.Pkh {
				return nil, ErrNotFound
			}

			w, err := h.wallet()
			if err != nil {
				return nil, err
			}
			ops := req.OpParams
			if len(msg.ModifiedOps) > 0 {
				ops = msg.ModifiedOps
			}
			hash, err := w.SendOperations(ctx, rpc, session.Pkh, ops)
			if err != nil {
				return nil, err
			}
			opHash = hash
			return confirmationAck{Type: msgTypeOpsConfirmation + "Response"}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return "", ErrNotGranted
		}
		return "", err
	}
	if opHash == "" {
		return "", ErrNotGranted
	}
	return opHash, nil
}

// RequestSign confirms and signs a raw hex payload for the connected account.
func (h *Handler) RequestSign(ctx context.Context, origin string, req SignRequest) (string, error) {
	session, err := h.checkSession(origin, req.SourcePkh)
	if err != nil {
		return "", err
	}
	payloadBytes, err := hex.DecodeString(req.Payload)
	if err != nil {
		return "", ErrInvalidParams
	}

	var signature string
	err = h.broker.RequestConfirm(ctx, confirm.Params{
		Payload: confirmPayload{
			Type:      "confirm_sign",
			Origin:    origin,
			Network:   session.Network,
			AppMeta:   session.AppMeta,
			SourcePkh: req.SourcePkh,
			Payload:   req.Payload,
		},
		Timeout: confirm.DAppAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var msg confirmationMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgTypeSignConfirmation {
				return nil, nil
			}
			if !msg.Confirmed {
				return confirmationAck{Type: msgTypeSignConfirmation + "Response"}, nil
			}
			if msg.AccountPkh != session.Pkh {
				return nil, ErrNotFound
			}

			w, err := h.wallet()
			if err != nil {
				return nil, err
			}
			sig, err := w.Sign(ctx, session.Pkh, payloadBytes, nil)
			if err != nil {
				return nil, err
			}
			signature = sig.Sig
			return confirmationAck{Type: msgTypeSignConfirmation + "Response"}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return "", ErrNotGranted
		}
		return "", err
	}
	if signature == "" {
		return "", ErrNotGranted
	}
	return signature, nil
}

// RequestBroadcast injects an already-signed operation without prompting:
// the dApp holds the signature, there is nothing left to confirm.
func (h *Handler) RequestBroadcast(ctx context.Context, origin, signedHex string) (string, error) {
	session, ok, err := h.registry.Session(origin)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotGranted
	}

	signed, err := hex.DecodeString(signedHex)
	if err != nil {
		return "", ErrInvalidParams
	}

	rpc, err := h.rpcFor(session.Network)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNetworkNotSupported, session.Network)
	}
	return rpc.Inject(ctx, signed)
}

// RemoveDApp revokes the origin's grant.
func (h *Handler) RemoveDApp(origin string) error {
	return h.registry.RemoveSession(origin)
}

func (h *Handler) checkSession(origin, sourcePkh string) (*Session, error) {
	session, ok, err := h.registry.Session(origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotGranted
	}
	if sourcePkh != session.Pkh {
		return nil, ErrNotFound
	}
	return session, nil
}

// dryRunOpParams simulates the batch to pre-fill fee and limit estimates.
// Estimated gas limits are clamped to the protocol's per-operation cap
// before they are shown.
func dryRunOpParams(ctx context.Context, rpc tezos.RPC, sourcePkh string, ops []tezos.OpParam) ([]tezos.OpParam, error) {
	estimated, err := rpc.Simulate(ctx, sourcePkh, ops)
	if err != nil {
		return nil, err
	}

	out := make([]tezos.OpParam, len(estimated))
	for i, op := range estimated {
		out[i] = op.Clone()
		if raw, ok := out[i]["gas_limit"].(string); ok {
			if limit, err := strconv.ParseInt(raw, 10, 64); err == nil && limit > tezos.HardGasLimitPerOperation {
				out[i]["gas_limit"] = strconv.FormatInt(tezos.HardGasLimitPerOperation, 10)
			}
		}
	}
	return out, nil
}
