package evmdapp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/confirm"
	"github.com/templewallet/walletd/evm"
)

// ChainClient is the node surface for one EVM chain.
type ChainClient interface {
	// LatestBaseFee returns the latest block's baseFeePerGas; ok is false
	// on chains that predate EIP-1559.
	LatestBaseFee(ctx context.Context) (fee string, ok bool, err error)

	// PendingNonce returns the next nonce for the address.
	PendingNonce(ctx context.Context, address string) (string, error)

	// SendRawTransaction broadcasts a signed raw transaction and returns
	// its hash.
	SendRawTransaction(ctx context.Context, rawHex string) (string, error)
}

// Wallet is the slice of the unlocked vault the EVM flows need.
type Wallet interface {
	SignEvmDigest(address string, digest []byte) (string, error)
}

// Handler dispatches EIP-1193 requests for dApp origins.
type Handler struct {
	registry *Registry
	broker   *confirm.Broker
	wallet   func() (Wallet, error)
	chainFor func(chainID string) (ChainClient, error)
	prober   *feeProber
}

func NewHandler(
	registry *Registry,
	broker *confirm.Broker,
	wallet func() (Wallet, error),
	chainFor func(chainID string) (ChainClient, error),
) *Handler {
	return &Handler{
		registry: registry,
		broker:   broker,
		wallet:   wallet,
		chainFor: chainFor,
		prober:   newFeeProber(),
	}
}

// Request is one dispatched EIP-1193 call.
type Request struct {
	Origin  string          `json:"origin"`
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	AppMeta AppMeta         `json:"appMeta,omitempty"`
}

// Permission is the wallet_getPermissions result shape.
type Permission struct {
	ParentCapability string `json:"parentCapability"`
	Invoker          string `json:"invoker"`
}

// Dispatch routes a request to its method handler.
func (h *Handler) Dispatch(ctx context.Context, req Request) (interface{}, error) {
	switch req.Method {
	case "eth_requestAccounts":
		return h.requestAccounts(ctx, req)
	case "eth_accounts":
		return h.accounts(req.Origin)
	case "eth_chainId":
		return h.chainID(req)
	case "eth_sendTransaction":
		return h.sendTransaction(ctx, req)
	case "personal_sign":
		return h.personalSign(ctx, req)
	case "eth_signTypedData_v4":
		return h.signTypedData(ctx, req)
	case "wallet_switchEthereumChain":
		return h.switchChain(req)
	case "wallet_getPermissions":
		return h.permissions(req.Origin)
	case "wallet_requestPermissions":
		return h.requestPermissions(ctx, req)
	case "wallet_revokePermissions":
		return h.revokePermissions(req.Origin)
	default:
		return nil, errMethodNotFound(req.Method)
	}
}

// checkDApp returns the origin's session, rejecting origins with no granted
// accounts.
func (h *Handler) checkDApp(origin string) (*Session, error) {
	session, ok, err := h.registry.Session(origin)
	if err != nil {
		return nil, err
	}
	if !ok || len(session.Accounts) == 0 {
		return nil, errUnauthorized()
	}
	return session, nil
}

// assertDAppChainId rejects requests targeting a chain other than the one
// the origin is connected to.
func assertDAppChainId(session *Session, chainID string) error {
	if chainID != "" && chainID != session.ChainID {
		return errChainDisconnected(chainID)
	}
	return nil
}

// connectedAccount verifies the address belongs to the session's grant.
func connectedAccount(session *Session, address string) error {
	for _, acc := range session.Accounts {
		if evm.SameAddress(acc, address) {
			return nil
		}
	}
	return errUnauthorized()
}

type connectMessage struct {
	Type      string   `json:"type"`
	Confirmed bool     `json:"confirmed"`
	Accounts  []string `json:"accounts,omitempty"`
}

type actionMessage struct {
	Type      string `json:"type"`
	Confirmed bool   `json:"confirmed"`
	Account   string `json:"accountAddress,omitempty"`
}

type confirmPayload struct {
	Type    string      `json:"type"`
	Origin  string      `json:"origin"`
	ChainID string      `json:"chainId"`
	AppMeta AppMeta     `json:"appMeta"`
	Account string      `json:"accountAddress,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	msgTypeConnectConfirmation = "EvmDAppConnectConfirmationRequest"
	msgTypeActionConfirmation  = "EvmDAppActionConfirmationRequest"
)

func (h *Handler) requestAccounts(ctx context.Context, req Request) ([]string, error) {
	if session, ok, err := h.registry.Session(req.Origin); err != nil {
		return nil, err
	} else if ok && len(session.Accounts) > 0 {
		return session.Accounts, nil
	}

	if _, err := h.chainFor(req.ChainID); err != nil {
		return nil, errUnrecognizedChain(req.ChainID)
	}

	var granted []string
	err := h.broker.RequestConfirm(ctx, confirm.Params{
		Payload: confirmPayload{
			Type:    "connect",
			Origin:  req.Origin,
			ChainID: req.ChainID,
			AppMeta: req.AppMeta,
		},
		Timeout: confirm.DAppAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var msg connectMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgTypeConnectConfirmation {
				return nil, nil
			}
			if !msg.Confirmed || len(msg.Accounts) == 0 {
				return connectMessage{Type: msgTypeConnectConfirmation + "Response"}, nil
			}
			for _, acc := range msg.Accounts {
				if !evm.IsAddressValid(acc) {
					return nil, errInvalidParams("invalid account address")
				}
			}

			session := Session{ChainID: req.ChainID, Accounts: msg.Accounts, AppMeta: req.AppMeta}
			if err := h.registry.SetSession(req.Origin, session); err != nil {
				return nil, err
			}
			granted = msg.Accounts
			log.Info().Str("origin", req.Origin).Str("chain_id", req.ChainID).Msg("EVM dApp connected")
			return connectMessage{Type: msgTypeConnectConfirmation + "Response", Accounts: msg.Accounts}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return nil, errUserRejected()
		}
		return nil, err
	}
	if len(granted) == 0 {
		return nil, errUserRejected()
	}
	return granted, nil
}

func (h *Handler) accounts(origin string) ([]string, error) {
	session, ok, err := h.registry.Session(origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	return session.Accounts, nil
}

func (h *Handler) chainID(req Request) (string, error) {
	if session, ok, err := h.registry.Session(req.Origin); err != nil {
		return "", err
	} else if ok {
		return session.ChainID, nil
	}
	return req.ChainID, nil
}

func (h *Handler) switchChain(req Request) (interface{}, error) {
	var params []struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 || params[0].ChainID == "" {
		return nil, errInvalidParams("expected [{chainId}]")
	}
	target := params[0].ChainID

	if _, err := h.chainFor(target); err != nil {
		return nil, errUnrecognizedChain(target)
	}

	session, err := h.checkDApp(req.Origin)
	if err != nil {
		return nil, err
	}
	session.ChainID = target
	if err := h.registry.SetSession(req.Origin, *session); err != nil {
		return nil, err
	}
	log.Info().Str("origin", req.Origin).Str("chain_id", target).Msg("EVM dApp switched chain")
	return nil, nil
}

func (h *Handler) personalSign(ctx context.Context, req Request) (string, error) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 2 {
		return "", errInvalidParams("expected [data, address]")
	}
	payload, address := params[0], params[1]

	if !evm.IsHexPayload(payload) {
		return "", errInvalidParams("payload must be 0x-prefixed hex")
	}
	if !evm.IsAddressValid(address) {
		return "", errInvalidParams("invalid address")
	}

	session, err := h.checkDApp(req.Origin)
	if err != nil {
		return "", err
	}
	if err := assertDAppChainId(session, req.ChainID); err != nil {
		return "", err
	}
	if err := connectedAccount(session, address); err != nil {
		return "", err
	}

	message, err := evm.DecodeHexPayload(payload)
	if err != nil {
		return "", errInvalidParams(err.Error())
	}
	digest := evm.PersonalMessageDigest(message)

	return h.confirmAndSign(ctx, req, session, address, confirmPayload{
		Type:    "personal_sign",
		Origin:  req.Origin,
		ChainID: session.ChainID,
		AppMeta: session.AppMeta,
		Account: address,
		Data:    payload,
	}, digest)
}

func (h *Handler) signTypedData(ctx context.Context, req Request) (string, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 2 {
		return "", errInvalidParams("expected [address, typedData]")
	}
	var address string
	if err := json.Unmarshal(params[0], &address); err != nil || !evm.IsAddressValid(address) {
		return "", errInvalidParams("invalid address")
	}

	// The typed data may arrive as a JSON object or a JSON-encoded string.
	typedRaw := params[1]
	var asString string
	if err := json.Unmarshal(typedRaw, &asString); err == nil {
		typedRaw = json.RawMessage(asString)
	}
	var typed evm.TypedData
	if err := json.Unmarshal(typedRaw, &typed); err != nil {
		return "", errInvalidParams("malformed typed data")
	}

	session, err := h.checkDApp(req.Origin)
	if err != nil {
		return "", err
	}
	if err := assertDAppChainId(session, req.ChainID); err != nil {
		return "", err
	}
	if err := connectedAccount(session, address); err != nil {
		return "", err
	}

	digest, err := evm.HashTypedData(&typed)
	if err != nil {
		return "", errInvalidParams(err.Error())
	}

	return h.confirmAndSign(ctx, req, session, address, confirmPayload{
		Type:    "sign_typed",
		Origin:  req.Origin,
		ChainID: session.ChainID,
		AppMeta: session.AppMeta,
		Account: address,
		Data:    json.RawMessage(typedRaw),
	}, digest)
}

func (h *Handler) sendTransaction(ctx context.Context, req Request) (string, error) {
	var params []evm.TxParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return "", errInvalidParams("expected [transaction]")
	}
	tx := params[0]

	if !evm.IsAddressValid(tx.From) {
		return "", errInvalidParams("invalid from address")
	}

	session, err := h.checkDApp(req.Origin)
	if err != nil {
		return "", err
	}
	if err := assertDAppChainId(session, tx.ChainID); err != nil {
		return "", err
	}
	if err := connectedAccount(session, tx.From); err != nil {
		return "", err
	}

	client, err := h.chainFor(session.ChainID)
	if err != nil {
		return "", errUnrecognizedChain(session.ChainID)
	}

	supports1559, err := h.prober.supports1559(ctx, session.ChainID, client)
	if err != nil {
		return "", err
	}
	tx = evm.NormalizeFees(tx, supports1559)
	tx.ChainID = session.ChainID

	if tx.Nonce == "" {
		nonce, err := client.PendingNonce(ctx, tx.From)
		if err != nil {
			return "", err
		}
		tx.Nonce = nonce
	}

	var txHash string
	err = h.broker.RequestConfirm(ctx, confirm.Params{
		Payload: confirmPayload{
			Type:    "send_transaction",
			Origin:  req.Origin,
			ChainID: session.ChainID,
			AppMeta: session.AppMeta,
			Account: tx.From,
			Data:    tx,
		},
		Timeout: confirm.DAppAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var msg actionMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgTypeActionConfirmation {
				return nil, nil
			}
			if !msg.Confirmed {
				return actionMessage{Type: msgTypeActionConfirmation + "Response"}, nil
			}
			if !evm.SameAddress(msg.Account, tx.From) {
				return nil, errUnauthorized()
			}

			w, err := h.wallet()
			if err != nil {
				return nil, err
			}
			digest, err := evm.SigningDigest(tx)
			if err != nil {
				return nil, errInvalidParams(err.Error())
			}
			sigHex, err := w.SignEvmDigest(tx.From, digest)
			if err != nil {
				return nil, err
			}
			sig, err := evm.DecodeHexPayload(sigHex)
			if err != nil {
				return nil, err
			}
			rawTx, err := evm.EncodeSigned(tx, sig)
			if err != nil {
				return nil, err
			}
			hash, err := client.SendRawTransaction(ctx, rawTx)
			if err != nil {
				return nil, err
			}
			txHash = hash
			log.Info().Str("origin", req.Origin).Str("tx_hash", hash).Msg("EVM transaction sent")
			return actionMessage{Type: msgTypeActionConfirmation + "Response"}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return "", errUserRejected()
		}
		return "", err
	}
	if txHash == "" {
		return "", errUserRejected()
	}
	return txHash, nil
}

// confirmAndSign runs the shared confirm-then-sign path for digest flows.
func (h *Handler) confirmAndSign(ctx context.Context, req Request, session *Session, address string, payload confirmPayload, digest []byte) (string, error) {
	var signature string
	err := h.broker.RequestConfirm(ctx, confirm.Params{
		Payload: payload,
		Timeout: confirm.DAppAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var msg actionMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgTypeActionConfirmation {
				return nil, nil
			}
			if !msg.Confirmed {
				return actionMessage{Type: msgTypeActionConfirmation + "Response"}, nil
			}
			if !evm.SameAddress(msg.Account, address) {
				return nil, errUnauthorized()
			}

			w, err := h.wallet()
			if err != nil {
				return nil, err
			}
			sig, err := w.SignEvmDigest(address, digest)
			if err != nil {
				return nil, err
			}
			signature = sig
			return actionMessage{Type: msgTypeActionConfirmation + "Response"}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return "", errUserRejected()
		}
		return "", err
	}
	if signature == "" {
		return "", errUserRejected()
	}
	return signature, nil
}

func (h *Handler) permissions(origin string) ([]Permission, error) {
	session, ok, err := h.registry.Session(origin)
	if err != nil {
		return nil, err
	}
	if !ok || len(session.Accounts) == 0 {
		return []Permission{}, nil
	}
	return []Permission{{ParentCapability: "eth_accounts", Invoker: origin}}, nil
}

func (h *Handler) requestPermissions(ctx context.Context, req Request) ([]Permission, error) {
	if _, err := h.requestAccounts(ctx, req); err != nil {
		return nil, err
	}
	return h.permissions(req.Origin)
}

func (h *Handler) revokePermissions(origin string) (interface{}, error) {
	if err := h.registry.RemoveSession(origin); err != nil {
		return nil, err
	}
	log.Info().Str("origin", origin).Msg("EVM dApp permissions revoked")
	return nil, nil
}
