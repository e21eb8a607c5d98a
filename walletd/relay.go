package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/dapp"
	"github.com/templewallet/walletd/evmdapp"
	"github.com/templewallet/walletd/tezos"
)

// Relay subjects carry the origin as their last token. Dots inside an origin
// would split NATS tokens, so relays publish it hex-encoded; a token that is
// not valid hex is taken verbatim.
func decodeOriginToken(token string) string {
	decoded, err := hex.DecodeString(token)
	if err != nil || len(decoded) == 0 {
		return token
	}
	return string(decoded)
}

// beaconHandshakeType is the only Beacon message an origin may send in
// plaintext. It carries the dApp's channel public key; everything after a
// completed handshake travels sealed.
const beaconHandshakeType = "handshake"

type beaconHandshake struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	PublicKey string `json:"publicKey"`
}

func decodeBeaconHandshake(data []byte) (*beaconHandshake, bool) {
	var hs beaconHandshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return nil, false
	}
	if hs.Type != beaconHandshakeType || hs.PublicKey == "" {
		return nil, false
	}
	return &hs, true
}

// Beacon request bodies.

type beaconAppMetadata struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

type beaconNetwork struct {
	Type string `json:"type"`
}

type beaconPermissionBody struct {
	AppMetadata beaconAppMetadata `json:"appMetadata"`
	Network     json.RawMessage   `json:"network"`
}

type beaconOperationBody struct {
	SourceAddress    string            `json:"sourceAddress"`
	OperationDetails []json.RawMessage `json:"operationDetails"`
}

type beaconSignBody struct {
	SourceAddress string `json:"sourceAddress"`
	Payload       string `json:"payload"`
}

type beaconBroadcastBody struct {
	SignedTransaction string `json:"signedTransaction"`
}

// handleTezosRelay serves one Beacon message arriving over NATS. A plaintext
// handshake establishes the encrypted channel for the origin; once a
// counterpart key is on record, frames in both directions are sealed.
func (a *App) handleTezosRelay(originToken string, data []byte) ([]byte, error) {
	origin := decodeOriginToken(originToken)

	if hs, ok := decodeBeaconHandshake(data); ok {
		return a.completeBeaconHandshake(origin, hs)
	}

	channel, err := a.beaconChannel(origin)
	if err != nil {
		return nil, err
	}

	plaintext := data
	if channel != nil {
		plaintext, err = channel.Open(data)
		if err != nil {
			log.Warn().Err(err).Str("origin", origin).Msg("Failed to open sealed Beacon frame")
			return nil, err
		}
	}

	env, body, err := dapp.DecodeBeaconEnvelope(plaintext)
	if err != nil {
		// No envelope to correlate an error reply with.
		return nil, err
	}

	a.dappMu.Lock()
	response, err := a.dispatchBeacon(origin, env, body)
	a.dappMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("origin", origin).Str("type", env.Type).Msg("Beacon request failed")
		response, err = dapp.EncodeBeaconResponse(env, dapp.BeaconTypeError, dapp.ToBeaconError(err))
		if err != nil {
			return nil, err
		}
	}

	if channel != nil {
		return channel.Seal(response)
	}
	return response, nil
}

// completeBeaconHandshake records the dApp's channel key and answers with the
// daemon's, after which the origin speaks only sealed frames.
func (a *App) completeBeaconHandshake(origin string, hs *beaconHandshake) ([]byte, error) {
	key, err := dapp.ParseCounterpartKey(hs.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := a.tezosSessions.SetCounterpartKey(origin, key[:]); err != nil {
		return nil, err
	}
	log.Info().Str("origin", origin).Msg("Beacon channel established")

	return json.Marshal(beaconHandshake{
		Type:      beaconHandshakeType,
		ID:        hs.ID,
		PublicKey: hex.EncodeToString(a.channelPub[:]),
	})
}

// beaconChannel returns the sealed channel for origin, or nil before the
// handshake completed.
func (a *App) beaconChannel(origin string) (*dapp.Channel, error) {
	raw, ok, err := a.tezosSessions.CounterpartKey(origin)
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) != 32 {
		return nil, nil
	}
	var pub [32]byte
	copy(pub[:], raw)
	return dapp.NewChannel(&pub, a.channelPriv), nil
}

func (a *App) dispatchBeacon(origin string, env *dapp.BeaconEnvelope, body json.RawMessage) ([]byte, error) {
	ctx := a.baseCtx

	switch env.Type {
	case dapp.BeaconTypePermissionRequest:
		var req beaconPermissionBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, dapp.ErrInvalidParams
		}

		granted, err := a.tezosDApp.RequestPermission(ctx, origin, dapp.PermissionRequest{
			Network: beaconNetworkName(req.Network),
			AppMeta: dapp.AppMeta{Name: req.AppMetadata.Name, Icon: req.AppMetadata.Icon},
		})
		if err != nil {
			return nil, err
		}
		return dapp.EncodeBeaconResponse(env, dapp.BeaconTypePermissionResponse, granted)

	case dapp.BeaconTypeOperationRequest:
		var req beaconOperationBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, dapp.ErrInvalidParams
		}
		opParams, err := decodeOpParams(req.OperationDetails)
		if err != nil {
			return nil, err
		}

		opHash, err := a.tezosDApp.RequestOperation(ctx, origin, dapp.OperationRequest{
			SourcePkh: req.SourceAddress,
			OpParams:  opParams,
		})
		if err != nil {
			return nil, err
		}
		return dapp.EncodeBeaconResponse(env, dapp.BeaconTypeOperationResponse, map[string]string{
			"transactionHash": opHash,
		})

	case dapp.BeaconTypeSignRequest:
		var req beaconSignBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, dapp.ErrInvalidParams
		}

		signature, err := a.tezosDApp.RequestSign(ctx, origin, dapp.SignRequest{
			SourcePkh: req.SourceAddress,
			Payload:   req.Payload,
		})
		if err != nil {
			return nil, err
		}
		return dapp.EncodeBeaconResponse(env, dapp.BeaconTypeSignResponse, map[string]string{
			"signature": signature,
		})

	case dapp.BeaconTypeBroadcastRequest:
		var req beaconBroadcastBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, dapp.ErrInvalidParams
		}

		opHash, err := a.tezosDApp.RequestBroadcast(ctx, origin, req.SignedTransaction)
		if err != nil {
			return nil, err
		}
		return dapp.EncodeBeaconResponse(env, dapp.BeaconTypeBroadcastResponse, map[string]string{
			"transactionHash": opHash,
		})

	case dapp.BeaconTypeDisconnect:
		if err := a.tezosDApp.RemoveDApp(origin); err != nil {
			return nil, err
		}
		return dapp.EncodeBeaconResponse(env, dapp.BeaconTypeDisconnect, map[string]string{})

	default:
		return nil, dapp.ErrInvalidParams
	}
}

// beaconNetworkName accepts both the object and plain-string network forms.
func beaconNetworkName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var network beaconNetwork
	if err := json.Unmarshal(raw, &network); err == nil {
		return network.Type
	}
	return ""
}

func decodeOpParams(details []json.RawMessage) ([]tezos.OpParam, error) {
	opParams := make([]tezos.OpParam, 0, len(details))
	for _, raw := range details {
		var op tezos.OpParam
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, dapp.ErrInvalidParams
		}
		opParams = append(opParams, op)
	}
	return opParams, nil
}

// EVM relay request/response shapes.

type evmRelayRequest struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ChainID string          `json:"chainId,omitempty"`
	AppMeta evmdapp.AppMeta `json:"appMeta,omitempty"`
}

type evmRelayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type evmRelayResponse struct {
	Result interface{}    `json:"result,omitempty"`
	Error  *evmRelayError `json:"error,omitempty"`
}

// handleEvmRelay serves one EIP-1193 request arriving over NATS.
func (a *App) handleEvmRelay(originToken string, data []byte) ([]byte, error) {
	origin := decodeOriginToken(originToken)

	var req evmRelayRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return json.Marshal(evmRelayResponse{Error: &evmRelayError{
			Code:    evmdapp.CodeInvalidParams,
			Message: "malformed request",
		}})
	}

	a.dappMu.Lock()
	result, err := a.evmDApp.Dispatch(a.baseCtx, evmdapp.Request{
		Origin:  origin,
		ChainID: req.ChainID,
		Method:  req.Method,
		Params:  req.Params,
		AppMeta: req.AppMeta,
	})
	a.dappMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("origin", origin).Str("method", req.Method).Msg("EVM dApp request failed")

		relayErr := &evmRelayError{Code: -32603, Message: "internal error"}
		var coded *evmdapp.ErrorWithCode
		if errors.As(err, &coded) {
			relayErr.Code = coded.Code
			relayErr.Message = coded.Message
		}
		return json.Marshal(evmRelayResponse{Error: relayErr})
	}
	return json.Marshal(evmRelayResponse{Result: result})
}
