package main

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/templewallet/walletd/dapp"
	"github.com/templewallet/walletd/evmdapp"
)

func TestDecodeOriginToken(t *testing.T) {
	origin := "https://dapp.example"
	token := hex.EncodeToString([]byte(origin))
	if got := decodeOriginToken(token); got != origin {
		t.Errorf("decoded = %q, want %q", got, origin)
	}
	// Non-hex tokens pass through untouched.
	if got := decodeOriginToken("plain-origin"); got != "plain-origin" {
		t.Errorf("passthrough = %q", got)
	}
}

func TestEvmRelayUnknownMethod(t *testing.T) {
	app, _ := newTestApp(t)
	createTestWallet(t, app)

	body, _ := json.Marshal(evmRelayRequest{Method: "eth_unknownThing"})
	reply, err := app.handleEvmRelay("origin", body)
	if err != nil {
		t.Fatalf("handleEvmRelay failed: %v", err)
	}

	var resp evmRelayResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != evmdapp.CodeMethodNotFound {
		t.Fatalf("response = %+v", resp)
	}
}

func TestEvmRelayUnconnectedAccounts(t *testing.T) {
	app, _ := newTestApp(t)
	createTestWallet(t, app)

	body, _ := json.Marshal(evmRelayRequest{Method: "eth_accounts"})
	reply, err := app.handleEvmRelay("origin", body)
	if err != nil {
		t.Fatalf("handleEvmRelay failed: %v", err)
	}

	var resp evmRelayResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	accounts, ok := resp.Result.([]interface{})
	if !ok || len(accounts) != 0 {
		t.Fatalf("result = %#v", resp.Result)
	}
}

func TestTezosRelayErrorEnvelope(t *testing.T) {
	app, _ := newTestApp(t)
	createTestWallet(t, app)

	// Operation request from an origin with no granted session.
	envelope := map[string]interface{}{
		"version":          "2",
		"id":               "req-1",
		"type":             dapp.BeaconTypeOperationRequest,
		"sourceAddress":    "tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb",
		"operationDetails": []map[string]interface{}{{"kind": "transaction"}},
	}
	raw, _ := json.Marshal(envelope)

	reply, err := app.handleTezosRelay("origin", raw)
	if err != nil {
		t.Fatalf("handleTezosRelay failed: %v", err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp["type"] != dapp.BeaconTypeError {
		t.Fatalf("type = %v", resp["type"])
	}
	if resp["errorType"] != "NOT_GRANTED_ERROR" {
		t.Fatalf("errorType = %v", resp["errorType"])
	}
	if resp["id"] != "req-1" {
		t.Fatalf("id = %v", resp["id"])
	}
}

func TestTezosRelaySealedChannel(t *testing.T) {
	app, _ := newTestApp(t)
	createTestWallet(t, app)

	dappPub, dappPriv, err := dapp.GenerateChannelKeyPair()
	if err != nil {
		t.Fatalf("GenerateChannelKeyPair failed: %v", err)
	}

	// Plaintext handshake exchanges channel keys.
	hsRaw, _ := json.Marshal(beaconHandshake{
		Type:      beaconHandshakeType,
		ID:        "hs-1",
		PublicKey: hex.EncodeToString(dappPub[:]),
	})
	reply, err := app.handleTezosRelay("origin", hsRaw)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	var hsReply beaconHandshake
	if err := json.Unmarshal(reply, &hsReply); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if hsReply.Type != beaconHandshakeType || hsReply.ID != "hs-1" {
		t.Fatalf("handshake reply = %+v", hsReply)
	}
	walletPub, err := dapp.ParseCounterpartKey(hsReply.PublicKey)
	if err != nil {
		t.Fatalf("wallet key malformed: %v", err)
	}
	channel := dapp.NewChannel(walletPub, dappPriv)

	// After the handshake, frames travel sealed in both directions.
	envelope := map[string]interface{}{
		"version":          "2",
		"id":               "req-2",
		"type":             dapp.BeaconTypeOperationRequest,
		"sourceAddress":    "tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb",
		"operationDetails": []map[string]interface{}{{"kind": "transaction"}},
	}
	raw, _ := json.Marshal(envelope)
	sealed, err := channel.Seal(raw)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	reply, err = app.handleTezosRelay("origin", sealed)
	if err != nil {
		t.Fatalf("sealed request failed: %v", err)
	}
	opened, err := channel.Open(reply)
	if err != nil {
		t.Fatalf("reply was not sealed: %v", err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(opened, &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp["type"] != dapp.BeaconTypeError || resp["errorType"] != "NOT_GRANTED_ERROR" {
		t.Fatalf("response = %+v", resp)
	}
	if resp["id"] != "req-2" {
		t.Fatalf("id = %v", resp["id"])
	}

	// A plaintext envelope from a paired origin is rejected.
	if _, err := app.handleTezosRelay("origin", raw); err == nil {
		t.Fatal("plaintext frame after handshake should be rejected")
	}
}

func TestTezosRelayMalformedEnvelope(t *testing.T) {
	app, _ := newTestApp(t)
	if _, err := app.handleTezosRelay("origin", []byte("{")); err == nil {
		t.Fatal("expected malformed envelope to error")
	}
}
