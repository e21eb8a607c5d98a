package dapp

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeBeaconEnvelopeV2(t *testing.T) {
	raw := []byte(`{"version":"2","id":"req-1","type":"permission_request","network":{"type":"mainnet"}}`)

	env, body, err := DecodeBeaconEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeBeaconEnvelope failed: %v", err)
	}
	if env.Type != BeaconTypePermissionRequest || env.ID != "req-1" {
		t.Errorf("Unexpected envelope: %+v", env)
	}

	// V2 bodies are the envelope itself.
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		t.Fatalf("Body should stay parseable: %v", err)
	}
	if _, ok := fields["network"]; !ok {
		t.Error("V2 body must carry the inline request fields")
	}
}

func TestDecodeBeaconEnvelopeV3(t *testing.T) {
	raw := []byte(`{
		"version":"3","id":"req-2","blockchainIdentifier":"tezos",
		"message":{"type":"operation_request","sourceAddress":"tz1abc"}
	}`)

	env, body, err := DecodeBeaconEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeBeaconEnvelope failed: %v", err)
	}
	if env.Type != BeaconTypeOperationRequest {
		t.Errorf("V3 type must come from the nested message, got %q", env.Type)
	}

	var inner struct {
		SourceAddress string `json:"sourceAddress"`
	}
	if err := json.Unmarshal(body, &inner); err != nil || inner.SourceAddress != "tz1abc" {
		t.Errorf("V3 body should be the nested message, got %s", body)
	}
}

func TestDecodeBeaconEnvelopeRejectsUnsupported(t *testing.T) {
	cases := []string{
		`{"version":"4","id":"x","type":"permission_request"}`,
		`{"version":"3","id":"x","blockchainIdentifier":"substrate","message":{"type":"x"}}`,
		`{"version":"3","id":"x"}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, _, err := DecodeBeaconEnvelope([]byte(raw)); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("Expected ErrInvalidParams for %s, got %v", raw, err)
		}
	}
}

func TestEncodeBeaconResponseMatchesVersion(t *testing.T) {
	v2req := &BeaconEnvelope{Version: "2", ID: "req-1"}
	raw, err := EncodeBeaconResponse(v2req, BeaconTypePermissionResponse, map[string]string{"pkh": "tz1abc"})
	if err != nil {
		t.Fatalf("EncodeBeaconResponse failed: %v", err)
	}
	var v2 map[string]interface{}
	json.Unmarshal(raw, &v2)
	if v2["version"] != "2" || v2["id"] != "req-1" || v2["type"] != BeaconTypePermissionResponse || v2["pkh"] != "tz1abc" {
		t.Errorf("Unexpected v2 response: %s", raw)
	}

	v3req := &BeaconEnvelope{Version: "3", ID: "req-2"}
	raw, err = EncodeBeaconResponse(v3req, BeaconTypePermissionResponse, map[string]string{"pkh": "tz1abc"})
	if err != nil {
		t.Fatalf("EncodeBeaconResponse failed: %v", err)
	}
	var v3 BeaconEnvelope
	json.Unmarshal(raw, &v3)
	if v3.Version != "3" || v3.ID != "req-2" || v3.BlockchainIdentifier != "tezos" {
		t.Errorf("Unexpected v3 response envelope: %s", raw)
	}
	var inner map[string]interface{}
	json.Unmarshal(v3.Message, &inner)
	if inner["type"] != BeaconTypePermissionResponse || inner["pkh"] != "tz1abc" {
		t.Errorf("Unexpected v3 response message: %s", v3.Message)
	}
}

func TestChannelRoundTrip(t *testing.T) {
	ourPub, ourPriv, err := GenerateChannelKeyPair()
	if err != nil {
		t.Fatalf("GenerateChannelKeyPair failed: %v", err)
	}
	theirPub, theirPriv, err := GenerateChannelKeyPair()
	if err != nil {
		t.Fatalf("GenerateChannelKeyPair failed: %v", err)
	}

	ours := NewChannel(theirPub, ourPriv)
	theirs := NewChannel(ourPub, theirPriv)

	sealed, err := ours.Seal([]byte(`{"type":"permission_request"}`))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := theirs.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(opened) != `{"type":"permission_request"}` {
		t.Errorf("Round trip mismatch: %s", opened)
	}
}

func TestChannelRejectsTamperAndStrangers(t *testing.T) {
	ourPub, ourPriv, _ := GenerateChannelKeyPair()
	theirPub, theirPriv, _ := GenerateChannelKeyPair()
	_, strangerPriv, _ := GenerateChannelKeyPair()

	ours := NewChannel(theirPub, ourPriv)
	theirs := NewChannel(ourPub, theirPriv)
	stranger := NewChannel(ourPub, strangerPriv)

	sealed, _ := ours.Seal([]byte("secret"))

	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := theirs.Open(tampered); err == nil {
		t.Error("Tampered message must not open")
	}

	if _, err := stranger.Open(sealed); err == nil {
		t.Error("A third party must not open channel messages")
	}

	if _, err := theirs.Open([]byte{1, 2, 3}); err == nil {
		t.Error("Truncated message must not open")
	}
}

func TestParseCounterpartKey(t *testing.T) {
	if _, err := ParseCounterpartKey("zz"); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams, got %v", err)
	}
	if _, err := ParseCounterpartKey("aabb"); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Short keys must be rejected, got %v", err)
	}

	pub, _, _ := GenerateChannelKeyPair()
	parsed, err := ParseCounterpartKey(hex.EncodeToString(pub[:]))
	if err != nil {
		t.Fatalf("ParseCounterpartKey failed: %v", err)
	}
	if *parsed != *pub {
		t.Error("Parsed key mismatch")
	}
}
