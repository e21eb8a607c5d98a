package evmdapp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/templewallet/walletd/confirm"
	"github.com/templewallet/walletd/evm"
	"github.com/templewallet/walletd/storage"
)

const (
	testOrigin  = "https://dapp.example"
	testChain   = "0x1"
	testAccount = "0x3535353535353535353535353535353535353535"
)

type mockChainClient struct {
	latestBaseFee  func(ctx context.Context) (string, bool, error)
	pendingNonce   func(ctx context.Context, address string) (string, error)
	sendRaw        func(ctx context.Context, rawHex string) (string, error)
	baseFeeProbes  atomic.Int32
}

func (m *mockChainClient) LatestBaseFee(ctx context.Context) (string, bool, error) {
	m.baseFeeProbes.Add(1)
	if m.latestBaseFee == nil {
		return "0x3b9aca00", true, nil
	}
	return m.latestBaseFee(ctx)
}

func (m *mockChainClient) PendingNonce(ctx context.Context, address string) (string, error) {
	if m.pendingNonce == nil {
		return "0x0", nil
	}
	return m.pendingNonce(ctx, address)
}

func (m *mockChainClient) SendRawTransaction(ctx context.Context, rawHex string) (string, error) {
	if m.sendRaw == nil {
		return "0xtxhash", nil
	}
	return m.sendRaw(ctx, rawHex)
}

type mockEvmWallet struct {
	signEvmDigest func(address string, digest []byte) (string, error)
}

func (m *mockEvmWallet) SignEvmDigest(address string, digest []byte) (string, error) {
	if m.signEvmDigest == nil {
		key, err := evm.NewPrivateKeyFromBytes(make32(0x46))
		if err != nil {
			return "", err
		}
		defer key.Zero()
		sig, err := key.SignDigest(digest)
		if err != nil {
			return "", err
		}
		return "0x" + hex.EncodeToString(sig), nil
	}
	return m.signEvmDigest(address, digest)
}

func make32(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

// autoOpener answers every confirmation with the supplied decision message.
type autoOpener struct {
	broker *confirm.Broker
	decide func(payload interface{}) json.RawMessage
	opens  atomic.Int32
}

type stubWindow struct{ done chan struct{} }

func (w *stubWindow) Done() <-chan struct{} { return w.done }
func (w *stubWindow) Close() error          { return nil }

func (o *autoOpener) Open(ctx context.Context, id string) (confirm.Window, error) {
	o.opens.Add(1)
	w := &stubWindow{done: make(chan struct{})}
	go func() {
		payload, err := o.broker.Payload(ctx, id)
		if err != nil {
			return
		}
		if msg := o.decide(payload); msg != nil {
			o.broker.Deliver(ctx, id, msg)
		}
	}()
	return w, nil
}

func approveAs(msgType, account string) func(payload interface{}) json.RawMessage {
	return func(payload interface{}) json.RawMessage {
		raw, _ := json.Marshal(actionMessage{Type: msgType, Confirmed: true, Account: account})
		return raw
	}
}

func newTestHandler(t *testing.T, decide func(payload interface{}) json.RawMessage, client ChainClient) (*Handler, *Registry, *autoOpener) {
	t.Helper()
	kv, err := storage.OpenKV(":memory:")
	if err != nil {
		t.Fatalf("OpenKV failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	registry := NewRegistry(kv)
	opener := &autoOpener{decide: decide}
	broker := confirm.NewBroker(opener)
	opener.broker = broker

	handler := NewHandler(
		registry, broker,
		func() (Wallet, error) { return &mockEvmWallet{}, nil },
		func(chainID string) (ChainClient, error) {
			if chainID == testChain {
				return client, nil
			}
			return nil, errors.New("unknown chain")
		},
	)
	return handler, registry, opener
}

func connect(t *testing.T, registry *Registry) {
	t.Helper()
	err := registry.SetSession(testOrigin, Session{ChainID: testChain, Accounts: []string{testAccount}})
	if err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
}

func dispatch(t *testing.T, h *Handler, method string, params interface{}) (interface{}, error) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
	}
	return h.Dispatch(context.Background(), Request{
		Origin:  testOrigin,
		ChainID: testChain,
		Method:  method,
		Params:  raw,
	})
}

func TestRequestAccountsConnectFlow(t *testing.T) {
	decide := func(payload interface{}) json.RawMessage {
		raw, _ := json.Marshal(connectMessage{Type: msgTypeConnectConfirmation, Confirmed: true, Accounts: []string{testAccount}})
		return raw
	}
	handler, _, opener := newTestHandler(t, decide, &mockChainClient{})

	result, err := dispatch(t, handler, "eth_requestAccounts", nil)
	if err != nil {
		t.Fatalf("eth_requestAccounts failed: %v", err)
	}
	accounts := result.([]string)
	if len(accounts) != 1 || accounts[0] != testAccount {
		t.Errorf("Unexpected accounts: %v", accounts)
	}

	// Connected origins are served from the session without a prompt.
	if _, err := dispatch(t, handler, "eth_requestAccounts", nil); err != nil {
		t.Fatalf("Second eth_requestAccounts failed: %v", err)
	}
	if opener.opens.Load() != 1 {
		t.Errorf("Expected one prompt, got %d", opener.opens.Load())
	}
}

func TestRequestAccountsRejected(t *testing.T) {
	decide := func(payload interface{}) json.RawMessage {
		raw, _ := json.Marshal(connectMessage{Type: msgTypeConnectConfirmation, Confirmed: false})
		return raw
	}
	handler, _, _ := newTestHandler(t, decide, &mockChainClient{})

	_, err := dispatch(t, handler, "eth_requestAccounts", nil)
	var coded *ErrorWithCode
	if !errors.As(err, &coded) || coded.Code != CodeUserRejected {
		t.Errorf("Expected code 4001, got %v", err)
	}
}

func TestUnconnectedOriginUnauthorized(t *testing.T) {
	handler, _, _ := newTestHandler(t, approveAs(msgTypeActionConfirmation, testAccount), &mockChainClient{})

	_, err := dispatch(t, handler, "personal_sign", []string{"0xdeadbeef", testAccount})
	var coded *ErrorWithCode
	if !errors.As(err, &coded) || coded.Code != CodeUnauthorized {
		t.Errorf("Expected code 4100, got %v", err)
	}
}

func TestPersonalSign(t *testing.T) {
	handler, registry, _ := newTestHandler(t, approveAs(msgTypeActionConfirmation, testAccount), &mockChainClient{})
	connect(t, registry)

	result, err := dispatch(t, handler, "personal_sign", []string{"0xdeadbeef", testAccount})
	if err != nil {
		t.Fatalf("personal_sign failed: %v", err)
	}
	sig := result.(string)
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Errorf("Expected 65-byte hex signature, got %q", sig)
	}
}

func TestPersonalSignValidatesShape(t *testing.T) {
	handler, registry, _ := newTestHandler(t, approveAs(msgTypeActionConfirmation, testAccount), &mockChainClient{})
	connect(t, registry)

	cases := []interface{}{
		[]string{"plain text", testAccount},
		[]string{"0xdeadbeef", "0x1234"},
		[]string{"0xdeadbeef"},
	}
	for i, params := range cases {
		_, err := dispatch(t, handler, "personal_sign", params)
		var coded *ErrorWithCode
		if !errors.As(err, &coded) || coded.Code != CodeInvalidParams {
			t.Errorf("Case %d: expected -32602, got %v", i, err)
		}
	}
}

func TestChainMismatchRejected(t *testing.T) {
	handler, registry, _ := newTestHandler(t, approveAs(msgTypeActionConfirmation, testAccount), &mockChainClient{})
	connect(t, registry)

	raw, _ := json.Marshal([]string{"0xdeadbeef", testAccount})
	_, err := handler.Dispatch(context.Background(), Request{
		Origin:  testOrigin,
		ChainID: "0x89",
		Method:  "personal_sign",
		Params:  raw,
	})
	var coded *ErrorWithCode
	if !errors.As(err, &coded) || coded.Code != CodeChainDisconnected {
		t.Errorf("Expected code 4901, got %v", err)
	}
}

func TestSwitchChain(t *testing.T) {
	handler, registry, _ := newTestHandler(t, nil, &mockChainClient{})
	connect(t, registry)

	_, err := dispatch(t, handler, "wallet_switchEthereumChain", []map[string]string{{"chainId": "0x89"}})
	var coded *ErrorWithCode
	if !errors.As(err, &coded) || coded.Code != CodeUnrecognizedChain {
		t.Errorf("Expected code 4902 for unknown chain, got %v", err)
	}

	if _, err := dispatch(t, handler, "wallet_switchEthereumChain", []map[string]string{{"chainId": testChain}}); err != nil {
		t.Fatalf("Switch to known chain failed: %v", err)
	}
	session, _, _ := registry.Session(testOrigin)
	if session.ChainID != testChain {
		t.Errorf("Session chain not updated: %s", session.ChainID)
	}
}

func TestSendTransactionNormalizesForLegacyChain(t *testing.T) {
	var broadcast string
	client := &mockChainClient{
		latestBaseFee: func(ctx context.Context) (string, bool, error) {
			// Pre-London chain: no baseFeePerGas in the latest block.
			return "", false, nil
		},
		sendRaw: func(ctx context.Context, rawHex string) (string, error) {
			broadcast = rawHex
			return "0xhash", nil
		},
	}
	handler, registry, _ := newTestHandler(t, approveAs(msgTypeActionConfirmation, testAccount), client)
	connect(t, registry)

	result, err := dispatch(t, handler, "eth_sendTransaction", []evm.TxParams{{
		From:         testAccount,
		To:           testAccount,
		Value:        "0x1",
		Gas:          "0x5208",
		MaxFeePerGas: "0x4a817c800",
	}})
	if err != nil {
		t.Fatalf("eth_sendTransaction failed: %v", err)
	}
	if result.(string) != "0xhash" {
		t.Errorf("Unexpected tx hash: %v", result)
	}

	// A dynamic-fee request on a legacy chain must collapse to a legacy
	// envelope: RLP list, not a 0x02-typed payload.
	if strings.HasPrefix(broadcast, "0x02") {
		t.Errorf("Expected a legacy transaction, got typed payload %s", broadcast[:8])
	}
	if !strings.HasPrefix(broadcast, "0xf8") {
		t.Errorf("Expected an RLP list envelope, got %s", broadcast[:6])
	}
}

func TestSendTransactionDynamicFeeChain(t *testing.T) {
	var broadcast string
	client := &mockChainClient{
		sendRaw: func(ctx context.Context, rawHex string) (string, error) {
			broadcast = rawHex
			return "0xhash", nil
		},
	}
	handler, registry, _ := newTestHandler(t, approveAs(msgTypeActionConfirmation, testAccount), client)
	connect(t, registry)

	_, err := dispatch(t, handler, "eth_sendTransaction", []evm.TxParams{{
		From:     testAccount,
		To:       testAccount,
		Value:    "0x1",
		Gas:      "0x5208",
		GasPrice: "0x4a817c800",
	}})
	if err != nil {
		t.Fatalf("eth_sendTransaction failed: %v", err)
	}
	if !strings.HasPrefix(broadcast, "0x02") {
		t.Errorf("Expected a dynamic-fee envelope on an EIP-1559 chain, got %s", broadcast[:6])
	}
}

func TestFeeProbeMemoized(t *testing.T) {
	client := &mockChainClient{}
	prober := newFeeProber()

	now := time.Unix(1000, 0)
	prober.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := prober.supports1559(context.Background(), testChain, client); err != nil {
			t.Fatalf("supports1559 failed: %v", err)
		}
	}
	if got := client.baseFeeProbes.Load(); got != 1 {
		t.Errorf("Probe should be memoized, hit the client %d times", got)
	}

	now = now.Add(feeSupportTTL + time.Second)
	if _, err := prober.supports1559(context.Background(), testChain, client); err != nil {
		t.Fatalf("supports1559 failed: %v", err)
	}
	if got := client.baseFeeProbes.Load(); got != 2 {
		t.Errorf("Stale probe should refresh, hit the client %d times", got)
	}
}

func TestPermissionLifecycle(t *testing.T) {
	handler, registry, _ := newTestHandler(t, nil, &mockChainClient{})

	result, err := dispatch(t, handler, "wallet_getPermissions", nil)
	if err != nil {
		t.Fatalf("wallet_getPermissions failed: %v", err)
	}
	if len(result.([]Permission)) != 0 {
		t.Error("Unconnected origin should have no permissions")
	}

	connect(t, registry)
	result, err = dispatch(t, handler, "wallet_getPermissions", nil)
	if err != nil {
		t.Fatalf("wallet_getPermissions failed: %v", err)
	}
	perms := result.([]Permission)
	if len(perms) != 1 || perms[0].ParentCapability != "eth_accounts" {
		t.Errorf("Unexpected permissions: %+v", perms)
	}

	if _, err := dispatch(t, handler, "wallet_revokePermissions", nil); err != nil {
		t.Fatalf("wallet_revokePermissions failed: %v", err)
	}
	if _, ok, _ := registry.Session(testOrigin); ok {
		t.Error("Session should be gone after revoke")
	}
}

func TestUnknownMethod(t *testing.T) {
	handler, _, _ := newTestHandler(t, nil, &mockChainClient{})

	_, err := dispatch(t, handler, "eth_coinbase", nil)
	var coded *ErrorWithCode
	if !errors.As(err, &coded) || coded.Code != CodeMethodNotFound {
		t.Errorf("Expected -32601, got %v", err)
	}
}

func TestEthAccountsAndChainId(t *testing.T) {
	handler, registry, _ := newTestHandler(t, nil, &mockChainClient{})

	result, err := dispatch(t, handler, "eth_accounts", nil)
	if err != nil {
		t.Fatalf("eth_accounts failed: %v", err)
	}
	if len(result.([]string)) != 0 {
		t.Error("Unconnected origin should see no accounts")
	}

	connect(t, registry)
	result, _ = dispatch(t, handler, "eth_accounts", nil)
	if accounts := result.([]string); len(accounts) != 1 || accounts[0] != testAccount {
		t.Errorf("Unexpected accounts: %v", accounts)
	}

	result, _ = dispatch(t, handler, "eth_chainId", nil)
	if result.(string) != testChain {
		t.Errorf("Unexpected chain id: %v", result)
	}
}
