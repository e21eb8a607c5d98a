package dapp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/templewallet/walletd/confirm"
	"github.com/templewallet/walletd/storage"
	"github.com/templewallet/walletd/tezos"
	"github.com/templewallet/walletd/vault"
)

type mockRPC struct {
	chainID  func(ctx context.Context) (string, error)
	simulate func(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]tezos.OpParam, error)
	forge    func(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]byte, error)
	inject   func(ctx context.Context, signedBytes []byte) (string, error)
}

func (m *mockRPC) ChainID(ctx context.Context) (string, error) {
	if m.chainID == nil {
		return "NetXdQprcVkpaWU", nil
	}
	return m.chainID(ctx)
}

func (m *mockRPC) Simulate(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]tezos.OpParam, error) {
	if m.simulate == nil {
		return ops, nil
	}
	return m.simulate(ctx, sourcePkh, ops)
}

func (m *mockRPC) Forge(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]byte, error) {
	if m.forge == nil {
		return []byte{0xfe}, nil
	}
	return m.forge(ctx, sourcePkh, ops)
}

func (m *mockRPC) Inject(ctx context.Context, signedBytes []byte) (string, error) {
	if m.inject == nil {
		return "oo123", nil
	}
	return m.inject(ctx, signedBytes)
}

type mockWallet struct {
	revealPublicKey func(pkh string) (string, error)
	sign            func(ctx context.Context, pkh string, bytes, watermark []byte) (*vault.Signature, error)
	sendOperations  func(ctx context.Context, rpc tezos.RPC, pkh string, ops []tezos.OpParam) (string, error)
}

func (m *mockWallet) RevealPublicKey(pkh string) (string, error) {
	if m.revealPublicKey == nil {
		return "edpkTest", nil
	}
	return m.revealPublicKey(pkh)
}

func (m *mockWallet) Sign(ctx context.Context, pkh string, bytes, watermark []byte) (*vault.Signature, error) {
	if m.sign == nil {
		return &vault.Signature{Sig: "edsigTest"}, nil
	}
	return m.sign(ctx, pkh, bytes, watermark)
}

func (m *mockWallet) SendOperations(ctx context.Context, rpc tezos.RPC, pkh string, ops []tezos.OpParam) (string, error) {
	if m.sendOperations == nil {
		return "ooHash", nil
	}
	return m.sendOperations(ctx, rpc, pkh, ops)
}

// autoConfirmOpener drives the broker the way a real surface would: pull the
// payload, then push the supplied decision message.
type autoConfirmOpener struct {
	broker  *confirm.Broker
	decide  func(id string, payload interface{}) json.RawMessage
	opens   atomic.Int32
	mu      sync.Mutex
	windows []*stubWindow
}

type stubWindow struct{ done chan struct{} }

func (w *stubWindow) Done() <-chan struct{} { return w.done }
func (w *stubWindow) Close() error          { return nil }

func (o *autoConfirmOpener) Open(ctx context.Context, id string) (confirm.Window, error) {
	o.opens.Add(1)
	w := &stubWindow{done: make(chan struct{})}
	o.mu.Lock()
	o.windows = append(o.windows, w)
	o.mu.Unlock()

	go func() {
		payload, err := o.broker.Payload(ctx, id)
		if err != nil {
			return
		}
		if msg := o.decide(id, payload); msg != nil {
			o.broker.Deliver(ctx, id, msg)
		}
	}()
	return w, nil
}

func newTestHandler(t *testing.T, decide func(id string, payload interface{}) json.RawMessage, w Wallet, rpc tezos.RPC) (*Handler, *Registry, *autoConfirmOpener) {
	t.Helper()
	kv, err := storage.OpenKV(":memory:")
	if err != nil {
		t.Fatalf("OpenKV failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	registry := NewRegistry(kv)
	opener := &autoConfirmOpener{decide: decide}
	broker := confirm.NewBroker(opener)
	opener.broker = broker

	handler := NewHandler(
		registry,
		broker,
		func() (Wallet, error) { return w, nil },
		func(network string) (tezos.RPC, error) {
			if network == "mainnet" {
				return rpc, nil
			}
			return nil, errors.New("unknown network")
		},
	)
	return handler, registry, opener
}

func confirmAs(msgType, pkh string) func(id string, payload interface{}) json.RawMessage {
	return func(id string, payload interface{}) json.RawMessage {
		raw, _ := json.Marshal(confirmationMessage{Type: msgType, Confirmed: true, AccountPkh: pkh})
		return raw
	}
}

func TestPermissionGrantAndFastPath(t *testing.T) {
	handler, _, opener := newTestHandler(t,
		confirmAs(msgTypePermConfirmation, "tz1abc"),
		&mockWallet{}, &mockRPC{})

	resp, err := handler.RequestPermission(context.Background(), "https://example.com", PermissionRequest{
		Network: "mainnet",
		AppMeta: AppMeta{Name: "Example"},
	})
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if resp.Pkh != "tz1abc" || resp.PublicKey != "edpkTest" || resp.Network != "mainnet" {
		t.Errorf("Unexpected grant: %+v", resp)
	}
	if opener.opens.Load() != 1 {
		t.Fatalf("Expected one confirmation window, got %d", opener.opens.Load())
	}

	// The same origin asking again must be served from the session without
	// another prompt.
	again, err := handler.RequestPermission(context.Background(), "https://example.com", PermissionRequest{Network: "mainnet"})
	if err != nil {
		t.Fatalf("Second RequestPermission failed: %v", err)
	}
	if again.Pkh != resp.Pkh || again.PublicKey != resp.PublicKey {
		t.Errorf("Fast path should return the original grant, got %+v", again)
	}

	current, err := handler.GetCurrentPermission("https://example.com")
	if err != nil {
		t.Fatalf("GetCurrentPermission failed: %v", err)
	}
	if current == nil || current.Pkh != "tz1abc" {
		t.Errorf("GetCurrentPermission should return the grant, got %+v", current)
	}

	if opener.opens.Load() != 1 {
		t.Errorf("No further prompts expected, got %d windows", opener.opens.Load())
	}
}

func TestPermissionDeclined(t *testing.T) {
	handler, _, _ := newTestHandler(t,
		func(id string, payload interface{}) json.RawMessage {
			raw, _ := json.Marshal(confirmationMessage{Type: msgTypePermConfirmation, Confirmed: false})
			return raw
		},
		&mockWallet{}, &mockRPC{})

	_, err := handler.RequestPermission(context.Background(), "https://example.com", PermissionRequest{Network: "mainnet"})
	if !errors.Is(err, ErrNotGranted) {
		t.Errorf("Expected ErrNotGranted, got %v", err)
	}

	if current, _ := handler.GetCurrentPermission("https://example.com"); current != nil {
		t.Error("Declined request must not store a session")
	}
}

func TestPermissionUnknownNetwork(t *testing.T) {
	handler, _, opener := newTestHandler(t, confirmAs(msgTypePermConfirmation, "tz1abc"), &mockWallet{}, &mockRPC{})

	_, err := handler.RequestPermission(context.Background(), "https://example.com", PermissionRequest{Network: "ghostnet-typo"})
	if !errors.Is(err, ErrNetworkNotSupported) {
		t.Errorf("Expected ErrNetworkNotSupported, got %v", err)
	}
	if opener.opens.Load() != 0 {
		t.Error("Unknown network must be rejected before any prompt")
	}
}

func TestOperationRequiresSession(t *testing.T) {
	handler, _, _ := newTestHandler(t, confirmAs(msgTypeOpsConfirmation, "tz1abc"), &mockWallet{}, &mockRPC{})

	_, err := handler.RequestOperation(context.Background(), "https://stranger.com", OperationRequest{
		SourcePkh: "tz1abc",
		OpParams:  []tezos.OpParam{{"kind": "transaction"}},
	})
	if !errors.Is(err, ErrNotGranted) {
		t.Errorf("Expected ErrNotGranted without a session, got %v", err)
	}
}

func grantSession(t *testing.T, registry *Registry, origin, pkh string) {
	t.Helper()
	err := registry.SetSession(origin, Session{Network: "mainnet", Pkh: pkh, PublicKey: "edpkTest"})
	if err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
}

func TestOperationPkhMismatch(t *testing.T) {
	handler, registry, _ := newTestHandler(t, confirmAs(msgTypeOpsConfirmation, "tz1abc"), &mockWallet{}, &mockRPC{})
	grantSession(t, registry, "https://example.com", "tz1abc")

	_, err := handler.RequestOperation(context.Background(), "https://example.com", OperationRequest{
		SourcePkh: "tz1other",
		OpParams:  []tezos.OpParam{{"kind": "transaction"}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on pkh mismatch, got %v", err)
	}
}

func TestOperationConfirmedInjects(t *testing.T) {
	var sentOps []tezos.OpParam
	w := &mockWallet{
		sendOperations: func(ctx context.Context, rpc tezos.RPC, pkh string, ops []tezos.OpParam) (string, error) {
			sentOps = ops
			return "ooFinal", nil
		},
	}
	handler, registry, _ := newTestHandler(t, confirmAs(msgTypeOpsConfirmation, "tz1abc"), w, &mockRPC{})
	grantSession(t, registry, "https://example.com", "tz1abc")

	opHash, err := handler.RequestOperation(context.Background(), "https://example.com", OperationRequest{
		SourcePkh: "tz1abc",
		OpParams:  []tezos.OpParam{{"kind": "transaction", "amount": "100"}},
	})
	if err != nil {
		t.Fatalf("RequestOperation failed: %v", err)
	}
	if opHash != "ooFinal" {
		t.Errorf("Expected the injected hash, got %q", opHash)
	}
	if len(sentOps) != 1 || sentOps[0].Kind() != "transaction" {
		t.Errorf("Unexpected injected ops: %+v", sentOps)
	}
}

func TestDryRunFailureShowsRawParams(t *testing.T) {
	rpc := &mockRPC{
		simulate: func(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]tezos.OpParam, error) {
			return nil, errors.New("node unreachable")
		},
	}

	var shown confirmPayload
	decide := func(id string, payload interface{}) json.RawMessage {
		shown = payload.(confirmPayload)
		raw, _ := json.Marshal(confirmationMessage{Type: msgTypeOpsConfirmation, Confirmed: true, AccountPkh: "tz1abc"})
		return raw
	}
	handler, registry, _ := newTestHandler(t, decide, &mockWallet{}, rpc)
	grantSession(t, registry, "https://example.com", "tz1abc")

	ops := []tezos.OpParam{{"kind": "transaction", "amount": "42"}}
	if _, err := handler.RequestOperation(context.Background(), "https://example.com", OperationRequest{
		SourcePkh: "tz1abc",
		OpParams:  ops,
	}); err != nil {
		t.Fatalf("RequestOperation failed: %v", err)
	}

	if len(shown.OpParams) != 1 || shown.OpParams[0]["amount"] != "42" {
		t.Errorf("Failed simulation must show the raw params, got %+v", shown.OpParams)
	}
}

func TestDryRunClampsGasLimit(t *testing.T) {
	rpc := &mockRPC{
		simulate: func(ctx context.Context, sourcePkh string, ops []tezos.OpParam) ([]tezos.OpParam, error) {
			out := ops[0].Clone()
			out["gas_limit"] = "9999999"
			return []tezos.OpParam{out}, nil
		},
	}

	annotated, err := dryRunOpParams(context.Background(), rpc, "tz1abc", []tezos.OpParam{{"kind": "transaction"}})
	if err != nil {
		t.Fatalf("dryRunOpParams failed: %v", err)
	}
	if got := annotated[0]["gas_limit"]; got != "1040000" {
		t.Errorf("Gas limit should be clamped to the per-operation cap, got %v", got)
	}
}

func TestSignConfirmed(t *testing.T) {
	handler, registry, _ := newTestHandler(t, confirmAs(msgTypeSignConfirmation, "tz1abc"), &mockWallet{}, &mockRPC{})
	grantSession(t, registry, "https://example.com", "tz1abc")

	sig, err := handler.RequestSign(context.Background(), "https://example.com", SignRequest{
		SourcePkh: "tz1abc",
		Payload:   "05deadbeef",
	})
	if err != nil {
		t.Fatalf("RequestSign failed: %v", err)
	}
	if sig != "edsigTest" {
		t.Errorf("Unexpected signature: %q", sig)
	}
}

func TestSignInvalidHex(t *testing.T) {
	handler, registry, _ := newTestHandler(t, confirmAs(msgTypeSignConfirmation, "tz1abc"), &mockWallet{}, &mockRPC{})
	grantSession(t, registry, "https://example.com", "tz1abc")

	_, err := handler.RequestSign(context.Background(), "https://example.com", SignRequest{
		SourcePkh: "tz1abc",
		Payload:   "not hex",
	})
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams, got %v", err)
	}
}

func TestBroadcastOperationErrorPassthrough(t *testing.T) {
	opErr := &tezos.OperationError{
		Message: "balance too low",
		Errors:  []tezos.RPCError{{Kind: "temporary", ID: "proto.contract.balance_too_low"}},
	}
	rpc := &mockRPC{
		inject: func(ctx context.Context, signedBytes []byte) (string, error) {
			return "", opErr
		},
	}
	handler, registry, _ := newTestHandler(t, nil, &mockWallet{}, rpc)
	grantSession(t, registry, "https://example.com", "tz1abc")

	_, err := handler.RequestBroadcast(context.Background(), "https://example.com", "deadbeef")
	var got *tezos.OperationError
	if !errors.As(err, &got) {
		t.Fatalf("Operation error must pass through, got %v", err)
	}

	wire := ToBeaconError(err)
	if wire.ErrorType != BeaconErrTransactionInvaid || wire.ErrorData == nil {
		t.Errorf("Structured errors must survive to the wire, got %+v", wire)
	}
}

func TestRemoveSessionPurgesCounterpartKey(t *testing.T) {
	kv, err := storage.OpenKV(":memory:")
	if err != nil {
		t.Fatalf("OpenKV failed: %v", err)
	}
	defer kv.Close()
	registry := NewRegistry(kv)

	if err := registry.SetSession("https://example.com", Session{Network: "mainnet", Pkh: "tz1abc"}); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	if err := registry.SetCounterpartKey("https://example.com", []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetCounterpartKey failed: %v", err)
	}

	if err := registry.RemoveSession("https://example.com"); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}

	if _, ok, _ := registry.Session("https://example.com"); ok {
		t.Error("Session should be gone")
	}
	if _, ok, _ := registry.CounterpartKey("https://example.com"); ok {
		t.Error("Counterpart key must be purged with the session")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrInvalidParams, BeaconErrParamsInvalid},
		{ErrNotGranted, BeaconErrNotGranted},
		{ErrNotFound, BeaconErrNoAddress},
		{ErrAborted, BeaconErrAborted},
		{ErrNetworkNotSupported, BeaconErrNetworkNotSupport},
		{errors.New("disk on fire"), BeaconErrUnknown},
	}
	for _, c := range cases {
		if got := ToBeaconError(c.err).ErrorType; got != c.want {
			t.Errorf("ToBeaconError(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestTimeoutMapsToNotGranted(t *testing.T) {
	kv, _ := storage.OpenKV(":memory:")
	t.Cleanup(func() { kv.Close() })
	registry := NewRegistry(kv)

	// A surface that never answers.
	opener := &autoConfirmOpener{decide: func(id string, payload interface{}) json.RawMessage { return nil }}
	broker := confirm.NewBroker(opener)
	opener.broker = broker

	handler := NewHandler(registry, broker,
		func() (Wallet, error) { return &mockWallet{}, nil },
		func(network string) (tezos.RPC, error) { return &mockRPC{}, nil },
	)
	grantSession(t, registry, "https://example.com", "tz1abc")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := handler.RequestSign(ctx, "https://example.com", SignRequest{SourcePkh: "tz1abc", Payload: "05aa"})
	if !errors.Is(err, ErrNotGranted) {
		t.Errorf("Timed-out confirmation should map to ErrNotGranted, got %v", err)
	}
}
