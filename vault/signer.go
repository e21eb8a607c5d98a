package vault

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/evm"
	"github.com/templewallet/walletd/tezos"
)

// LedgerTransport is one connected hardware signer session. Implementations
// own the underlying device channel and release it on Close.
type LedgerTransport interface {
	PublicKey(ctx context.Context, derivationPath string) (string, error)
	Sign(ctx context.Context, derivationPath string, watermarkedBytes []byte) ([]byte, error)
	Close() error
}

// Signature is a produced Tezos signature in both raw and base58 form.
type Signature struct {
	Bytes []byte
	Sig   string
}

// Sign signs raw bytes on behalf of pkh with the given watermark. Watch-only
// accounts refuse, managed KT accounts sign through their owner key, Ledger
// accounts through the device transport; everything else uses the stored key.
func (v *Vault) Sign(ctx context.Context, pkh string, bytes, watermark []byte) (*Signature, error) {
	acc, err := v.findAccount(pkh)
	if err != nil {
		return nil, err
	}

	switch acc.Type {
	case AccountTypeWatchOnly:
		return nil, NewPublicError("Cannot sign Watch-only account")

	case AccountTypeManagedKT:
		return v.signWithStoredKey(acc.Owner, bytes, watermark)

	case AccountTypeLedger:
		return v.signWithLedger(ctx, acc, bytes, watermark)

	default:
		return v.signWithStoredKey(pkh, bytes, watermark)
	}
}

func (v *Vault) signWithStoredKey(pkh string, bytes, watermark []byte) (*Signature, error) {
	var encoded string
	if err := getEncrypted(v.kv, accPrivKeyStrgKey(pkh), v.key, &encoded); err != nil {
		return nil, withPublicFallback(err, "Failed to sign")
	}
	key, err := tezos.ParsePrivateKey(encoded)
	if err != nil {
		return nil, withPublicFallback(err, "Failed to sign")
	}
	defer key.Zero()

	sig := key.Sign(bytes, watermark)
	return &Signature{Bytes: sig, Sig: tezos.EncodeB58(tezos.PrefixEdsig, sig)}, nil
}

func (v *Vault) signWithLedger(ctx context.Context, acc *Account, bytes, watermark []byte) (*Signature, error) {
	if v.ledger == nil {
		return nil, NewPublicError("Ledger support is not available")
	}
	transport, err := v.ledger()
	if err != nil {
		return nil, NewPublicError("Failed to connect Ledger device")
	}
	defer transport.Close()

	payload := append(append([]byte{}, watermark...), bytes...)
	sig, err := transport.Sign(ctx, acc.DerivationPath, payload)
	if err != nil {
		return nil, withPublicFallback(err, "Failed to sign with Ledger device")
	}
	return &Signature{Bytes: sig, Sig: tezos.EncodeB58(tezos.PrefixEdsig, sig)}, nil
}

// SignEvmDigest signs a 32-byte digest with the EVM key of the account and
// returns the 65-byte R||S||V signature as a 0x hex string.
func (v *Vault) SignEvmDigest(address string, digest []byte) (string, error) {
	acc, err := v.findAccountByEvmAddress(address)
	if err != nil {
		return "", err
	}
	if acc.Type == AccountTypeWatchOnly {
		return "", NewPublicError("Cannot sign Watch-only account")
	}

	var encoded string
	if err := getEncrypted(v.kv, accPrivKeyStrgKey(acc.EvmAddress), v.key, &encoded); err != nil {
		return "", withPublicFallback(err, "Failed to sign")
	}
	key, err := evm.ParsePrivateKey(encoded)
	if err != nil {
		return "", withPublicFallback(err, "Failed to sign")
	}
	defer key.Zero()

	sig, err := key.SignDigest(digest)
	if err != nil {
		return "", withPublicFallback(err, "Failed to sign")
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// SendOperations forges, signs and injects a batch of operations for pkh.
// RPC node errors with structured operation details pass through verbatim so
// callers can surface the failing operation.
func (v *Vault) SendOperations(ctx context.Context, rpc tezos.RPC, pkh string, ops []tezos.OpParam) (string, error) {
	forged, err := rpc.Forge(ctx, pkh, ops)
	if err != nil {
		return "", withPublicFallback(err, "Failed to send operations")
	}

	sig, err := v.Sign(ctx, pkh, forged, tezos.WatermarkOperation)
	if err != nil {
		return "", err
	}

	signed := append(append([]byte{}, forged...), sig.Bytes...)
	opHash, err := rpc.Inject(ctx, signed)
	if err != nil {
		return "", withPublicFallback(err, "Failed to send operations")
	}

	log.Info().Str("pkh", pkh).Str("op_hash", opHash).Int("ops", len(ops)).Msg("Operations injected")
	return opHash, nil
}

func (v *Vault) findAccount(pkh string) (*Account, error) {
	accounts, err := v.Accounts()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].PublicKeyHash == pkh {
			return &accounts[i], nil
		}
	}
	return nil, NewPublicError("Account not found")
}

func (v *Vault) findAccountByEvmAddress(address string) (*Account, error) {
	accounts, err := v.Accounts()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].EvmAddress != "" && strings.EqualFold(accounts[i].EvmAddress, address) {
			return &accounts[i], nil
		}
	}
	return nil, NewPublicError("Account not found")
}
