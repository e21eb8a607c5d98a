// Package vault owns all secret material: the wallet mnemonic and every
// account's private key, encrypted at rest under a key derived from the
// user's password. The Vault object itself is stateless besides the pass-key;
// all state lives in storage, so every mutation reads the current encrypted
// value, derives the next one, and writes it back whole.
package vault

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/passworder"
	"github.com/templewallet/walletd/storage"
	"github.com/templewallet/walletd/tezos"
)

// Storage keys of the current scheme. Encrypted entries hold a passworder
// {dt, iv} payload; salt and migration level are plain.
const (
	checkStrgKey     = "vault_check"
	saltStrgKey      = "vault_salt"
	mnemonicStrgKey  = "vault_mnemonic"
	accountsStrgKey  = "vault_accounts"
	settingsStrgKey  = "vault_settings"
	migrationStrgKey = "vault_migration"

	accPrivKeyPrefix = "vault_accprivkey_"
	accPubKeyPrefix  = "vault_accpubkey_"
)

func accPrivKeyStrgKey(pkh string) string { return accPrivKeyPrefix + pkh }
func accPubKeyStrgKey(pkh string) string  { return accPubKeyPrefix + pkh }

// Vault is the unlocked key store. Instances are created by Setup (or Spawn
// followed by Setup) and dropped on lock; the derived key never outlives the
// unlocked session.
type Vault struct {
	kv      *storage.KV
	passKey *passworder.PassKey
	key     *passworder.Key
	ledger  LedgerFactory
}

// LedgerFactory opens a connection to a hardware signer. Injected by the
// process entry point; nil means no hardware support.
type LedgerFactory func() (LedgerTransport, error)

// IsExist reports whether a wallet has been created in this storage, under
// either the current or the legacy scheme.
func IsExist(kv *storage.KV) bool {
	if _, err := kv.Get(checkStrgKey); err == nil {
		return true
	}
	_, err := kv.Get(legacyCheckStrgKey)
	return err == nil
}

// Spawn initializes a brand-new wallet: generates a mnemonic when none is
// given, derives the first HD account, clears all prior storage, and writes
// everything encrypted under a freshly derived pass-key. The migration level
// is recorded as current so a fresh wallet never replays migrations.
func Spawn(kv *storage.KV, password, mnemonic string) error {
	if err := spawn(kv, password, mnemonic); err != nil {
		log.Error().Err(err).Msg("Wallet creation failed")
		return withPublicFallback(err, "Failed to create wallet")
	}
	return nil
}

func spawn(kv *storage.KV, password, mnemonic string) error {
	if mnemonic == "" {
		generated, err := tezos.NewMnemonic()
		if err != nil {
			return err
		}
		mnemonic = generated
	} else if !tezos.ValidateMnemonic(mnemonic) {
		return NewPublicError("Invalid mnemonic")
	}

	tezKey, err := tezos.KeyFromMnemonic(mnemonic, 0)
	if err != nil {
		return err
	}
	defer tezKey.Zero()

	evmKey, err := evmKeyFromMnemonic(mnemonic, 0)
	if err != nil {
		return err
	}
	defer evmKey.Zero()

	salt, err := passworder.GenerateSalt(passworder.SaltSize)
	if err != nil {
		return err
	}
	passKey := passworder.GenerateKey(password)
	key, err := passworder.DeriveKey(passKey, salt)
	if err != nil {
		return err
	}

	if err := kv.Clear(); err != nil {
		return err
	}

	pkh := tezKey.Address()
	initial := Account{
		Type:          AccountTypeHD,
		Name:          "Account 1",
		PublicKeyHash: pkh,
		HDIndex:       0,
		EvmAddress:    evmKey.Address(),
	}

	writes := []struct {
		key   string
		value interface{}
	}{
		{checkStrgKey, "ok"},
		{mnemonicStrgKey, mnemonic},
		{accPrivKeyStrgKey(pkh), tezKey.String()},
		{accPubKeyStrgKey(pkh), tezKey.PublicKey()},
		{accPrivKeyStrgKey(initial.EvmAddress), evmKey.String()},
		{accountsStrgKey, []Account{initial}},
	}
	for _, w := range writes {
		if err := putEncrypted(kv, w.key, w.value, key); err != nil {
			return err
		}
	}

	if err := kv.Put(saltStrgKey, []byte(hex.EncodeToString(salt))); err != nil {
		return err
	}
	return writeMigrationLevel(kv, len(migrations))
}

// Setup unlocks an existing wallet: runs pending storage migrations, then
// validates the password by decrypting the check entry. Every failure mode
// surfaces as the same generic PublicError so callers can't distinguish
// which check failed.
func Setup(kv *storage.KV, password string) (*Vault, error) {
	if err := RunMigrations(kv, password); err != nil {
		log.Error().Err(err).Msg("Storage migration failed during unlock")
		return nil, NewPublicError("Failed to unlock wallet")
	}

	vault, err := unlock(kv, password)
	if err != nil {
		return nil, NewPublicError("Failed to unlock wallet")
	}
	return vault, nil
}

func unlock(kv *storage.KV, password string) (*Vault, error) {
	saltHex, err := kv.Get(saltStrgKey)
	if err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(string(saltHex))
	if err != nil {
		return nil, err
	}

	passKey := passworder.GenerateKey(password)
	key, err := passworder.DeriveKey(passKey, salt)
	if err != nil {
		return nil, err
	}

	var check string
	if err := getEncrypted(kv, checkStrgKey, key, &check); err != nil {
		return nil, err
	}

	return &Vault{kv: kv, passKey: passKey, key: key}, nil
}

// SetLedgerFactory injects the hardware transport opener.
func (v *Vault) SetLedgerFactory(factory LedgerFactory) {
	v.ledger = factory
}

// RevealMnemonic returns the seed phrase after re-validating the password.
func (v *Vault) RevealMnemonic(password string) (string, error) {
	if err := v.recheckPassword(password); err != nil {
		return "", err
	}
	var mnemonic string
	if err := getEncrypted(v.kv, mnemonicStrgKey, v.key, &mnemonic); err != nil {
		return "", withPublicFallback(err, "Failed to reveal seed phrase")
	}
	return mnemonic, nil
}

// RevealPrivateKey returns an account's encoded private key after
// re-validating the password.
func (v *Vault) RevealPrivateKey(password, pkh string) (string, error) {
	if err := v.recheckPassword(password); err != nil {
		return "", err
	}
	var privKey string
	if err := getEncrypted(v.kv, accPrivKeyStrgKey(pkh), v.key, &privKey); err != nil {
		return "", withPublicFallback(err, "Failed to reveal private key")
	}
	return privKey, nil
}

// RevealPublicKey returns an account's encoded public key. Public keys are
// not secret but live encrypted alongside the rest of the scheme.
func (v *Vault) RevealPublicKey(pkh string) (string, error) {
	var pubKey string
	if err := getEncrypted(v.kv, accPubKeyStrgKey(pkh), v.key, &pubKey); err != nil {
		return "", withPublicFallback(err, "Failed to reveal public key")
	}
	return pubKey, nil
}

// BackupAuthKey derives the 32-byte key authenticating encrypted backup
// snapshots. Domain-separated from the storage encryption keys.
func (v *Vault) BackupAuthKey() ([]byte, error) {
	saltHex, err := v.kv.Get(saltStrgKey)
	if err != nil {
		return nil, withPublicFallback(err, "Failed to derive backup key")
	}
	salt, err := hex.DecodeString(string(saltHex))
	if err != nil {
		return nil, withPublicFallback(err, "Failed to derive backup key")
	}
	raw, err := passworder.DeriveBytes(v.passKey, salt, "backup-auth", 32)
	if err != nil {
		return nil, withPublicFallback(err, "Failed to derive backup key")
	}
	return raw, nil
}

// Settings returns the stored settings snapshot, empty if none was written.
func (v *Vault) Settings() (Settings, error) {
	var settings Settings
	err := getEncrypted(v.kv, settingsStrgKey, v.key, &settings)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Settings{}, withPublicFallback(err, "Failed to read settings")
	}
	return settings, nil
}

// UpdateSettings merges the given patch into the stored settings.
func (v *Vault) UpdateSettings(patch Settings) (Settings, error) {
	current, err := v.Settings()
	if err != nil {
		return Settings{}, err
	}

	if patch.Contacts != nil {
		current.Contacts = patch.Contacts
	}
	if patch.DAppsEnabled != nil {
		current.DAppsEnabled = patch.DAppsEnabled
	}

	if err := putEncrypted(v.kv, settingsStrgKey, current, v.key); err != nil {
		return Settings{}, withPublicFallback(err, "Failed to update settings")
	}
	return current, nil
}

func (v *Vault) recheckPassword(password string) error {
	saltHex, err := v.kv.Get(saltStrgKey)
	if err != nil {
		return NewPublicError("Invalid password")
	}
	salt, err := hex.DecodeString(string(saltHex))
	if err != nil {
		return NewPublicError("Invalid password")
	}
	key, err := passworder.DeriveKey(passworder.GenerateKey(password), salt)
	if err != nil {
		return NewPublicError("Invalid password")
	}
	var check string
	if err := getEncrypted(v.kv, checkStrgKey, key, &check); err != nil {
		return NewPublicError("Invalid password")
	}
	return nil
}

func putEncrypted(kv *storage.KV, strgKey string, value interface{}, key *passworder.Key) error {
	payload, err := passworder.Encrypt(value, key)
	if err != nil {
		return err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return kv.Put(strgKey, raw)
}

func getEncrypted(kv *storage.KV, strgKey string, key *passworder.Key, out interface{}) error {
	raw, err := kv.Get(strgKey)
	if err != nil {
		return err
	}
	payload, err := decodePayload(raw)
	if err != nil {
		return err
	}
	return passworder.Decrypt(payload, key, out)
}

func encodePayload(p *passworder.Payload) ([]byte, error) {
	return json.Marshal(p)
}

func decodePayload(raw []byte) (*passworder.Payload, error) {
	var p passworder.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed encrypted payload: %w", err)
	}
	return &p, nil
}

func readMigrationLevel(kv *storage.KV) (int, error) {
	raw, err := kv.Get(migrationStrgKey)
	if errors.Is(err, storage.ErrNotFound) {
		// No recorded level: a legacy wallet predates the counter and
		// starts at zero; anything else is already current.
		if _, err := kv.Get(legacyCheckStrgKey); err == nil {
			return 0, nil
		}
		return len(migrations), nil
	}
	if err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("malformed migration level: %w", err)
	}
	return level, nil
}

func writeMigrationLevel(kv *storage.KV, level int) error {
	return kv.Put(migrationStrgKey, []byte(strconv.Itoa(level)))
}
