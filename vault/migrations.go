package vault

import (
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/passworder"
	"github.com/templewallet/walletd/storage"
)

// Storage keys of the pre-versioned legacy scheme. Legacy entries were
// encrypted under a key derived from the raw password bytes with the old
// iteration count.
const (
	legacyCheckStrgKey    = "check"
	legacySaltStrgKey     = "salt"
	legacyMnemonicStrgKey = "mnemonic"
	legacyAccountsStrgKey = "accounts"

	legacyAccPrivKeyPrefix = "accprivkey_"
	legacyAccPubKeyPrefix  = "accpubkey_"
)

// migrations run in order during unlock. Each entry receives the password
// typed by the user; an entry must either complete fully or leave storage
// untouched, because the recorded level only advances on success and a
// failed step is retried on the next unlock.
var migrations = []func(kv *storage.KV, password string) error{
	migrateLegacyScheme,
}

// RunMigrations applies every migration past the recorded level. The level
// is persisted after each successful step, never before, so a crash or a
// failing step resumes at the exact step that did not complete.
func RunMigrations(kv *storage.KV, password string) error {
	level, err := readMigrationLevel(kv)
	if err != nil {
		return err
	}
	if level >= len(migrations) {
		return nil
	}

	for i := level; i < len(migrations); i++ {
		if err := migrations[i](kv, password); err != nil {
			log.Error().Err(err).Int("level", i).Msg("Storage migration failed")
			return err
		}
		if err := writeMigrationLevel(kv, i+1); err != nil {
			return err
		}
		log.Info().Int("level", i+1).Msg("Storage migration applied")
	}
	return nil
}

// migrateLegacyScheme re-encrypts a legacy wallet under the current scheme:
// new salt, new iteration count, prefixed storage keys. Legacy entries are
// deleted only after every re-encrypted entry has been written.
func migrateLegacyScheme(kv *storage.KV, password string) error {
	if _, err := kv.Get(legacyCheckStrgKey); err != nil {
		// Nothing to migrate.
		return nil
	}

	legacySaltHex, err := kv.Get(legacySaltStrgKey)
	if err != nil {
		return err
	}
	legacySalt, err := hex.DecodeString(string(legacySaltHex))
	if err != nil {
		return err
	}

	legacyPassKey := passworder.GenerateKeyLegacy(password)
	legacyKey, err := passworder.DeriveKeyLegacy(legacyPassKey, legacySalt)
	if err != nil {
		return err
	}

	// Wrong password must fail here, before anything is rewritten.
	var check string
	if err := getEncrypted(kv, legacyCheckStrgKey, legacyKey, &check); err != nil {
		return err
	}

	salt, err := passworder.GenerateSalt(passworder.SaltSize)
	if err != nil {
		return err
	}
	passKey := passworder.GenerateKey(password)
	key, err := passworder.DeriveKey(passKey, salt)
	if err != nil {
		return err
	}

	legacyKeys, err := kv.Keys("")
	if err != nil {
		return err
	}

	reencrypt := func(oldKey, newKey string) error {
		var value string
		if err := getEncrypted(kv, oldKey, legacyKey, &value); err != nil {
			return err
		}
		return putEncrypted(kv, newKey, value, key)
	}

	if err := putEncrypted(kv, checkStrgKey, check, key); err != nil {
		return err
	}
	for _, k := range legacyKeys {
		switch {
		case k == legacyMnemonicStrgKey:
			err = reencrypt(k, mnemonicStrgKey)
		case k == legacyAccountsStrgKey:
			var accounts []Account
			if err = getEncrypted(kv, k, legacyKey, &accounts); err == nil {
				err = putEncrypted(kv, accountsStrgKey, accounts, key)
			}
		case strings.HasPrefix(k, legacyAccPrivKeyPrefix):
			err = reencrypt(k, accPrivKeyPrefix+strings.TrimPrefix(k, legacyAccPrivKeyPrefix))
		case strings.HasPrefix(k, legacyAccPubKeyPrefix):
			err = reencrypt(k, accPubKeyPrefix+strings.TrimPrefix(k, legacyAccPubKeyPrefix))
		}
		if err != nil {
			return err
		}
	}

	if err := kv.Put(saltStrgKey, []byte(hex.EncodeToString(salt))); err != nil {
		return err
	}

	for _, k := range legacyKeys {
		if k == legacyCheckStrgKey || k == legacySaltStrgKey ||
			k == legacyMnemonicStrgKey || k == legacyAccountsStrgKey ||
			strings.HasPrefix(k, legacyAccPrivKeyPrefix) ||
			strings.HasPrefix(k, legacyAccPubKeyPrefix) {
			if err := kv.Delete(k); err != nil {
				return err
			}
		}
	}

	log.Info().Msg("Legacy wallet storage migrated")
	return nil
}
