package vault

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/evm"
	"github.com/templewallet/walletd/tezos"
)

// AccountType discriminates the account union.
type AccountType string

const (
	AccountTypeHD        AccountType = "HD"
	AccountTypeImported  AccountType = "Imported"
	AccountTypeLedger    AccountType = "Ledger"
	AccountTypeManagedKT AccountType = "ManagedKT"
	AccountTypeWatchOnly AccountType = "WatchOnly"
)

// Account is one entry of the wallet's account list. PublicKeyHash is the
// primary identity and is globally unique across the list.
type Account struct {
	Type          AccountType `json:"type"`
	Name          string      `json:"name"`
	PublicKeyHash string      `json:"publicKeyHash"`

	// HD accounts
	HDIndex    int    `json:"hdIndex,omitempty"`
	EvmAddress string `json:"evmAddress,omitempty"`

	// Ledger accounts
	DerivationPath string `json:"derivationPath,omitempty"`
	DerivationType string `json:"derivationType,omitempty"`

	// Managed KT accounts
	ChainID string `json:"chainId,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

// Contact is an address-book entry kept in settings.
type Contact struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Settings is the wallet settings snapshot, stored encrypted like every
// other vault entry.
type Settings struct {
	Contacts     []Contact `json:"contacts,omitempty"`
	DAppsEnabled *bool     `json:"dAppsEnabled,omitempty"`
}

var accountNameRe = regexp.MustCompile(`^.{0,16}$`)

// Accounts returns the current account list.
func (v *Vault) Accounts() ([]Account, error) {
	var accounts []Account
	if err := getEncrypted(v.kv, accountsStrgKey, v.key, &accounts); err != nil {
		return nil, withPublicFallback(err, "Failed to read accounts")
	}
	return accounts, nil
}

// CreateHDAccount derives the next account from the wallet mnemonic. When
// the derived public key hash collides with an existing account (the index
// was already imported by hand), the index is advanced and derivation
// retried.
func (v *Vault) CreateHDAccount(name string) (*Account, []Account, error) {
	accounts, err := v.Accounts()
	if err != nil {
		return nil, nil, err
	}

	nextIndex := 0
	for _, acc := range accounts {
		if acc.Type == AccountTypeHD && acc.HDIndex >= nextIndex {
			nextIndex = acc.HDIndex + 1
		}
	}

	acc, all, err := v.createHDAccountAt(accounts, name, nextIndex)
	if err != nil {
		return nil, nil, withPublicFallback(err, "Failed to create account")
	}
	return acc, all, nil
}

func (v *Vault) createHDAccountAt(accounts []Account, name string, hdIndex int) (*Account, []Account, error) {
	var mnemonic string
	if err := getEncrypted(v.kv, mnemonicStrgKey, v.key, &mnemonic); err != nil {
		return nil, nil, err
	}

	tezKey, err := tezos.KeyFromMnemonic(mnemonic, hdIndex)
	if err != nil {
		return nil, nil, err
	}
	defer tezKey.Zero()

	pkh := tezKey.Address()
	for _, acc := range accounts {
		if acc.PublicKeyHash == pkh {
			// Index already occupied by an imported copy of the same
			// key; move on to the next one.
			return v.createHDAccountAt(accounts, name, hdIndex+1)
		}
	}

	if name == "" {
		name = defaultAccountName(accounts)
	}
	if err := validateName(accounts, name); err != nil {
		return nil, nil, err
	}

	evmKey, err := evmKeyFromMnemonic(mnemonic, hdIndex)
	if err != nil {
		return nil, nil, err
	}
	defer evmKey.Zero()

	acc := Account{
		Type:          AccountTypeHD,
		Name:          name,
		PublicKeyHash: pkh,
		HDIndex:       hdIndex,
		EvmAddress:    evmKey.Address(),
	}

	if err := putEncrypted(v.kv, accPrivKeyStrgKey(pkh), tezKey.String(), v.key); err != nil {
		return nil, nil, err
	}
	if err := putEncrypted(v.kv, accPubKeyStrgKey(pkh), tezKey.PublicKey(), v.key); err != nil {
		return nil, nil, err
	}
	if err := putEncrypted(v.kv, accPrivKeyStrgKey(acc.EvmAddress), evmKey.String(), v.key); err != nil {
		return nil, nil, err
	}

	all := append(append([]Account{}, accounts...), acc)
	if err := putEncrypted(v.kv, accountsStrgKey, all, v.key); err != nil {
		return nil, nil, err
	}

	log.Info().Str("pkh", pkh).Int("hd_index", hdIndex).Msg("HD account created")
	return &acc, all, nil
}

// ImportAccount imports a raw private key: an edsk Tezos key or a 0x hex
// EVM key.
func (v *Vault) ImportAccount(name, encodedKey string) (*Account, []Account, error) {
	accounts, err := v.Accounts()
	if err != nil {
		return nil, nil, err
	}

	var acc Account
	switch {
	case strings.HasPrefix(encodedKey, "edsk"):
		key, err := tezos.ParsePrivateKey(encodedKey)
		if err != nil {
			return nil, nil, NewPublicError("Invalid private key")
		}
		defer key.Zero()

		acc = Account{
			Type:          AccountTypeImported,
			PublicKeyHash: key.Address(),
		}
		if err := v.storeImported(&acc, accounts, name, key.String(), key.PublicKey()); err != nil {
			return nil, nil, withPublicFallback(err, "Failed to import account")
		}

	case strings.HasPrefix(encodedKey, "0x"):
		key, err := evm.ParsePrivateKey(encodedKey)
		if err != nil {
			return nil, nil, NewPublicError("Invalid private key")
		}
		defer key.Zero()

		acc = Account{
			Type:          AccountTypeImported,
			PublicKeyHash: key.Address(),
			EvmAddress:    key.Address(),
		}
		if err := v.storeImported(&acc, accounts, name, key.String(), ""); err != nil {
			return nil, nil, withPublicFallback(err, "Failed to import account")
		}

	default:
		return nil, nil, NewPublicError("Invalid private key")
	}

	all, err := v.Accounts()
	if err != nil {
		return nil, nil, err
	}
	return &acc, all, nil
}

func (v *Vault) storeImported(acc *Account, accounts []Account, name, privKey, pubKey string) error {
	for _, existing := range accounts {
		if existing.PublicKeyHash == acc.PublicKeyHash {
			return NewPublicError("Account already exists")
		}
	}

	if name == "" {
		name = defaultAccountName(accounts)
	}
	if err := validateName(accounts, name); err != nil {
		return err
	}
	acc.Name = name

	if err := putEncrypted(v.kv, accPrivKeyStrgKey(acc.PublicKeyHash), privKey, v.key); err != nil {
		return err
	}
	if pubKey != "" {
		if err := putEncrypted(v.kv, accPubKeyStrgKey(acc.PublicKeyHash), pubKey, v.key); err != nil {
			return err
		}
	}

	all := append(append([]Account{}, accounts...), *acc)
	if err := putEncrypted(v.kv, accountsStrgKey, all, v.key); err != nil {
		return err
	}

	log.Info().Str("pkh", acc.PublicKeyHash).Msg("Account imported")
	return nil
}

// ImportMnemonicAccount imports the account at a derivation path of a
// foreign mnemonic (not the wallet's own seed phrase).
func (v *Vault) ImportMnemonicAccount(name, mnemonic, passphrase, derivationPath string) (*Account, []Account, error) {
	if !tezos.ValidateMnemonic(mnemonic) {
		return nil, nil, NewPublicError("Invalid mnemonic")
	}
	if derivationPath == "" {
		derivationPath = tezos.DerivationPath(0)
	}

	seed := tezos.MnemonicToSeed(mnemonic, passphrase)
	derived, err := tezos.DeriveSeed(seed, derivationPath)
	if err != nil {
		return nil, nil, NewPublicError("Invalid derivation path")
	}
	key, err := tezos.NewPrivateKeyFromSeed(derived)
	if err != nil {
		return nil, nil, withPublicFallback(err, "Failed to import account")
	}
	return v.ImportAccount(name, key.String())
}

// ImportFundraiserAccount imports a fundraiser-era account from its
// email/password/mnemonic triple.
func (v *Vault) ImportFundraiserAccount(name, email, password, mnemonic string) (*Account, []Account, error) {
	key, err := tezos.KeyFromFundraiser(email, password, mnemonic)
	if err != nil {
		return nil, nil, NewPublicError("Invalid fundraiser credentials")
	}
	return v.ImportAccount(name, key.String())
}

// ImportManagedKTAccount registers an originated KT1 contract managed by one
// of the wallet's own implicit accounts. The contract has no key material;
// signing resolves through the owner.
func (v *Vault) ImportManagedKTAccount(name, ktAddress, chainID, ownerPkh string) (*Account, []Account, error) {
	if !tezos.IsKTAddress(ktAddress) {
		return nil, nil, NewPublicError("Invalid contract address")
	}

	accounts, err := v.Accounts()
	if err != nil {
		return nil, nil, err
	}

	ownerFound := false
	for _, acc := range accounts {
		if acc.PublicKeyHash == ktAddress {
			return nil, nil, NewPublicError("Account already exists")
		}
		if acc.PublicKeyHash == ownerPkh && acc.Type != AccountTypeWatchOnly && acc.Type != AccountTypeManagedKT {
			ownerFound = true
		}
	}
	if !ownerFound {
		return nil, nil, NewPublicError("Unknown owner account")
	}

	if name == "" {
		name = defaultAccountName(accounts)
	}
	if err := validateName(accounts, name); err != nil {
		return nil, nil, err
	}

	acc := Account{
		Type:          AccountTypeManagedKT,
		Name:          name,
		PublicKeyHash: ktAddress,
		ChainID:       chainID,
		Owner:         ownerPkh,
	}

	all := append(append([]Account{}, accounts...), acc)
	if err := putEncrypted(v.kv, accountsStrgKey, all, v.key); err != nil {
		return nil, nil, withPublicFallback(err, "Failed to import account")
	}
	return &acc, all, nil
}

// ImportWatchOnlyAccount registers an address without key material.
func (v *Vault) ImportWatchOnlyAccount(name, address, chainID string) (*Account, []Account, error) {
	if !tezos.IsAddress(address) && !evm.IsAddressValid(address) {
		return nil, nil, NewPublicError("Invalid address")
	}

	accounts, err := v.Accounts()
	if err != nil {
		return nil, nil, err
	}
	for _, acc := range accounts {
		if acc.PublicKeyHash == address {
			return nil, nil, NewPublicError("Account already exists")
		}
	}

	if name == "" {
		name = defaultAccountName(accounts)
	}
	if err := validateName(accounts, name); err != nil {
		return nil, nil, err
	}

	acc := Account{
		Type:          AccountTypeWatchOnly,
		Name:          name,
		PublicKeyHash: address,
		ChainID:       chainID,
	}

	all := append(append([]Account{}, accounts...), acc)
	if err := putEncrypted(v.kv, accountsStrgKey, all, v.key); err != nil {
		return nil, nil, withPublicFallback(err, "Failed to import account")
	}
	return &acc, all, nil
}

// CreateLedgerAccount registers a hardware account. The public key is read
// from the device through the injected transport, which is always closed
// regardless of outcome.
func (v *Vault) CreateLedgerAccount(ctx context.Context, name, derivationPath string) (*Account, []Account, error) {
	if v.ledger == nil {
		return nil, nil, NewPublicError("Ledger support is not available")
	}
	if derivationPath == "" {
		derivationPath = tezos.DerivationPath(0)
	}
	if _, err := tezos.ParseDerivationPath(derivationPath); err != nil {
		return nil, nil, NewPublicError("Invalid derivation path")
	}

	transport, err := v.ledger()
	if err != nil {
		return nil, nil, NewPublicError("Failed to connect Ledger device")
	}
	defer transport.Close()

	pubKey, err := transport.PublicKey(ctx, derivationPath)
	if err != nil {
		return nil, nil, withPublicFallback(err, "Failed to create Ledger account")
	}
	pkh, err := tezos.AddressFromEncodedPublicKey(pubKey)
	if err != nil {
		return nil, nil, withPublicFallback(err, "Failed to create Ledger account")
	}

	accounts, err := v.Accounts()
	if err != nil {
		return nil, nil, err
	}
	for _, acc := range accounts {
		if acc.PublicKeyHash == pkh {
			return nil, nil, NewPublicError("Account already exists")
		}
	}

	if name == "" {
		name = defaultAccountName(accounts)
	}
	if err := validateName(accounts, name); err != nil {
		return nil, nil, err
	}

	acc := Account{
		Type:           AccountTypeLedger,
		Name:           name,
		PublicKeyHash:  pkh,
		DerivationPath: derivationPath,
		DerivationType: "ed25519",
	}

	if err := putEncrypted(v.kv, accPubKeyStrgKey(pkh), pubKey, v.key); err != nil {
		return nil, nil, withPublicFallback(err, "Failed to create Ledger account")
	}

	all := append(append([]Account{}, accounts...), acc)
	if err := putEncrypted(v.kv, accountsStrgKey, all, v.key); err != nil {
		return nil, nil, withPublicFallback(err, "Failed to create Ledger account")
	}
	return &acc, all, nil
}

// EditAccountName renames an account. Names are capped at 16 characters and
// must be unique across the list.
func (v *Vault) EditAccountName(pkh, name string) ([]Account, error) {
	accounts, err := v.Accounts()
	if err != nil {
		return nil, err
	}

	if err := validateName(accounts, name); err != nil {
		return nil, err
	}

	found := false
	all := make([]Account, len(accounts))
	for i, acc := range accounts {
		if acc.PublicKeyHash == pkh {
			acc.Name = name
			found = true
		}
		all[i] = acc
	}
	if !found {
		return nil, NewPublicError("Account not found")
	}

	if err := putEncrypted(v.kv, accountsStrgKey, all, v.key); err != nil {
		return nil, withPublicFallback(err, "Failed to rename account")
	}
	return all, nil
}

// RemoveAccount deletes an account and its key entries after re-validating
// the password. The last HD account can never be removed: the wallet must
// always keep a seed-derived identity.
func (v *Vault) RemoveAccount(pkh, password string) ([]Account, error) {
	if err := v.recheckPassword(password); err != nil {
		return nil, err
	}

	accounts, err := v.Accounts()
	if err != nil {
		return nil, err
	}

	var target *Account
	hdCount := 0
	for i, acc := range accounts {
		if acc.Type == AccountTypeHD {
			hdCount++
		}
		if acc.PublicKeyHash == pkh {
			target = &accounts[i]
		}
	}
	if target == nil {
		return nil, NewPublicError("Account not found")
	}
	if target.Type == AccountTypeHD && hdCount == 1 {
		return nil, NewPublicError("Cannot remove the only HD account")
	}

	all := make([]Account, 0, len(accounts)-1)
	for _, acc := range accounts {
		if acc.PublicKeyHash != pkh {
			all = append(all, acc)
		}
	}

	if err := putEncrypted(v.kv, accountsStrgKey, all, v.key); err != nil {
		return nil, withPublicFallback(err, "Failed to remove account")
	}

	// Key entries go last: a failure above leaves the wallet consistent.
	v.kv.Delete(accPrivKeyStrgKey(pkh))
	v.kv.Delete(accPubKeyStrgKey(pkh))
	if target.EvmAddress != "" && target.EvmAddress != pkh {
		v.kv.Delete(accPrivKeyStrgKey(target.EvmAddress))
	}

	log.Info().Str("pkh", pkh).Msg("Account removed")
	return all, nil
}

func defaultAccountName(accounts []Account) string {
	return "Account " + strconv.Itoa(len(accounts)+1)
}

func validateName(accounts []Account, name string) error {
	if !accountNameRe.MatchString(name) || strings.TrimSpace(name) == "" {
		return NewPublicError("Invalid name. It should be 1-16 characters")
	}
	for _, acc := range accounts {
		if acc.Name == name {
			return NewPublicError("Account with this name already exists")
		}
	}
	return nil
}

// evmKeyFromMnemonic derives the EVM-side key for an HD account index via
// the standard m/44'/60'/0'/0/<index> path.
func evmKeyFromMnemonic(mnemonic string, hdIndex int) (*evm.PrivateKey, error) {
	seed := tezos.MnemonicToSeed(mnemonic, "")

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart,
		0,
		uint32(hdIndex),
	}
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}

	ecKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return evm.NewPrivateKeyFromBytes(ecKey.Serialize())
}
