package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/confirm"
	"github.com/templewallet/walletd/intercom"
	"github.com/templewallet/walletd/store"
	"github.com/templewallet/walletd/tezos"
	"github.com/templewallet/walletd/vault"
)

// stateView is the wire shape of a session state snapshot.
type stateView struct {
	Status      store.Status    `json:"status"`
	VaultExists bool            `json:"vaultExists"`
	Accounts    []vault.Account `json:"accounts,omitempty"`
	Settings    *vault.Settings `json:"settings,omitempty"`
}

func viewOf(state store.State) stateView {
	view := stateView{
		Status:      state.Status,
		VaultExists: state.VaultExists,
		Accounts:    state.Accounts,
	}
	if state.Status == store.StatusReady {
		settings := state.Settings
		view.Settings = &settings
	}
	return view
}

func (a *App) handleMessage(ctx context.Context, msg *intercom.Message) (*intercom.Message, error) {
	switch msg.Type {
	case intercom.TypeGetStateRequest:
		return intercom.NewResponse(msg, intercom.TypeGetStateResponse, viewOf(a.state.Snapshot()))
	case intercom.TypeNewWalletRequest:
		return a.handleNewWallet(msg)
	case intercom.TypeUnlockRequest:
		return a.handleUnlock(msg)
	case intercom.TypeLockRequest:
		return a.handleLock(msg)
	case intercom.TypeCreateAccountRequest:
		return a.handleCreateAccount(ctx, msg)
	case intercom.TypeImportAccountRequest:
		return a.handleImportAccount(ctx, msg)
	case intercom.TypeEditAccountRequest:
		return a.handleEditAccount(msg)
	case intercom.TypeRemoveAccountRequest:
		return a.handleRemoveAccount(msg)
	case intercom.TypeRevealRequest:
		return a.handleReveal(msg)
	case intercom.TypeOperationsRequest:
		return a.handleOperations(ctx, msg)
	case intercom.TypeSignRequest:
		return a.handleSign(ctx, msg)
	case intercom.TypeSettingsRequest:
		return a.handleSettings(msg)
	case intercom.TypeNetworksRequest:
		return intercom.NewResponse(msg, intercom.TypeNetworksResponse, a.networks.Networks())
	case intercom.TypeAddNetworkRequest:
		return a.handleAddNetwork(msg)
	case intercom.TypeRemoveNetworkRequest:
		return a.handleRemoveNetwork(msg)
	case intercom.TypeBackupRequest:
		return a.handleBackup(ctx, msg)
	case intercom.TypeDAppGetPayloadRequest:
		return a.handleGetPayload(ctx, msg)
	case intercom.TypeDAppPermConfirmationRequest:
		return a.handleConfirmation(ctx, msg, intercom.TypeDAppPermConfirmationResponse)
	case intercom.TypeDAppOpsConfirmationRequest:
		return a.handleConfirmation(ctx, msg, intercom.TypeDAppOpsConfirmationResponse)
	case intercom.TypeDAppSignConfirmationRequest:
		return a.handleConfirmation(ctx, msg, intercom.TypeDAppSignConfirmationResponse)
	case intercom.TypeConfirmationRequest:
		return a.handleConfirmation(ctx, msg, intercom.TypeConfirmationResponse)
	case intercom.TypeConfirmationExpired:
		a.handleConfirmationExpired(msg)
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

type newWalletPayload struct {
	Password string `json:"password"`
	Mnemonic string `json:"mnemonic,omitempty"`
}

type newWalletResult struct {
	Mnemonic string    `json:"mnemonic"`
	State    stateView `json:"state"`
}

func (a *App) handleNewWallet(msg *intercom.Message) (*intercom.Message, error) {
	var p newWalletPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}
	if p.Password == "" {
		return nil, vault.NewPublicError("Password is required")
	}

	mnemonic := p.Mnemonic
	if mnemonic == "" {
		generated, err := tezos.NewMnemonic()
		if err != nil {
			return nil, err
		}
		mnemonic = generated
	}

	a.unlockMu.Lock()
	err := vault.Spawn(a.kv, p.Password, mnemonic)
	a.unlockMu.Unlock()
	if err != nil {
		return nil, err
	}
	a.state.Inited(true)

	if err := a.unlockVault(p.Password); err != nil {
		return nil, err
	}

	log.Info().Msg("New wallet created")
	return intercom.NewResponse(msg, intercom.TypeNewWalletResponse, newWalletResult{
		Mnemonic: mnemonic,
		State:    viewOf(a.state.Snapshot()),
	})
}

type unlockPayload struct {
	Password string `json:"password"`
}

func (a *App) handleUnlock(msg *intercom.Message) (*intercom.Message, error) {
	if err := a.state.AssertInited(); err != nil || !a.state.Snapshot().VaultExists {
		return nil, vault.NewPublicError("Wallet does not exist")
	}

	var p unlockPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}
	if err := a.unlockVault(p.Password); err != nil {
		return nil, err
	}
	return intercom.NewResponse(msg, intercom.TypeUnlockResponse, viewOf(a.state.Snapshot()))
}

func (a *App) handleLock(msg *intercom.Message) (*intercom.Message, error) {
	a.lockVault()
	return intercom.NewResponse(msg, intercom.TypeLockResponse, viewOf(a.state.Snapshot()))
}

type createAccountPayload struct {
	Name string `json:"name,omitempty"`
}

type accountResult struct {
	Account  *vault.Account  `json:"account,omitempty"`
	Accounts []vault.Account `json:"accounts"`
}

func (a *App) handleCreateAccount(ctx context.Context, msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p createAccountPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	account, accounts, err := v.CreateHDAccount(p.Name)
	if err != nil {
		return nil, err
	}
	a.state.AccountsUpdated(accounts)

	return intercom.NewResponse(msg, intercom.TypeCreateAccountResponse, accountResult{
		Account:  account,
		Accounts: accounts,
	})
}

// Import kinds supported by ImportAccountRequest.
const (
	importKindPrivateKey = "private_key"
	importKindMnemonic   = "mnemonic"
	importKindFundraiser = "fundraiser"
	importKindManagedKT  = "managed_kt"
	importKindWatchOnly  = "watch_only"
	importKindLedger     = "ledger"
)

type importAccountPayload struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`

	PrivateKey string `json:"privateKey,omitempty"`

	Mnemonic       string `json:"mnemonic,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"`
	DerivationPath string `json:"derivationPath,omitempty"`

	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`

	Address string `json:"address,omitempty"`
	ChainID string `json:"chainId,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

func (a *App) handleImportAccount(ctx context.Context, msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p importAccountPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	var (
		account  *vault.Account
		accounts []vault.Account
	)
	switch p.Kind {
	case importKindPrivateKey:
		account, accounts, err = v.ImportAccount(p.Name, p.PrivateKey)
	case importKindMnemonic:
		account, accounts, err = v.ImportMnemonicAccount(p.Name, p.Mnemonic, p.Passphrase, p.DerivationPath)
	case importKindFundraiser:
		account, accounts, err = v.ImportFundraiserAccount(p.Name, p.Email, p.Password, p.Mnemonic)
	case importKindManagedKT:
		account, accounts, err = v.ImportManagedKTAccount(p.Name, p.Address, p.ChainID, p.Owner)
	case importKindWatchOnly:
		account, accounts, err = v.ImportWatchOnlyAccount(p.Name, p.Address, p.ChainID)
	case importKindLedger:
		account, accounts, err = v.CreateLedgerAccount(ctx, p.Name, p.DerivationPath)
	default:
		return nil, vault.NewPublicError("Unknown import kind")
	}
	if err != nil {
		return nil, err
	}
	a.state.AccountsUpdated(accounts)

	return intercom.NewResponse(msg, intercom.TypeImportAccountResponse, accountResult{
		Account:  account,
		Accounts: accounts,
	})
}

type editAccountPayload struct {
	Pkh  string `json:"pkh"`
	Name string `json:"name"`
}

func (a *App) handleEditAccount(msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p editAccountPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	accounts, err := v.EditAccountName(p.Pkh, p.Name)
	if err != nil {
		return nil, err
	}
	a.state.AccountsUpdated(accounts)

	return intercom.NewResponse(msg, intercom.TypeEditAccountResponse, accountResult{Accounts: accounts})
}

type removeAccountPayload struct {
	Pkh      string `json:"pkh"`
	Password string `json:"password"`
}

func (a *App) handleRemoveAccount(msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p removeAccountPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	var evmAddress string
	if existing, err := v.Accounts(); err == nil {
		for _, acc := range existing {
			if acc.PublicKeyHash == p.Pkh {
				evmAddress = acc.EvmAddress
				break
			}
		}
	}

	accounts, err := v.RemoveAccount(p.Pkh, p.Password)
	if err != nil {
		return nil, err
	}
	a.state.AccountsUpdated(accounts)
	a.purgeSessionsFor(p.Pkh, evmAddress)

	return intercom.NewResponse(msg, intercom.TypeRemoveAccountResponse, accountResult{Accounts: accounts})
}

// purgeSessionsFor revokes every dApp grant referencing a removed account.
func (a *App) purgeSessionsFor(pkh, evmAddress string) {
	if sessions, err := a.tezosSessions.Sessions(); err == nil {
		for origin, session := range sessions {
			if session.Pkh != pkh {
				continue
			}
			if err := a.tezosSessions.RemoveSession(origin); err != nil {
				log.Warn().Err(err).Str("origin", origin).Msg("Failed to purge dApp session")
			}
		}
	}

	if evmAddress == "" {
		return
	}
	if sessions, err := a.evmSessions.Sessions(); err == nil {
		for origin, session := range sessions {
			var kept []string
			for _, addr := range session.Accounts {
				if !strings.EqualFold(addr, evmAddress) {
					kept = append(kept, addr)
				}
			}
			if len(kept) == len(session.Accounts) {
				continue
			}
			if len(kept) == 0 {
				if err := a.evmSessions.RemoveSession(origin); err != nil {
					log.Warn().Err(err).Str("origin", origin).Msg("Failed to purge EVM dApp session")
				}
				continue
			}
			session.Accounts = kept
			if err := a.evmSessions.SetSession(origin, session); err != nil {
				log.Warn().Err(err).Str("origin", origin).Msg("Failed to update EVM dApp session")
			}
		}
	}
}

// Reveal kinds supported by RevealRequest.
const (
	revealKindMnemonic   = "mnemonic"
	revealKindPrivateKey = "private_key"
	revealKindPublicKey  = "public_key"
)

type revealPayload struct {
	Kind     string `json:"kind"`
	Password string `json:"password,omitempty"`
	Pkh      string `json:"pkh,omitempty"`
}

type revealResult struct {
	Value string `json:"value"`
}

func (a *App) handleReveal(msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p revealPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	var value string
	switch p.Kind {
	case revealKindMnemonic:
		value, err = v.RevealMnemonic(p.Password)
	case revealKindPrivateKey:
		value, err = v.RevealPrivateKey(p.Password, p.Pkh)
	case revealKindPublicKey:
		value, err = v.RevealPublicKey(p.Pkh)
	default:
		return nil, vault.NewPublicError("Unknown reveal kind")
	}
	if err != nil {
		return nil, err
	}

	return intercom.NewResponse(msg, intercom.TypeRevealResponse, revealResult{Value: value})
}

type operationsPayload struct {
	Pkh      string          `json:"pkh"`
	Network  string          `json:"network"`
	OpParams []tezos.OpParam `json:"opParams"`
}

type operationsResult struct {
	OpHash string `json:"opHash"`
}

// internalConfirmPayload is what the surface renders for daemon-originated
// confirmations.
type internalConfirmPayload struct {
	Type     string          `json:"type"`
	Pkh      string          `json:"pkh"`
	Network  string          `json:"network,omitempty"`
	OpParams []tezos.OpParam `json:"opParams,omitempty"`
	Payload  string          `json:"payload,omitempty"`
}

type internalDecision struct {
	Type        string          `json:"type"`
	Confirmed   bool            `json:"confirmed"`
	ModifiedOps []tezos.OpParam `json:"modifiedOpParams,omitempty"`
}

type internalAck struct {
	Type string `json:"type"`
}

func (a *App) handleOperations(ctx context.Context, msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p operationsPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}
	if p.Pkh == "" || len(p.OpParams) == 0 {
		return nil, vault.NewPublicError("Malformed request")
	}

	rpc, err := a.networks.TezosRPC(p.Network)
	if err != nil {
		return nil, err
	}

	var opHash string
	err = a.broker.RequestConfirm(ctx, confirm.Params{
		Payload: internalConfirmPayload{
			Type:     "operations",
			Pkh:      p.Pkh,
			Network:  p.Network,
			OpParams: p.OpParams,
		},
		TransformPayload: func(ctx context.Context, payload interface{}) (interface{}, error) {
			annotated, err := rpc.Simulate(ctx, p.Pkh, p.OpParams)
			if err != nil {
				return nil, err
			}
			view := payload.(internalConfirmPayload)
			view.OpParams = annotated
			return view, nil
		},
		Timeout: confirm.InternalAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var decision internalDecision
			if err := json.Unmarshal(raw, &decision); err != nil || decision.Type != string(intercom.TypeConfirmationRequest) {
				return nil, nil
			}
			if !decision.Confirmed {
				return internalAck{Type: string(intercom.TypeConfirmationResponse)}, nil
			}

			ops := p.OpParams
			if len(decision.ModifiedOps) > 0 {
				ops = decision.ModifiedOps
			}
			hash, err := v.SendOperations(ctx, rpc, p.Pkh, ops)
			if err != nil {
				return nil, err
			}
			opHash = hash
			return internalAck{Type: string(intercom.TypeConfirmationResponse)}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return nil, vault.NewPublicError("Declined")
		}
		return nil, err
	}
	if opHash == "" {
		return nil, vault.NewPublicError("Declined")
	}

	return intercom.NewResponse(msg, intercom.TypeOperationsResponse, operationsResult{OpHash: opHash})
}

type signPayload struct {
	Pkh     string `json:"pkh"`
	Payload string `json:"payload"`

	// Watermark selects the signing domain; empty means none.
	Watermark string `json:"watermark,omitempty"`
}

type signResult struct {
	Signature string `json:"signature"`
}

func (a *App) handleSign(ctx context.Context, msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p signPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}
	rawBytes, err := hex.DecodeString(strings.TrimPrefix(p.Payload, "0x"))
	if err != nil {
		return nil, vault.NewPublicError("Invalid payload")
	}

	var watermark []byte
	switch p.Watermark {
	case "":
	case "operation":
		watermark = tezos.WatermarkOperation
	case "block":
		watermark = tezos.WatermarkBlock
	case "endorsement":
		watermark = tezos.WatermarkEndorsement
	default:
		return nil, vault.NewPublicError("Unknown watermark")
	}

	var signature string
	err = a.broker.RequestConfirm(ctx, confirm.Params{
		Payload: internalConfirmPayload{
			Type:    "sign",
			Pkh:     p.Pkh,
			Payload: p.Payload,
		},
		Timeout: confirm.InternalAutoDecline,
		HandleMessage: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var decision internalDecision
			if err := json.Unmarshal(raw, &decision); err != nil || decision.Type != string(intercom.TypeConfirmationRequest) {
				return nil, nil
			}
			if !decision.Confirmed {
				return internalAck{Type: string(intercom.TypeConfirmationResponse)}, nil
			}

			sig, err := v.Sign(ctx, p.Pkh, rawBytes, watermark)
			if err != nil {
				return nil, err
			}
			signature = sig.Sig
			return internalAck{Type: string(intercom.TypeConfirmationResponse)}, nil
		},
	})
	if err != nil {
		if errors.Is(err, confirm.ErrDeclined) {
			return nil, vault.NewPublicError("Declined")
		}
		return nil, err
	}
	if signature == "" {
		return nil, vault.NewPublicError("Declined")
	}

	return intercom.NewResponse(msg, intercom.TypeSignResponse, signResult{Signature: signature})
}

type settingsPayload struct {
	Update *vault.Settings `json:"update,omitempty"`
}

func (a *App) handleSettings(msg *intercom.Message) (*intercom.Message, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}

	var p settingsPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	if p.Update == nil {
		settings, err := v.Settings()
		if err != nil {
			return nil, err
		}
		return intercom.NewResponse(msg, intercom.TypeSettingsResponse, settings)
	}

	settings, err := v.UpdateSettings(*p.Update)
	if err != nil {
		return nil, err
	}
	a.state.SettingsUpdated(settings)
	return intercom.NewResponse(msg, intercom.TypeSettingsResponse, settings)
}

func (a *App) handleAddNetwork(msg *intercom.Message) (*intercom.Message, error) {
	var net CustomNetwork
	if err := msg.DecodePayload(&net); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}
	if err := a.networks.Add(net); err != nil {
		return nil, err
	}
	return intercom.NewResponse(msg, intercom.TypeAddNetworkResponse, a.networks.Networks())
}

func (a *App) handleRemoveNetwork(msg *intercom.Message) (*intercom.Message, error) {
	var net CustomNetwork
	if err := msg.DecodePayload(&net); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}
	if err := a.networks.Remove(net); err != nil {
		return nil, err
	}

	// Sessions granted on a removed network lose their grant.
	if net.Kind == NetworkKindTezos {
		if sessions, err := a.tezosSessions.Sessions(); err == nil {
			for origin, session := range sessions {
				if session.Network != net.Name {
					continue
				}
				if err := a.tezosSessions.RemoveSession(origin); err != nil {
					log.Warn().Err(err).Str("origin", origin).Msg("Failed to purge dApp session")
				}
			}
		}
	}
	return intercom.NewResponse(msg, intercom.TypeRemoveNetworkResponse, a.networks.Networks())
}

type backupPayload struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
}

type backupResult struct {
	Key string `json:"key"`
}

func (a *App) handleBackup(ctx context.Context, msg *intercom.Message) (*intercom.Message, error) {
	if a.backup == nil {
		return nil, vault.NewPublicError("Backup is not configured")
	}
	if _, err := a.currentVault(); err != nil {
		return nil, err
	}

	var p backupPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	switch p.Action {
	case "push":
		key, err := a.backup.Push(ctx)
		if err != nil {
			return nil, err
		}
		return intercom.NewResponse(msg, intercom.TypeBackupResponse, backupResult{Key: key})
	case "pull":
		key := p.Key
		if key == "" {
			latest, err := a.backup.Latest(ctx)
			if err != nil {
				return nil, err
			}
			if latest == "" {
				return nil, vault.NewPublicError("No backup snapshot found")
			}
			key = latest
		}
		if err := a.backup.Pull(ctx, key); err != nil {
			return nil, err
		}
		// Restored storage invalidates the current session.
		a.lockVault()
		a.state.Inited(vault.IsExist(a.kv))
		return intercom.NewResponse(msg, intercom.TypeBackupResponse, backupResult{Key: key})
	case "latest":
		key, err := a.backup.Latest(ctx)
		if err != nil {
			return nil, err
		}
		return intercom.NewResponse(msg, intercom.TypeBackupResponse, backupResult{Key: key})
	default:
		return nil, vault.NewPublicError("Unknown backup action")
	}
}

type getPayloadRequest struct {
	ID string `json:"id"`
}

func (a *App) handleGetPayload(ctx context.Context, msg *intercom.Message) (*intercom.Message, error) {
	var p getPayloadRequest
	if err := msg.DecodePayload(&p); err != nil {
		return nil, vault.NewPublicError("Malformed request")
	}

	payload, err := a.broker.Payload(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	// The pulling connection becomes the window; its disconnect declines.
	a.opener.Attach(p.ID, ctx)

	return intercom.NewResponse(msg, intercom.TypeDAppGetPayloadResponse, payload)
}

type confirmationRef struct {
	ID string `json:"id"`
}

func (a *App) handleConfirmation(ctx context.Context, msg *intercom.Message, respType intercom.MessageType) (*intercom.Message, error) {
	var ref confirmationRef
	if err := msg.DecodePayload(&ref); err != nil || ref.ID == "" {
		return nil, vault.NewPublicError("Malformed request")
	}

	response, err := a.broker.Deliver(ctx, ref.ID, msg.Payload)
	if err != nil {
		return nil, err
	}
	return intercom.NewResponse(msg, respType, response)
}

func (a *App) handleConfirmationExpired(msg *intercom.Message) {
	var ref confirmationRef
	if err := msg.DecodePayload(&ref); err != nil || ref.ID == "" {
		return
	}
	if err := a.broker.Decline(ref.ID); err != nil {
		log.Debug().Str("id", ref.ID).Msg("Expired confirmation already settled")
	}
}
