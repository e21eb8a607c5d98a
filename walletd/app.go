package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/backup"
	"github.com/templewallet/walletd/confirm"
	"github.com/templewallet/walletd/dapp"
	"github.com/templewallet/walletd/evmdapp"
	"github.com/templewallet/walletd/intercom"
	"github.com/templewallet/walletd/storage"
	"github.com/templewallet/walletd/store"
	"github.com/templewallet/walletd/vault"
)

// Unlock throttling after repeated failures.
const (
	unlockFreeAttempts = 3
	unlockBaseDelay    = 2 * time.Second
	unlockMaxDelay     = 5 * time.Minute
)

// App owns the daemon's wired components and the vault session.
type App struct {
	cfg       *Config
	kv        *storage.KV
	state     *store.Store
	broker    *confirm.Broker
	opener    *surfaceOpener
	server    *intercom.Server
	relay     *intercom.Relay
	networks  *NetworkRegistry
	tezosDApp *dapp.Handler
	evmDApp   *evmdapp.Handler
	backup    *backup.Service

	tezosSessions *dapp.Registry
	evmSessions   *evmdapp.Registry

	// Handshake keypair for the sealed Beacon channel.
	channelPub  *[32]byte
	channelPriv *[32]byte

	// baseCtx scopes relay-originated flows to the daemon lifetime.
	baseCtx context.Context

	mu    sync.Mutex
	vault *vault.Vault

	// dappMu serializes dApp-class flows; unlockMu serializes vault
	// session mutations.
	dappMu   sync.Mutex
	unlockMu sync.Mutex

	failedUnlocks   int
	unlockNotBefore time.Time
	now             func() time.Time
}

func NewApp(ctx context.Context, cfg *Config) (*App, error) {
	kv, err := storage.OpenKV(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:     cfg,
		kv:      kv,
		state:   store.New(),
		baseCtx: ctx,
		now:     time.Now,
	}

	app.server = intercom.NewServer(app.handleMessage)
	app.opener = newSurfaceOpener(app.server)
	app.broker = confirm.NewBroker(app.opener)

	app.networks, err = NewNetworkRegistry(kv, cfg.Networks)
	if err != nil {
		kv.Close()
		return nil, err
	}

	app.tezosSessions = dapp.NewRegistry(kv)
	app.evmSessions = evmdapp.NewRegistry(kv)

	app.channelPub, app.channelPriv, err = app.tezosSessions.ChannelKeyPair()
	if err != nil {
		kv.Close()
		return nil, err
	}
	app.tezosDApp = dapp.NewHandler(app.tezosSessions, app.broker, app.dappWallet, app.networks.TezosRPC)
	app.evmDApp = evmdapp.NewHandler(app.evmSessions, app.broker, app.evmWallet, app.networks.EvmChain)

	if cfg.Backup.Enabled {
		s3Store, err := backup.NewS3Store(ctx, cfg.Backup.S3)
		if err != nil {
			kv.Close()
			return nil, err
		}
		app.backup = backup.NewService(kv, s3Store, cfg.Backup.KeyPrefix, app.backupAuthKey)
	}

	app.state.Inited(vault.IsExist(kv))
	return app, nil
}

// Run serves the intercom ports and the dApp relay until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	states, cancelSub := a.state.Subscribe()
	defer cancelSub()
	go func() {
		for state := range states {
			msg, err := intercom.Notification(intercom.TypeStateUpdated, state)
			if err != nil {
				continue
			}
			a.server.Broadcast(msg)
		}
	}()

	if a.cfg.NATS.URL != "" {
		relay, err := intercom.NewRelay(a.cfg.NATS)
		if err != nil {
			return err
		}
		a.relay = relay
		defer relay.Close()

		if err := relay.SubscribeRequests("walletd.dapp", a.handleTezosRelay); err != nil {
			return err
		}
		if err := relay.SubscribeRequests("walletd.evm", a.handleEvmRelay); err != nil {
			return err
		}
	}

	defer a.server.Close()
	defer a.kv.Close()

	if a.cfg.DevMode {
		return a.server.ListenTCP(ctx, a.cfg.Intercom.TCPAddr)
	}
	return a.server.ListenVsock(ctx, a.cfg.Intercom.VsockPort)
}

func (a *App) currentVault() (*vault.Vault, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.vault == nil {
		return nil, store.ErrNotUnlocked
	}
	return a.vault, nil
}

func (a *App) setVault(v *vault.Vault) {
	a.mu.Lock()
	a.vault = v
	a.mu.Unlock()
}

// dappWallet exposes the unlocked vault to the Tezos dApp flows. The
// indirection keeps locking between prompt and decision honest: a vault
// locked mid-confirmation fails the decision instead of signing.
func (a *App) dappWallet() (dapp.Wallet, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *App) evmWallet() (evmdapp.Wallet, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *App) backupAuthKey() ([]byte, error) {
	v, err := a.currentVault()
	if err != nil {
		return nil, err
	}
	return v.BackupAuthKey()
}

// unlockVault runs Setup under the throttle and publishes the ready state.
func (a *App) unlockVault(password string) error {
	a.unlockMu.Lock()
	defer a.unlockMu.Unlock()

	if wait := a.unlockNotBefore.Sub(a.now()); wait > 0 {
		log.Warn().Dur("wait", wait).Msg("Unlock throttled")
		return vault.NewPublicError("Too many unlock attempts, try again later")
	}

	v, err := vault.Setup(a.kv, password)
	if err != nil {
		a.failedUnlocks++
		if extra := a.failedUnlocks - unlockFreeAttempts; extra >= 0 {
			delay := unlockBaseDelay << uint(extra)
			if delay > unlockMaxDelay || delay <= 0 {
				delay = unlockMaxDelay
			}
			a.unlockNotBefore = a.now().Add(delay)
		}
		return err
	}

	a.failedUnlocks = 0
	a.unlockNotBefore = time.Time{}

	return a.publishUnlocked(v)
}

func (a *App) publishUnlocked(v *vault.Vault) error {
	accounts, err := v.Accounts()
	if err != nil {
		return err
	}
	settings, err := v.Settings()
	if err != nil {
		return err
	}

	a.setVault(v)
	a.state.Unlocked(accounts, settings)
	log.Info().Int("accounts", len(accounts)).Msg("Wallet unlocked")
	return nil
}

func (a *App) lockVault() {
	a.unlockMu.Lock()
	defer a.unlockMu.Unlock()

	a.setVault(nil)
	a.state.Locked()
	log.Info().Msg("Wallet locked")
}
