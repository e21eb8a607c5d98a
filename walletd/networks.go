package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/templewallet/walletd/evmdapp"
	"github.com/templewallet/walletd/storage"
	"github.com/templewallet/walletd/tezos"
	"github.com/templewallet/walletd/vault"
)

const customNetworksStrgKey = "custom_networks_snapshot"

// NetworkKind discriminates custom network entries.
type NetworkKind string

const (
	NetworkKindTezos NetworkKind = "tezos"
	NetworkKindEvm   NetworkKind = "evm"
)

// CustomNetwork is one user-added network. Tezos entries key on Name, EVM
// entries on ChainID.
type CustomNetwork struct {
	Kind    NetworkKind `json:"kind"`
	Name    string      `json:"name,omitempty"`
	ChainID string      `json:"chainId,omitempty"`
	RPCURL  string      `json:"rpcUrl"`
}

// NetworkRegistry resolves network names and chain ids to node clients.
// Built-in networks come from the config; custom ones persist in storage and
// survive restarts.
type NetworkRegistry struct {
	kv *storage.KV

	mu           sync.Mutex
	tezosURLs    map[string]string
	evmURLs      map[string]string
	builtinTezos map[string]bool
	builtinEvm   map[string]bool
	tezosClients map[string]tezos.RPC
	evmClients   map[string]evmdapp.ChainClient
}

func NewNetworkRegistry(kv *storage.KV, cfg NetworksConfig) (*NetworkRegistry, error) {
	r := &NetworkRegistry{
		kv:           kv,
		tezosURLs:    make(map[string]string),
		evmURLs:      make(map[string]string),
		builtinTezos: make(map[string]bool),
		builtinEvm:   make(map[string]bool),
		tezosClients: make(map[string]tezos.RPC),
		evmClients:   make(map[string]evmdapp.ChainClient),
	}

	for _, net := range cfg.Tezos {
		r.tezosURLs[net.Name] = net.RPCURL
		r.builtinTezos[net.Name] = true
	}
	for _, chain := range cfg.Evm {
		r.evmURLs[chain.ChainID] = chain.RPCURL
		r.builtinEvm[chain.ChainID] = true
	}

	custom, err := r.readCustom()
	if err != nil {
		return nil, err
	}
	for _, net := range custom {
		switch net.Kind {
		case NetworkKindTezos:
			r.tezosURLs[net.Name] = net.RPCURL
		case NetworkKindEvm:
			r.evmURLs[net.ChainID] = net.RPCURL
		}
	}
	return r, nil
}

// TezosRPC returns the node client for a named Tezos network.
func (r *NetworkRegistry) TezosRPC(network string) (tezos.RPC, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	url, ok := r.tezosURLs[network]
	if !ok {
		return nil, vault.NewPublicError(fmt.Sprintf("Unknown network %q", network))
	}
	client, ok := r.tezosClients[network]
	if !ok {
		client = NewTezosClient(url)
		r.tezosClients[network] = client
	}
	return client, nil
}

// EvmChain returns the node client for a hex chain id.
func (r *NetworkRegistry) EvmChain(chainID string) (evmdapp.ChainClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	url, ok := r.evmURLs[chainID]
	if !ok {
		return nil, fmt.Errorf("unknown chain %s", chainID)
	}
	client, ok := r.evmClients[chainID]
	if !ok {
		client = NewEvmClient(url)
		r.evmClients[chainID] = client
	}
	return client, nil
}

// Networks lists every known network, built-in and custom.
func (r *NetworkRegistry) Networks() []CustomNetwork {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []CustomNetwork
	for name, url := range r.tezosURLs {
		all = append(all, CustomNetwork{Kind: NetworkKindTezos, Name: name, RPCURL: url})
	}
	for chainID, url := range r.evmURLs {
		all = append(all, CustomNetwork{Kind: NetworkKindEvm, ChainID: chainID, RPCURL: url})
	}
	return all
}

// Add registers a custom network and persists the snapshot.
func (r *NetworkRegistry) Add(net CustomNetwork) error {
	if net.RPCURL == "" {
		return vault.NewPublicError("Network RPC URL is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch net.Kind {
	case NetworkKindTezos:
		if net.Name == "" {
			return vault.NewPublicError("Network name is required")
		}
		r.tezosURLs[net.Name] = net.RPCURL
		delete(r.tezosClients, net.Name)
	case NetworkKindEvm:
		if net.ChainID == "" {
			return vault.NewPublicError("Chain id is required")
		}
		r.evmURLs[net.ChainID] = net.RPCURL
		delete(r.evmClients, net.ChainID)
	default:
		return vault.NewPublicError("Unknown network kind")
	}
	return r.writeCustomLocked()
}

// Remove drops a custom network. Built-in networks cannot be removed.
func (r *NetworkRegistry) Remove(net CustomNetwork) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch net.Kind {
	case NetworkKindTezos:
		if r.builtinTezos[net.Name] {
			return vault.NewPublicError("Cannot remove a built-in network")
		}
		if _, ok := r.tezosURLs[net.Name]; !ok {
			return vault.NewPublicError("Unknown network")
		}
		delete(r.tezosURLs, net.Name)
		delete(r.tezosClients, net.Name)
	case NetworkKindEvm:
		if r.builtinEvm[net.ChainID] {
			return vault.NewPublicError("Cannot remove a built-in network")
		}
		if _, ok := r.evmURLs[net.ChainID]; !ok {
			return vault.NewPublicError("Unknown network")
		}
		delete(r.evmURLs, net.ChainID)
		delete(r.evmClients, net.ChainID)
	default:
		return vault.NewPublicError("Unknown network kind")
	}
	return r.writeCustomLocked()
}

func (r *NetworkRegistry) readCustom() ([]CustomNetwork, error) {
	data, err := r.kv.Get(customNetworksStrgKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var custom []CustomNetwork
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("malformed custom networks snapshot: %w", err)
	}
	return custom, nil
}

func (r *NetworkRegistry) writeCustomLocked() error {
	var custom []CustomNetwork
	for name, url := range r.tezosURLs {
		if !r.builtinTezos[name] {
			custom = append(custom, CustomNetwork{Kind: NetworkKindTezos, Name: name, RPCURL: url})
		}
	}
	for chainID, url := range r.evmURLs {
		if !r.builtinEvm[chainID] {
			custom = append(custom, CustomNetwork{Kind: NetworkKindEvm, ChainID: chainID, RPCURL: url})
		}
	}

	data, err := json.Marshal(custom)
	if err != nil {
		return err
	}
	return r.kv.Put(customNetworksStrgKey, data)
}
