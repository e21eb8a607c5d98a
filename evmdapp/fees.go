package evmdapp

import (
	"context"
	"sync"
	"time"
)

// feeSupportTTL bounds how long a chain's EIP-1559 probe result is reused.
const feeSupportTTL = 60 * time.Second

type feeProbe struct {
	supports bool
	at       time.Time
}

// feeProber answers "does this chain support EIP-1559" by checking whether
// the latest block carries a baseFeePerGas, memoized per chain.
type feeProber struct {
	mu     sync.Mutex
	now    func() time.Time
	probes map[string]feeProbe
}

func newFeeProber() *feeProber {
	return &feeProber{
		now:    time.Now,
		probes: make(map[string]feeProbe),
	}
}

func (p *feeProber) supports1559(ctx context.Context, chainID string, client ChainClient) (bool, error) {
	p.mu.Lock()
	probe, ok := p.probes[chainID]
	fresh := ok && p.now().Sub(probe.at) < feeSupportTTL
	p.mu.Unlock()
	if fresh {
		return probe.supports, nil
	}

	_, hasBaseFee, err := client.LatestBaseFee(ctx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	p.probes[chainID] = feeProbe{supports: hasBaseFee, at: p.now()}
	p.mu.Unlock()
	return hasBaseFee, nil
}
