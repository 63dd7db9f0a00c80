package ethereum

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type nonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// nonceManager hands out sequential nonces for one account. The first call
// and any call after reset read the pending nonce from the node.
type nonceManager struct {
	mu      sync.Mutex
	source  nonceSource
	account common.Address
	next    uint64
	synced  bool
}

func newNonceManager(source nonceSource, account common.Address) *nonceManager {
	return &nonceManager{source: source, account: account}
}

// acquire returns the nonce to use for the next transaction.
func (m *nonceManager) acquire(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced {
		pending, err := m.source.PendingNonceAt(ctx, m.account)
		if err != nil {
			return 0, fmt.Errorf("failed to get pending nonce: %w", err)
		}
		m.next = pending
		m.synced = true
	}

	n := m.next
	m.next++
	return n, nil
}

// reset forces a resync from the node on the next acquire.
func (m *nonceManager) reset() {
	m.mu.Lock()
	m.synced = false
	m.mu.Unlock()
}
