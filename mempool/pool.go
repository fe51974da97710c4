package mempool

import (
	"errors"
	"sync"

	"tidechain/core/types"
)

var (
	// ErrPoolFull is returned when the pool is at its configured capacity.
	ErrPoolFull = errors.New("mempool: pool full")
	// ErrInvalidTransaction is returned for transactions whose signature is
	// missing or does not recover the declared sender.
	ErrInvalidTransaction = errors.New("mempool: invalid transaction")
	// ErrAlreadyKnown is returned when the signature key is already present.
	ErrAlreadyKnown = errors.New("mempool: transaction already known")
)

const defaultSizeLimit = 4096

// Pool is a size-bounded transaction store keyed by signature bytes. Add has
// insert-if-new-and-valid semantics; the network layer treats the pool as an
// opaque sink for relayed transactions.
type Pool struct {
	mu    sync.Mutex
	limit int
	txs   map[string]*types.Transaction
}

func New(limit int) *Pool {
	if limit <= 0 {
		limit = defaultSizeLimit
	}
	return &Pool{
		limit: limit,
		txs:   make(map[string]*types.Transaction),
	}
}

// Add inserts the transaction if it is new and carries a valid signature.
func (p *Pool) Add(tx *types.Transaction) error {
	if tx == nil || !tx.VerifySignature() {
		return ErrInvalidTransaction
	}
	key := string(tx.Signature)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[key]; ok {
		return ErrAlreadyKnown
	}
	if len(p.txs) >= p.limit {
		return ErrPoolFull
	}
	p.txs[key] = tx
	return nil
}

// Contains reports whether a transaction with the given signature is pooled.
func (p *Pool) Contains(signature []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[string(signature)]
	return ok
}

// Len returns the number of pooled transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}

// Snapshot returns the pooled transactions in unspecified order.
func (p *Pool) Snapshot() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Transaction, 0, len(p.txs))
	for _, tx := range p.txs {
		out = append(out, tx)
	}
	return out
}

// Remove drops a transaction by signature, if present.
func (p *Pool) Remove(signature []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.txs, string(signature))
}
