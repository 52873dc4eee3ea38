package ceremony

import (
	"errors"
	"fmt"
	"sync"

	"authority-tree/models"
	"authority-tree/threshold"
)

var ErrNonceReuse = errors.New("nonce already used under this signing context")

// NonceRegistry remembers every nonce seen per signing context so that a
// partial cannot be replayed into another ceremony under the same context.
// Contexts differ across nodes, epochs and policies, so rotating an epoch
// makes the old entries dead weight; Forget drops them.
type NonceRegistry struct {
	mu   sync.Mutex
	seen map[models.SigningContext]map[threshold.Nonce]struct{}
}

func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{seen: make(map[models.SigningContext]map[threshold.Nonce]struct{})}
}

// Use records nonce under ctx, failing if it was recorded before
func (r *NonceRegistry) Use(ctx models.SigningContext, nonce threshold.Nonce) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.seen[ctx]
	if !ok {
		set = make(map[threshold.Nonce]struct{})
		r.seen[ctx] = set
	}
	if _, dup := set[nonce]; dup {
		return fmt.Errorf("%w: node %d epoch %d", ErrNonceReuse, ctx.NodeID, ctx.Epoch)
	}
	set[nonce] = struct{}{}
	return nil
}

// Forget drops every context for which keep returns false
func (r *NonceRegistry) Forget(keep func(models.SigningContext) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ctx := range r.seen {
		if !keep(ctx) {
			delete(r.seen, ctx)
		}
	}
}

// SignPartial produces a partial over message with a fresh nonce
func SignPartial(scheme threshold.Scheme, share threshold.Share, message []byte) (threshold.Partial, error) {
	nonce, err := threshold.NewNonce(message)
	if err != nil {
		return threshold.Partial{}, err
	}
	return scheme.SignPartial(share, message, nonce)
}
