package custody

import (
	"context"
	"errors"
	"sync"

	"github.com/method-app/custody/internal/app/storage"
)

// AddressIndex answers "is this a custodial deposit address" against the
// user store. Positive lookups are cached indefinitely since addresses are
// never reassigned; negative lookups are never cached because new custodial
// accounts are created continuously.
type AddressIndex struct {
	users storage.UserStore

	mu    sync.RWMutex
	cache map[string]string // address -> user id
}

// NewAddressIndex creates an index backed by the user store.
func NewAddressIndex(users storage.UserStore) *AddressIndex {
	return &AddressIndex{
		users: users,
		cache: make(map[string]string),
	}
}

// Lookup resolves an address to its owning user. ok is false when the
// address is not a custodial deposit address.
func (i *AddressIndex) Lookup(ctx context.Context, address string) (userID string, ok bool, err error) {
	if address == "" {
		return "", false, nil
	}

	i.mu.RLock()
	userID, hit := i.cache[address]
	i.mu.RUnlock()
	if hit {
		return userID, true, nil
	}

	userID, err = i.users.GetUserIDByDepositAddress(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	i.mu.Lock()
	i.cache[address] = userID
	i.mu.Unlock()
	return userID, true, nil
}
