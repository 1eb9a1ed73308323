// README: Session profile cache maps identity-provider accounts to driver profiles.
package session

import (
	"context"
	"errors"
	"fmt"

	"shuttle/internal/apperr"
	"shuttle/internal/cache"
	"shuttle/internal/modules/driver"
	"shuttle/internal/types"
)

type ProfileSource interface {
	ProfileForAccount(ctx context.Context, accountID types.ID) (*driver.Driver, error)
}

// Profiles caches the driver profile id of each account. Accounts without a
// profile resolve to an empty id until Invalidate is called for them.
type Profiles struct {
	cache *cache.Cache[types.ID, types.ID]
}

func NewProfiles(src ProfileSource, opts cache.Options) *Profiles {
	load := func(ctx context.Context, account types.ID) (types.ID, error) {
		d, err := src.ProfileForAccount(ctx, account)
		if errors.Is(err, apperr.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: load profile: %v", apperr.ErrUnavailable, err)
		}
		return d.ID, nil
	}
	return &Profiles{cache: cache.New(load, opts)}
}

func (p *Profiles) DriverID(ctx context.Context, account types.ID) (types.ID, error) {
	return p.cache.Get(ctx, account)
}

// Invalidate forces the next lookup for account to hit the store.
func (p *Profiles) Invalidate(account types.ID) {
	p.cache.Invalidate(account)
}
