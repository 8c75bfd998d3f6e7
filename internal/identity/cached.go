package identity

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// negativeTTL bounds how long a miss is remembered.
const negativeTTL = time.Minute

// CachedDirectory memoizes another Directory. Lookup errors other than
// ErrNotFound are never cached.
type CachedDirectory struct {
	next  Directory
	cache *gocache.Cache
}

func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedDirectory{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (d *CachedDirectory) FindUserByID(ctx context.Context, id string) (*User, error) {
	if v, found := d.cache.Get(id); found {
		u, ok := v.(User)
		if !ok {
			return nil, ErrNotFound
		}
		return &u, nil
	}

	u, err := d.next.FindUserByID(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		d.cache.Set(id, struct{}{}, negativeTTL)
		return nil, err
	case err != nil:
		return nil, err
	}
	d.cache.Set(id, *u, gocache.DefaultExpiration)
	return u, nil
}

// Forget drops a cached entry.
func (d *CachedDirectory) Forget(id string) {
	d.cache.Delete(id)
}
