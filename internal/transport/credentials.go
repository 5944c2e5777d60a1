package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCredentialNotFound reports a credential the source has no value for.
var ErrCredentialNotFound = errors.New("transport: credential not found")

// CredentialSource resolves named secrets used to authorize upstream calls.
// The proxy holds its own credentials; client Authorization headers are
// never forwarded.
type CredentialSource interface {
	Credential(ctx context.Context, name string) (string, error)
}

// EnvCredentialSource reads credentials from environment variables.
type EnvCredentialSource struct{}

func (EnvCredentialSource) Credential(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
	}
	return value, nil
}

// cachedCredential remembers a lookup result. Negative results are cached
// too, with the absent flag rather than a sentinel value, so an empty
// string credential stays representable.
type cachedCredential struct {
	value  string
	absent bool
}

// CachingCredentialSource memoizes lookups with a TTL so a secret manager
// is not hit on every request, while rotation still takes effect within
// one TTL window.
type CachingCredentialSource struct {
	source CredentialSource
	cache  *expirable.LRU[string, cachedCredential]
}

func NewCachingCredentialSource(source CredentialSource, size int, ttl time.Duration) *CachingCredentialSource {
	return &CachingCredentialSource{
		source: source,
		cache:  expirable.NewLRU[string, cachedCredential](size, nil, ttl),
	}
}

func (c *CachingCredentialSource) Credential(ctx context.Context, name string) (string, error) {
	if cached, ok := c.cache.Get(name); ok {
		if cached.absent {
			return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
		}
		return cached.value, nil
	}

	value, err := c.source.Credential(ctx, name)
	switch {
	case errors.Is(err, ErrCredentialNotFound):
		c.cache.Add(name, cachedCredential{absent: true})
		return "", err
	case err != nil:
		// transient failure, do not cache
		return "", err
	}

	c.cache.Add(name, cachedCredential{value: value})
	return value, nil
}
