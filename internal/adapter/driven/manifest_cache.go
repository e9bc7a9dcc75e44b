package driven

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/alorle/hls-relay/internal/manifest"
)

// ManifestMemoryCache implements the ManifestCache port with an in-process
// expiring map.
type ManifestMemoryCache struct {
	items *gocache.Cache
}

// NewManifestMemoryCache creates a cache. A ttl of zero keeps entries until
// the process exits.
func NewManifestMemoryCache(ttl time.Duration) *ManifestMemoryCache {
	expiration, cleanup := gocache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		expiration, cleanup = ttl, 2*ttl
	}
	return &ManifestMemoryCache{items: gocache.New(expiration, cleanup)}
}

// Get returns the manifest cached for upstreamURL.
func (c *ManifestMemoryCache) Get(upstreamURL string) (*manifest.Manifest, bool) {
	v, ok := c.items.Get(upstreamURL)
	if !ok {
		return nil, false
	}
	m, ok := v.(*manifest.Manifest)
	return m, ok
}

// Set stores m under upstreamURL with the default expiration.
func (c *ManifestMemoryCache) Set(upstreamURL string, m *manifest.Manifest) {
	c.items.Set(upstreamURL, m, gocache.DefaultExpiration)
}

// Len returns the number of cached manifests, expired or not.
func (c *ManifestMemoryCache) Len() int {
	return c.items.ItemCount()
}
