package driven

import "github.com/alorle/hls-relay/internal/manifest"

// ManifestCache defines the interface for remembering parsed manifests by
// upstream URL. Cached manifests are shared and must not be mutated.
type ManifestCache interface {
	Get(upstreamURL string) (*manifest.Manifest, bool)
	Set(upstreamURL string, m *manifest.Manifest)
}
