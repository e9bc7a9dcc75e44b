// Package manifest models HLS playlists and converts them to and from M3U8 text.
package manifest

import "bytes"

// MediaType is the TYPE attribute of an EXT-X-MEDIA tag.
type MediaType string

// Media group kinds.
const (
	MediaTypeAudio          MediaType = "AUDIO"
	MediaTypeVideo          MediaType = "VIDEO"
	MediaTypeSubtitles      MediaType = "SUBTITLES"
	MediaTypeClosedCaptions MediaType = "CLOSED-CAPTIONS"
)

// mediaTypeOrder fixes the order groups are written in.
var mediaTypeOrder = []MediaType{MediaTypeAudio, MediaTypeVideo, MediaTypeSubtitles, MediaTypeClosedCaptions}

// Manifest is one parsed playlist. A master manifest has Variants and no Segments,
// a media manifest has Segments and no Variants.
type Manifest struct {
	Version             int
	TargetDuration      int
	MediaSequence       int
	EndList             bool
	PlaylistType        string
	IndependentSegments bool

	Segments    []*Segment
	Variants    []*Variant
	MediaGroups map[MediaType]map[string]*MediaGroup
}

// New returns an empty manifest ready to be filled.
func New() *Manifest {
	return &Manifest{
		MediaGroups: make(map[MediaType]map[string]*MediaGroup),
	}
}

// IsMaster reports whether the manifest lists variants rather than segments.
func (m *Manifest) IsMaster() bool {
	return len(m.Variants) > 0
}

// Segment is one fetchable media chunk.
type Segment struct {
	URI             string
	Duration        float64
	Title           string
	Sequence        int
	Key             *Key
	Map             *Map
	Discontinuity   bool
	ProgramDateTime string
	ByteRange       string
}

// Key describes segment encryption. It applies to every following segment
// until another EXT-X-KEY appears.
type Key struct {
	Method            string
	URI               string
	IV                []byte
	KeyFormat         string
	KeyFormatVersions string
}

// Equal compares every field, including the raw IV bytes.
// A missing IV on one side and a present IV on the other are different.
func (k *Key) Equal(o *Key) bool {
	if k == nil || o == nil {
		return k == o
	}
	if (k.IV == nil) != (o.IV == nil) {
		return false
	}
	return k.Method == o.Method &&
		k.URI == o.URI &&
		bytes.Equal(k.IV, o.IV) &&
		k.KeyFormat == o.KeyFormat &&
		k.KeyFormatVersions == o.KeyFormatVersions
}

// Map is an initialization segment declared with EXT-X-MAP.
type Map struct {
	URI       string
	ByteRange string
}

// Equal reports whether two maps point at the same bytes.
func (m *Map) Equal(o *Map) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.URI == o.URI && m.ByteRange == o.ByteRange
}

// Resolution is a RESOLUTION attribute.
type Resolution struct {
	Width  int
	Height int
}

// Variant is one rendition listed in a master playlist.
type Variant struct {
	URI              string
	Bandwidth        int
	AverageBandwidth int
	Codecs           string
	Resolution       *Resolution
	FrameRate        float64
	HDCPLevel        string
	Audio            string
	Video            string
	Subtitles        string
	ClosedCaptions   string
	Name             string
}

// Rendition is one EXT-X-MEDIA row.
type Rendition struct {
	Type            MediaType
	GroupID         string
	Name            string
	Language        string
	AssocLanguage   string
	URI             string
	Default         bool
	Autoselect      bool
	Forced          bool
	InstreamID      string
	Characteristics string
	Channels        string
}

// MediaGroup collects the renditions declared under one (type, group id) pair.
type MediaGroup struct {
	Type       MediaType
	GroupID    string
	Renditions []*Rendition
}

// Group returns the media group for the given key, or nil.
func (m *Manifest) Group(t MediaType, groupID string) *MediaGroup {
	groups, ok := m.MediaGroups[t]
	if !ok {
		return nil
	}
	return groups[groupID]
}

// addRendition indexes a rendition under its (type, group id) key.
func (m *Manifest) addRendition(r *Rendition) {
	groups, ok := m.MediaGroups[r.Type]
	if !ok {
		groups = make(map[string]*MediaGroup)
		m.MediaGroups[r.Type] = groups
	}
	g, ok := groups[r.GroupID]
	if !ok {
		g = &MediaGroup{Type: r.Type, GroupID: r.GroupID}
		groups[r.GroupID] = g
	}
	g.Renditions = append(g.Renditions, r)
}

// URIs returns every URI reachable from the manifest in document order:
// renditions, variants, then per segment its key and map (once per run) and own URI.
func (m *Manifest) URIs() []string {
	var uris []string
	for _, g := range m.sortedGroups() {
		for _, r := range g.Renditions {
			if r.URI != "" {
				uris = append(uris, r.URI)
			}
		}
	}
	for _, v := range m.Variants {
		uris = append(uris, v.URI)
	}

	var lastKey *Key
	var lastMap *Map
	for _, s := range m.Segments {
		if !s.Key.Equal(lastKey) {
			if s.Key != nil && s.Key.URI != "" {
				uris = append(uris, s.Key.URI)
			}
			lastKey = s.Key
		}
		if s.Map != nil && !s.Map.Equal(lastMap) {
			uris = append(uris, s.Map.URI)
			lastMap = s.Map
		}
		uris = append(uris, s.URI)
	}
	return uris
}
