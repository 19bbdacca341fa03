package cache

import "strings"

// Track is the cached shape of a music-catalog track. The cache treats it as
// an opaque serializable value; richer catalog attributes live with the
// catalog client.
type Track struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	Album      string `json:"album,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// trackMetadataKey normalizes a name/artist pair into the secondary lookup
// key "name:artist".
func trackMetadataKey(name, artist string) string {
	return strings.ToLower(strings.TrimSpace(name)) + ":" + strings.ToLower(strings.TrimSpace(artist))
}

// CacheTrack stores the track under its catalog ID plus a secondary entry
// mapping its normalized "name:artist" to that ID, enabling lookup by
// metadata alone.
func (m *Manager) CacheTrack(t Track) {
	if t.ID == "" {
		m.logger.Warn("ignoring track with empty catalog ID", "name", t.Name)
		return
	}
	m.Set(t.ID, t, NamespaceSpotify, 0)
	m.Set(trackMetadataKey(t.Name, t.Artist), t.ID, NamespaceSpotify, 0)
}

// GetCachedTrack looks a track up by catalog ID.
func (m *Manager) GetCachedTrack(id string) (Track, bool) {
	return Get[Track](m, id, NamespaceSpotify)
}

// GetCachedTrackByMetadata looks a track up by name and artist via the
// secondary key.
func (m *Manager) GetCachedTrackByMetadata(name, artist string) (Track, bool) {
	id, ok := Get[string](m, trackMetadataKey(name, artist), NamespaceSpotify)
	if !ok {
		return Track{}, false
	}
	return m.GetCachedTrack(id)
}
