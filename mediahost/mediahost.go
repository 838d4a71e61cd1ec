// Package mediahost defines the narrow contract the pipeline consumes from
// the media server: item lookup for source resolution and subtitle upload for
// writeback. The concrete HTTP client is provided by the hosting application.
package mediahost

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Item is a media-host library entry as the pipeline sees it.
type Item struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	MediaSources  []string `json:"media_sources"`
	SubtitleLangs []string `json:"subtitle_langs"` // languages with an existing subtitle stream
}

// Library is a media-host library.
type Library struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is the media-host surface the core consumes.
type Client interface {
	// ListLibraries enumerates libraries visible to the configured credential.
	ListLibraries(ctx context.Context) ([]Library, error)
	// ListItems enumerates items in a library.
	ListItems(ctx context.Context, libraryID string) ([]Item, error)
	// GetItem fetches one item with its media path and subtitle streams.
	GetItem(ctx context.Context, itemID string) (*Item, error)
	// UploadSubtitle attaches a subtitle file to an item in the named language.
	UploadSubtitle(ctx context.Context, itemID, lang, path string) error
}

// HasSubtitle reports whether the item already carries a subtitle stream in
// lang. Comparison is case-insensitive on the primary subtag, so "en" matches
// "en-US".
func (i *Item) HasSubtitle(lang string) bool {
	want := primarySubtag(lang)
	for _, have := range i.SubtitleLangs {
		if primarySubtag(have) == want {
			return true
		}
	}
	return false
}

// SameLanguage reports whether two language tags share a primary subtag.
func SameLanguage(a, b string) bool {
	return primarySubtag(a) == primarySubtag(b)
}

func primarySubtag(lang string) string {
	lang = strings.ToLower(lang)
	if idx := strings.IndexByte(lang, '-'); idx > 0 {
		return lang[:idx]
	}
	return lang
}

// SidecarPath returns the sidecar location for a translated subtitle:
// {media_dir}/{stem}.{lang}.{ext}.
func SidecarPath(mediaPath, lang, ext string) string {
	dir := filepath.Dir(mediaPath)
	base := filepath.Base(mediaPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, fmt.Sprintf("%s.%s.%s", stem, lang, ext))
}
