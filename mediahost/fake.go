package mediahost

import (
	"context"
	"sync"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// Fake is an in-memory Client for tests and local development.
type Fake struct {
	mu        sync.Mutex
	Libraries []Library
	Items     map[string]*Item

	// Uploads records every UploadSubtitle call as itemID -> lang -> path.
	Uploads map[string]map[string]string

	// UploadErr, when set, is returned by UploadSubtitle.
	UploadErr error
}

// NewFake creates an empty fake media host.
func NewFake() *Fake {
	return &Fake{
		Items:   make(map[string]*Item),
		Uploads: make(map[string]map[string]string),
	}
}

// AddItem registers an item.
func (f *Fake) AddItem(item *Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Items[item.ID] = item
}

func (f *Fake) ListLibraries(ctx context.Context) ([]Library, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Library(nil), f.Libraries...), nil
}

func (f *Fake) ListItems(ctx context.Context, libraryID string) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]Item, 0, len(f.Items))
	for _, item := range f.Items {
		items = append(items, *item)
	}
	return items, nil
}

func (f *Fake) GetItem(ctx context.Context, itemID string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.Items[itemID]
	if !ok {
		return nil, errors.NewNotFoundError("item %s", itemID)
	}
	copy := *item
	return &copy, nil
}

func (f *Fake) UploadSubtitle(ctx context.Context, itemID, lang, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return f.UploadErr
	}
	if _, ok := f.Items[itemID]; !ok {
		return errors.NewNotFoundError("item %s", itemID)
	}
	if f.Uploads[itemID] == nil {
		f.Uploads[itemID] = make(map[string]string)
	}
	f.Uploads[itemID][lang] = path
	return nil
}
