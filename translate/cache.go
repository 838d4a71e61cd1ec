// Package translate drives the per-job pipeline: model pull, transcription,
// batched machine translation with caching and correction rules, validation,
// and writeback.
package translate

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// CacheKey derives the deterministic translation-cache key. Same inputs
// always hash the same, across runs and processes.
func CacheKey(sourceText, sourceLang, targetLang, model string) string {
	h := sha256.New()
	h.Write([]byte(sourceText))
	h.Write([]byte(sourceLang))
	h.Write([]byte(targetLang))
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStore reads and writes the translation cache. Writes are
// last-write-wins upserts on the hash key, so a duplicate-insert race
// resolves without error.
type CacheStore struct {
	db *sql.DB
}

// NewCacheStore creates a cache store.
func NewCacheStore(db *sql.DB) *CacheStore {
	return &CacheStore{db: db}
}

// Lookup returns the cached translation for a key and bumps its hit count.
// A miss returns ok=false with no error.
func (s *CacheStore) Lookup(key string) (translated string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT translated_text FROM translation_cache WHERE hash = ?`, key)
	err = row.Scan(&translated)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "translation cache lookup")
	}

	if _, err := s.db.Exec(`UPDATE translation_cache SET hit_count = hit_count + 1 WHERE hash = ?`, key); err != nil {
		return "", false, errors.Wrap(err, "translation cache hit count")
	}
	return translated, true, nil
}

// Put stores a translation, replacing any concurrent write for the same key.
func (s *CacheStore) Put(key, sourceText, sourceLang, targetLang, model, translated string) error {
	_, err := s.db.Exec(`INSERT INTO translation_cache
			(hash, source_text, source_lang, target_lang, model, translated_text)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			translated_text = excluded.translated_text,
			updated_at = CURRENT_TIMESTAMP`,
		key, sourceText, sourceLang, targetLang, model, translated)
	return errors.Wrap(err, "translation cache put")
}

// HitCount returns the stored hit counter for a key, zero when absent.
func (s *CacheStore) HitCount(key string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT hit_count FROM translation_cache WHERE hash = ?`, key).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "translation cache hit count read")
	}
	return count, nil
}
