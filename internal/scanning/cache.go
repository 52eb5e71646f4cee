package scanning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const textBucketName = "ocr_text"

// Cache defines the interface for storing recognized text by image key
type Cache interface {
	// Get returns the cached text for key and whether it was present
	Get(key string) (string, bool, error)

	// Put stores the text for key
	Put(key string, text string) error

	// Close closes the cache
	Close() error
}

// cacheEntry is the stored form of a recognized text
type cacheEntry struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// BoltCache implements the Cache interface using BoltDB
type BoltCache struct {
	db *bbolt.DB
}

// NewBoltCache opens or creates a BoltDB cache file
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(textBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltCache{db: db}, nil
}

// Get retrieves cached text by key
func (b *BoltCache) Get(key string) (string, bool, error) {
	var entry *cacheEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(textBucketName)).Get([]byte(key))
		if data == nil {
			return nil
		}
		entry = &cacheEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return "", false, fmt.Errorf("reading cache entry: %w", err)
	}
	if entry == nil {
		return "", false, nil
	}
	return entry.Text, true, nil
}

// Put saves text under key
func (b *BoltCache) Put(key string, text string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(cacheEntry{Text: text, CreatedAt: time.Now()})
		if err != nil {
			return fmt.Errorf("marshaling cache entry: %w", err)
		}
		return tx.Bucket([]byte(textBucketName)).Put([]byte(key), data)
	})
}

// Close closes the database connection
func (b *BoltCache) Close() error {
	return b.db.Close()
}

// Cached wraps a Recognizer so that each distinct image is only sent to the
// provider once. Failed recognitions are not cached.
type Cached struct {
	next      Recognizer
	cache     Cache
	namespace string
}

// NewCached creates a caching Recognizer. namespace keeps entries from
// different providers apart.
func NewCached(next Recognizer, cache Cache, namespace string) *Cached {
	return &Cached{
		next:      next,
		cache:     cache,
		namespace: namespace,
	}
}

// RecognizeText returns cached text for the image or asks the wrapped provider
func (c *Cached) RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	key := c.key(imageData)

	text, ok, err := c.cache.Get(key)
	if err != nil {
		slog.Warn("Failed to read OCR cache", "key", key, "error", err)
	} else if ok {
		slog.Debug("OCR cache hit", "key", key)
		return text, nil
	}

	text, err = c.next.RecognizeText(ctx, imageData, contentType)
	if err != nil {
		return "", err
	}

	if err := c.cache.Put(key, text); err != nil {
		slog.Warn("Failed to write OCR cache", "key", key, "error", err)
	}
	return text, nil
}

// Close closes the wrapped provider and the cache
func (c *Cached) Close() error {
	nextErr := c.next.Close()
	if err := c.cache.Close(); err != nil {
		return fmt.Errorf("closing cache: %w", err)
	}
	return nextErr
}

func (c *Cached) key(imageData []byte) string {
	sum := sha256.Sum256(imageData)
	return c.namespace + ":" + hex.EncodeToString(sum[:])
}
