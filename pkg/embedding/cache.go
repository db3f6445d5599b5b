package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// OpenCache opens the badger store backing CachedEmbedder. An empty dir
// opens an in-memory store.
func OpenCache(dir string) (*badger.DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, eris.Wrapf(err, "embedding: create cache dir %s", dir)
		}
		opts = badger.DefaultOptions(dir)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, eris.Wrap(err, "embedding: open cache")
	}
	return db, nil
}

// CachedEmbedder memoizes vectors by model and text hash so re-runs over the
// same headlines are not billed twice.
type CachedEmbedder struct {
	inner Embedder
	db    *badger.DB
	log   *zap.Logger
}

// NewCached wraps inner with a badger-backed cache.
func NewCached(inner Embedder, db *badger.DB, log *zap.Logger) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, db: db, log: log}
}

// Model returns the wrapped embedder's model.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// Embed serves cached vectors and embeds only the misses. Cache read or write
// failures degrade to uncached behavior.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) (*Result, error) {
	res := &Result{Vectors: make([][]float32, len(texts))}
	var missIdx []int
	var missTexts []string

	err := c.db.View(func(txn *badger.Txn) error {
		for i, t := range texts {
			item, err := txn.Get(c.key(t))
			if errors.Is(err, badger.ErrKeyNotFound) {
				missIdx = append(missIdx, i)
				missTexts = append(missTexts, t)
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			res.Vectors[i] = decodeVector(val)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("embedding: cache read failed", zap.Error(err))
		return c.inner.Embed(ctx, texts)
	}
	if len(missTexts) == 0 {
		return res, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	res.Tokens = fresh.Tokens

	err = c.db.Update(func(txn *badger.Txn) error {
		for j, i := range missIdx {
			res.Vectors[i] = fresh.Vectors[j]
			if err := txn.Set(c.key(texts[i]), encodeVector(fresh.Vectors[j])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.log.Warn("embedding: cache write failed", zap.Error(err))
		for j, i := range missIdx {
			res.Vectors[i] = fresh.Vectors[j]
		}
	}
	return res, nil
}

func (c *CachedEmbedder) key(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return []byte("emb:" + c.inner.Model() + ":" + hex.EncodeToString(sum[:]))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
