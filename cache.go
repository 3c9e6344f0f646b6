package livesync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Dedup key contract: two argument values that are semantically equal must
// produce the same key. Canonical form is json with object keys sorted
// recursively; array order is preserved. The key is the query path joined
// with the sha256 of the canonical args.

func CanonicalizeArgs(args json.RawMessage) ([]byte, error) {
	if len(args) == 0 {
		return []byte("null"), nil
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return nil, err
	}
	out := &bytes.Buffer{}
	if err := writeCanonical(out, value); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeCanonical(out *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := maps.Keys(v)
		slices.Sort(keys)
		out.WriteByte('{')
		for i, key := range keys {
			if 0 < i {
				out.WriteByte(',')
			}
			keyJson, err := json.Marshal(key)
			if err != nil {
				return err
			}
			out.Write(keyJson)
			out.WriteByte(':')
			if err := writeCanonical(out, v[key]); err != nil {
				return err
			}
		}
		out.WriteByte('}')
		return nil
	case []any:
		out.WriteByte('[')
		for i, item := range v {
			if 0 < i {
				out.WriteByte(',')
			}
			if err := writeCanonical(out, item); err != nil {
				return err
			}
		}
		out.WriteByte(']')
		return nil
	default:
		// string, float64, bool, nil
		itemJson, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out.Write(itemJson)
		return nil
	}
}

func DedupKey(queryPath string, args json.RawMessage) (string, error) {
	canonical, err := CanonicalizeArgs(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s/%s", queryPath, hex.EncodeToString(sum[:])), nil
}

const DefaultQueryCacheSize = 128

// most recent data per dedup key, strict lru by access order
type QueryCache struct {
	entries *lru.Cache[string, json.RawMessage]
}

func NewQueryCache(size int) (*QueryCache, error) {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	entries, err := lru.New[string, json.RawMessage](size)
	if err != nil {
		return nil, err
	}
	return &QueryCache{
		entries: entries,
	}, nil
}

func (self *QueryCache) Get(key string) (json.RawMessage, bool) {
	return self.entries.Get(key)
}

func (self *QueryCache) Put(key string, data json.RawMessage) {
	self.entries.Add(key, data)
}

func (self *QueryCache) Remove(key string) {
	self.entries.Remove(key)
}

func (self *QueryCache) Len() int {
	return self.entries.Len()
}

func (self *QueryCache) Clear() {
	self.entries.Purge()
}
