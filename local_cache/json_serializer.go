package local_cache

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

const (
	CACHE_VERSION = 1
	CACHE_MAGIC   = "BOOK_CATALOG_LOCAL_CACHE"
)

// HeaderError is returned when a cache file has an unsupported version or magic string.
type HeaderError string

func (e HeaderError) Error() string {
	return "invalid local cache header: " + string(e)
}

// entry is a cached value together with the time it was last written.
type entry struct {
	Value   string
	Updated time.Time
}

// jsonHeader is used for marshaling/unmarshaling metadata of cache files.
type jsonHeader struct {
	Version int    `json:"version"`
	Magic   string `json:"magic"`
	Created string `json:"created"`
}

// jsonEntry is used for marshaling/unmarshaling a single entry.
type jsonEntry struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Updated string `json:"updated"`
}

type jsonCache struct {
	Header  jsonHeader  `json:"header"`
	Entries []jsonEntry `json:"entries"`
}

// loadEntriesFromReader decodes a cache file without holding any locks.
func loadEntriesFromReader(r io.Reader) (map[string]entry, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	var cache jsonCache
	if err := json.Unmarshal(content, &cache); err != nil {
		return nil, fmt.Errorf("failed to decode cache: %w", err)
	}

	if err := cache.Header.validate(); err != nil {
		return nil, err
	}

	entries := make(map[string]entry, len(cache.Entries))
	for _, e := range cache.Entries {
		if e.Key == "" {
			return nil, fmt.Errorf("entry with empty key: %w", ErrInvalidKey)
		}
		if _, exists := entries[e.Key]; exists {
			return nil, fmt.Errorf("duplicate key: %s", e.Key)
		}
		updated, err := time.Parse(time.RFC3339, e.Updated)
		if err != nil {
			return nil, fmt.Errorf("failed to parse update time of %s: %w", e.Key, err)
		}
		entries[e.Key] = entry{Value: e.Value, Updated: updated}
	}
	return entries, nil
}

// saveToWriter writes entries in JSON format, sorted by key so files diff cleanly.
func saveToWriter(w io.Writer, entries map[string]entry, now time.Time) error {
	jsonEntries := make([]jsonEntry, 0, len(entries))
	for key, e := range entries {
		jsonEntries = append(jsonEntries, jsonEntry{
			Key:     key,
			Value:   e.Value,
			Updated: e.Updated.Format(time.RFC3339),
		})
	}
	sort.Slice(jsonEntries, func(i, j int) bool { return jsonEntries[i].Key < jsonEntries[j].Key })

	cache := jsonCache{
		Header: jsonHeader{
			Version: CACHE_VERSION,
			Magic:   CACHE_MAGIC,
			Created: now.Format(time.RFC3339),
		},
		Entries: jsonEntries,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cache); err != nil {
		return fmt.Errorf("file write error: %w", err)
	}
	return nil
}

// validate checks that the JSON header matches the expected version and magic string.
func (hdr *jsonHeader) validate() error {
	if hdr.Version != CACHE_VERSION {
		return HeaderError(fmt.Sprintf("unsupported version: %d", hdr.Version))
	}
	if hdr.Magic != CACHE_MAGIC {
		return HeaderError(fmt.Sprintf("invalid magic: %s", hdr.Magic))
	}
	return nil
}
