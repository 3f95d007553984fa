// Package plancache caches compiled query templates. Compilation is pure, so
// a template is reusable for any parameter values; the fingerprint covers
// everything else that affects the emitted SQL: the normalized query text,
// the schema name, the schema snapshot version, and the tenant.
package plancache

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one cached compilation result.
type Entry struct {
	SQL     string
	Params  []string
	Columns []string
}

// Cache is a fixed-capacity LRU of compiled templates. Safe for concurrent
// use.
type Cache struct {
	lru *lru.Cache[uint64, *Entry]
}

// New creates a cache holding up to size templates.
func New(size int) (*Cache, error) {
	inner, err := lru.New[uint64, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: inner}, nil
}

// Normalize collapses runs of whitespace so trivially reformatted queries
// share a template. It never touches quoted strings' interior because the
// hash only needs to be stable, not canonical: a string literal containing
// two spaces hashes differently from one space, which is correct.
func Normalize(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	pendingSpace := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch c {
		case ' ', '\t', '\n', '\r':
			pendingSpace = true
			continue
		case '\'', '"':
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			// Copy the literal verbatim, honoring backslash escapes.
			quote := c
			b.WriteByte(c)
			for i++; i < len(query); i++ {
				b.WriteByte(query[i])
				if query[i] == '\\' && i+1 < len(query) {
					i++
					b.WriteByte(query[i])
					continue
				}
				if query[i] == quote {
					break
				}
			}
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteByte(c)
	}
	return b.String()
}

// Fingerprint hashes the cache key. Schema name, snapshot version and tenant
// are hashed as separate framed segments so no concatenation of one field
// can collide with another.
func Fingerprint(query, schemaName, snapshotVersion, tenant string) uint64 {
	d := xxhash.New()
	for _, seg := range []string{Normalize(query), schemaName, snapshotVersion, tenant} {
		_, _ = d.WriteString(seg)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Get returns the cached entry for a fingerprint.
func (c *Cache) Get(fp uint64) (*Entry, bool) {
	return c.lru.Get(fp)
}

// Add stores an entry, evicting the least recently used template if the
// cache is full.
func (c *Cache) Add(fp uint64, e *Entry) {
	c.lru.Add(fp, e)
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every cached template.
func (c *Cache) Purge() {
	c.lru.Purge()
}
