// Package lru thinly wraps hashicorp/golang-lru so call sites can
// construct a cache without handling the (never realistically hit)
// error hashicorp's constructor returns for a non-positive size.
package lru

import (
	lru "github.com/hashicorp/golang-lru"
)

// New builds an LRU cache of the given size, panicking only if size is
// non-positive — a programmer error, not a runtime condition.
func New(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}
