package runtimeservice

import (
	"context"
	"crypto/sha256"

	hlru "github.com/hashicorp/golang-lru"

	"github.com/lightmesh/chainnet/shared/lru"
	"github.com/lightmesh/chainnet/syncservice"
)

// Compiler turns Wasm bytes plus a heap-pages count into a running VM
// prototype. allowUnresolvedImports relaxes import resolution for the
// fallback retry attempted after a strict compile fails. The Wasm
// engine itself is an external collaborator.
type Compiler interface {
	Compile(code []byte, heapPages uint64, allowUnresolvedImports bool) (VMPrototype, error)
}

const defaultHeapPages = uint64(2048)

// dedupKey hashes (code, heapPages) so two blocks whose runtimes are
// byte-identical share the same compiled Runtime.
func dedupKey(code []byte, heapPages uint64) string {
	h := sha256.New()
	h.Write(code)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(heapPages >> (8 * i))
	}
	h.Write(buf[:])
	return string(h.Sum(nil))
}

// downloadRuntime fetches :code and :heappages at blockHash's state
// root, deduplicates against rs.dedup, and compiles a fresh Runtime
// on a miss, retrying once with relaxed import resolution if the
// first attempt fails solely on an unresolved host function.
func (rs *RuntimeService) downloadRuntime(ctx context.Context, blockHash, stateRoot syncservice.Hash, peers []syncservice.PeerId) (*Runtime, error) {
	keys := [][]byte{[]byte(":code"), []byte(":heappages")}
	entries, err := syncservice.StorageQuery(ctx, rs.cfg.Transport, rs.cfg.Verifier, rs.cfg.Chain, blockHash, stateRoot, keys, peers)
	if err != nil {
		return nil, err
	}

	code := entries.Values[":code"]
	heapPages := defaultHeapPages
	if raw, ok := entries.Values[":heappages"]; ok && len(raw) >= 4 {
		heapPages = uint64(raw[0]) | uint64(raw[1])<<8 | uint64(raw[2])<<16 | uint64(raw[3])<<24
	}

	key := dedupKey(code, heapPages)
	rs.mu.Lock()
	if cached, ok := rs.dedup.Get(key); ok {
		rt := cached.(*Runtime)
		rt.refCount++
		rs.mu.Unlock()
		return rt, nil
	}
	rs.mu.Unlock()

	rt := &Runtime{
		CodeBytes: code,
		HeapPages: &heapPages,
		CodeMerkle: CodeMerkleValue{
			Value:                    entries.MerkleValues[":code"],
			ClosestAncestorExcluding: entries.ClosestAncestors[":code"],
		},
	}
	proto, err := rs.cfg.Compiler.Compile(code, heapPages, false)
	if err != nil {
		if uerr, ok := err.(*UnresolvedFunctionImportError); ok {
			proto, err = rs.cfg.Compiler.Compile(code, heapPages, true)
			if err == nil {
				log.WithFields(map[string]interface{}{
					"module":   uerr.Module,
					"function": uerr.Function,
				}).Warn("runtime compiled with unresolved host import allowed")
			}
		}
	}
	if err != nil {
		rt.CompileErr = err
	} else {
		rt.Compiled = proto
	}
	rt.refCount = 1

	rs.mu.Lock()
	rs.dedup.Add(key, rt)
	rs.mu.Unlock()
	return rt, nil
}

// newDedupCache builds the fixed-capacity cache of live runtimes
// keyed by content digest.
func newDedupCache(size int) *dedupCache {
	if size <= 0 {
		size = 64
	}
	return &dedupCache{c: lru.New(size)}
}

// dedupCache is a tiny typed wrapper so runtime.go and service.go
// don't juggle interface{} at every call site. The registry holds
// weak entries only: reap drops whatever no strong holder keeps
// alive.
type dedupCache struct {
	c *hlru.Cache
}

func (d *dedupCache) Get(key string) (interface{}, bool) { return d.c.Get(key) }
func (d *dedupCache) Add(key string, value interface{})  { d.c.Add(key, value) }

// reap removes every cached runtime whose reference count dropped to
// zero, returning how many were dropped. Runs after each
// finalization.
func (d *dedupCache) reap() int {
	removed := 0
	for _, k := range d.c.Keys() {
		v, ok := d.c.Peek(k)
		if !ok {
			continue
		}
		if rt, ok := v.(*Runtime); ok && rt.refCount <= 0 {
			d.c.Remove(k)
			removed++
		}
	}
	return removed
}
