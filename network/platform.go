package network

import (
	"crypto/rand"
	"time"
)

// Platform is the narrow capability interface the coordinator and the
// connection driver consume for everything that is not pure state
// transition: the monotonic clock, a sleep primitive, uniform random
// bytes, and task spawning. Concrete dial/TLS/Noise/Yamux/WebRTC
// transports, the SCALE codec, the Wasm VM, and the trie proof
// verifier are narrower still and are injected per call site (see
// runtimeservice.HostEnvironment and syncservice.RequestTransport)
// rather than bundled here.
type Platform interface {
	Now() time.Time
	Sleep(d time.Duration) <-chan time.Time
	RandomBytes(n int) []byte
	Spawn(f func())
}

// RealPlatform is the production Platform, backed directly on the Go
// runtime and stdlib crypto/rand.
type RealPlatform struct{}

func (RealPlatform) Now() time.Time { return time.Now() }

func (RealPlatform) Sleep(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (RealPlatform) RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func (RealPlatform) Spawn(f func()) {
	go f()
}
