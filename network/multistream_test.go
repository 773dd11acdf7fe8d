package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMultiStreamTransport scripts substream announcements and counts
// OpenSubstream requests.
type fakeMultiStreamTransport struct {
	mu           sync.Mutex
	openRequests int
	announce     chan bool // inbound flag per announced substream
}

func (t *fakeMultiStreamTransport) Await(ctx context.Context) error { return nil }

func (t *fakeMultiStreamTransport) OpenSubstream() {
	t.mu.Lock()
	t.openRequests++
	t.mu.Unlock()
}

func (t *fakeMultiStreamTransport) NextSubstream(ctx context.Context) (bool, error) {
	select {
	case inbound := <-t.announce:
		return inbound, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (t *fakeMultiStreamTransport) opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openRequests
}

// fakeMultiMachine wraps fakeMachine with the substream registry and a
// scripted outbound-substream demand.
type fakeMultiMachine struct {
	fakeMachine
	desired    int32
	registered []struct {
		id      uint64
		inbound bool
	}
}

func (m *fakeMultiMachine) DesiredOutboundSubstreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.desired)
}

func (m *fakeMultiMachine) RegisterSubstream(id uint64, inbound bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, struct {
		id      uint64
		inbound bool
	}{id, inbound})
	if !inbound && m.desired > 0 {
		m.desired--
	}
}

func (m *fakeMultiMachine) registeredIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.registered))
	for i, r := range m.registered {
		out[i] = r.id
	}
	return out
}

// TestMultiStreamDriverAssignsMonotonicIDs checks that announced
// substreams (both directions) are registered under strictly
// increasing ids and that the driver requests exactly as many outbound
// opens as the machine wants.
func TestMultiStreamDriverAssignsMonotonicIDs(t *testing.T) {
	transport := &fakeMultiStreamTransport{announce: make(chan bool, 8)}
	machine := &fakeMultiMachine{}
	machine.mu.Lock()
	machine.desired = 2
	machine.mu.Unlock()

	toConn := make(chan driverMessage, 4)
	fromConn := make(chan driverMessage, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunMultiStreamConnectionDriver(ctx, RealPlatform{}, transport, machine, toConn, fromConn)
	}()

	require.Eventually(t, func() bool { return transport.opens() == 2 },
		time.Second, time.Millisecond, "driver must request each desired outbound open exactly once")

	// The platform finishes creating both outbound substreams, then an
	// inbound one arrives.
	transport.announce <- false
	transport.announce <- false
	transport.announce <- true

	require.Eventually(t, func() bool { return len(machine.registeredIDs()) == 3 },
		time.Second, time.Millisecond)

	ids := machine.registeredIDs()
	require.Equal(t, []uint64{0, 1, 2}, ids, "substream ids increase monotonically")
	require.Equal(t, 2, transport.opens(), "satisfied demand must not trigger further opens")

	cancel()
	<-done
}
