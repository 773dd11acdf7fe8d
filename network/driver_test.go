package network

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// instantSocket resolves Await immediately so the driver enters its
// main loop without any real dial delay.
type instantSocket struct{}

func (instantSocket) Await(ctx context.Context) error { return nil }

// fakeMachine is a StreamStateMachine whose PullMessage supply is
// driven by the test. It records every message Inject delivers, so
// the test can check the coordinator-to-connection order.
type fakeMachine struct {
	mu       sync.Mutex
	pending  []driverMessage
	injected []driverMessage
	resetMsg []driverMessage
}

func (m *fakeMachine) Advance(now time.Time) time.Time {
	return now.Add(time.Millisecond)
}

func (m *fakeMachine) PullMessage() (driverMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return driverMessage{}, false
	}
	msg := m.pending[0]
	m.pending = m.pending[1:]
	return msg, true
}

func (m *fakeMachine) Inject(msg driverMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = append(m.injected, msg)
}

func (m *fakeMachine) Reset() []driverMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetMsg
}

func (m *fakeMachine) enqueue(msgs ...driverMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msgs...)
}

// inFlightCounter counts messages currently "in flight" on the
// fromConn channel's receive side (received but not yet finished by
// the test harness) and remembers the highest count seen, so the test
// can check that the driver never has two outstanding sends at once.
type inFlightCounter struct {
	current int32
	max     int32
}

func (c *inFlightCounter) mark() {
	n := atomic.AddInt32(&c.current, 1)
	for {
		old := atomic.LoadInt32(&c.max)
		if n <= old || atomic.CompareAndSwapInt32(&c.max, old, n) {
			break
		}
	}
}

func (c *inFlightCounter) unmark() {
	atomic.AddInt32(&c.current, -1)
}

// TestDriverSingleInFlightSend stresses the driver with a steady
// supply of outbound messages and a slow-draining coordinator
// channel, then asserts that the observed in-flight count at the
// channel boundary never exceeds one: the driver must not pull or
// send a second message before the first is accepted.
func TestDriverSingleInFlightSend(t *testing.T) {
	machine := &fakeMachine{}
	for i := 0; i < 50; i++ {
		machine.enqueue(driverMessage{Kind: msgInboundRequest, SubstreamID: SubstreamId(i)})
	}

	toConn := make(chan driverMessage, defaultChannelBuffer)
	fromConn := make(chan driverMessage) // unbuffered: forces the driver to block per-send

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counter := &inFlightCounter{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunConnectionDriver(ctx, RealPlatform{}, instantSocket{}, machine, toConn, fromConn)
	}()

	received := 0
	for received < 50 {
		select {
		case <-fromConn:
			counter.mark()
			// Simulate the coordinator taking a moment to ACK before the
			// driver is allowed to consider the send complete. Since
			// fromConn is unbuffered, the driver's send has already
			// "completed" from its perspective the instant we receive —
			// so drain slowly to widen the window in which a buggy
			// driver sending twice concurrently would be caught.
			time.Sleep(time.Microsecond)
			counter.unmark()
			received++
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for driver messages")
		}
	}

	require.LessOrEqual(t, atomic.LoadInt32(&counter.max), int32(1),
		"driver must never have more than one outstanding coordinator send")

	cancel()
	<-done
}

// TestDriverForwardsInboundCoordinatorMessages checks the other
// direction of the FIFO channel pair: messages sent on toConn reach
// the state machine's Inject in order.
func TestDriverForwardsInboundCoordinatorMessages(t *testing.T) {
	machine := &fakeMachine{}
	toConn := make(chan driverMessage, 4)
	fromConn := make(chan driverMessage, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunConnectionDriver(ctx, RealPlatform{}, instantSocket{}, machine, toConn, fromConn)
	}()

	toConn <- driverMessage{Kind: msgHandshakeFinished, SubstreamID: SubstreamId(1)}
	toConn <- driverMessage{Kind: msgHandshakeFinished, SubstreamID: SubstreamId(2)}

	require.Eventually(t, func() bool {
		machine.mu.Lock()
		defer machine.mu.Unlock()
		return len(machine.injected) == 2
	}, time.Second, time.Millisecond)

	machine.mu.Lock()
	require.Equal(t, SubstreamId(1), machine.injected[0].SubstreamID)
	require.Equal(t, SubstreamId(2), machine.injected[1].SubstreamID)
	machine.mu.Unlock()

	cancel()
	<-done
}

// TestDriverExitsOnCoordinatorChannelClose checks the terminal
// transition: closing toConn must end the driver loop without a
// socket error.
func TestDriverExitsOnCoordinatorChannelClose(t *testing.T) {
	machine := &fakeMachine{}
	toConn := make(chan driverMessage)
	fromConn := make(chan driverMessage, 1)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunConnectionDriver(ctx, RealPlatform{}, instantSocket{}, machine, toConn, fromConn)
	}()

	close(toConn)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("driver did not exit after coordinator channel closed")
	}
}
