package network

import (
	"context"
	"time"
)

// StreamStateMachine is the per-connection state machine the
// connection driver drives. Implementations own the
// actual socket and multistream-select/Noise/Yamux machinery; the
// driver only knows the four operations below.
type StreamStateMachine interface {
	// Advance lets the state machine read from / write to its socket
	// buffers and returns the instant it next wants to be woken even
	// if nothing else happens (its "wake-up instant").
	Advance(now time.Time) time.Time

	// PullMessage returns the next coordinator-bound message, if any
	// is ready, without blocking.
	PullMessage() (driverMessage, bool)

	// Inject delivers one coordinator-originated message into the
	// state machine.
	Inject(msg driverMessage)

	// Reset marks the state machine as terminally failed (socket
	// error) and returns any messages it still holds, not including
	// the final connection_now_dead message the driver appends itself.
	Reset() []driverMessage
}

// Socket is the narrow async-dial interface the driver awaits before
// it can hand control to the state machine. Concrete TCP/WS/WebRTC
// dialling, Noise handshaking, and Yamux negotiation are external
// collaborators reached through this single method.
type Socket interface {
	Await(ctx context.Context) error
}

// RunConnectionDriver owns one physical connection end to end: it
// awaits the dial future, then repeatedly lets the state machine
// touch its buffers, pulls outbound messages, forwards inbound
// coordinator messages, and waits for whichever of {new coordinator
// message, wake-up deadline, state change} is first ready. Cancelling
// ctx stops the driver structurally: the stream,
// channels, and any in-flight state machine are released without
// further cleanup.
func RunConnectionDriver(ctx context.Context, platform Platform, socket Socket, machine StreamStateMachine, toConn <-chan driverMessage, fromConn chan<- driverMessage) {
	if err := socket.Await(ctx); err != nil {
		drained := machine.Reset()
		for _, m := range drained {
			select {
			case fromConn <- m:
			case <-ctx.Done():
				return
			}
		}
		select {
		case fromConn <- driverMessage{Kind: msgConnectionReset, ConnDeadNow: true}:
		case <-ctx.Done():
		}
		return
	}

	for {
		now := platform.Now()
		wake := machine.Advance(now)

		if msg, ok := machine.PullMessage(); ok {
			// Single in-flight invariant: we do not touch the state
			// machine or pull another message until this send
			// completes (or the loop is cancelled).
			select {
			case fromConn <- msg:
				log.WithField("conn_wake_delta", wake.Sub(now)).Debug("forwarded message to coordinator")
				continue
			case <-ctx.Done():
				return
			}
		}

		var wakeCh <-chan time.Time
		if !wake.IsZero() {
			wakeCh = platform.Sleep(wake.Sub(now))
		}

		select {
		case <-ctx.Done():
			return
		case m, open := <-toConn:
			if !open {
				// Coordinator channel closed: terminal.
				return
			}
			machine.Inject(m)
		case <-wakeCh:
			// Deadline elapsed; loop around to let Advance react.
		}
	}
}
