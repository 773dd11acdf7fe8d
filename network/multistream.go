package network

import (
	"context"
	"time"
)

// MultiStreamTransport is the dial seam for WebRTC-like transports
// whose substreams are independent from the start rather than
// multiplexed over one ordered byte stream. OpenSubstream asks the
// platform to create one outbound substream; announcements of created
// substreams (both directions) arrive through NextSubstream.
type MultiStreamTransport interface {
	Await(ctx context.Context) error
	OpenSubstream()
	// NextSubstream blocks until the transport announces a newly
	// created substream, reporting whether it is inbound.
	NextSubstream(ctx context.Context) (inbound bool, err error)
}

// MultiStreamMachine extends the per-connection state machine with the
// substream registry the multi-stream driver maintains on its behalf.
type MultiStreamMachine interface {
	StreamStateMachine

	// DesiredOutboundSubstreams reports how many outbound substreams
	// the machine currently wants beyond those already open or pending
	// creation.
	DesiredOutboundSubstreams() int

	// RegisterSubstream hands a newly announced substream into the
	// machine under the driver-assigned id. Ids increase monotonically
	// and are never reused within a connection.
	RegisterSubstream(id uint64, inbound bool)
}

// RunMultiStreamConnectionDriver is the multi-stream variant of
// RunConnectionDriver. On top of the single-stream loop it keeps a
// counter of outbound substream opens pending the platform's creation
// and registers every announced substream (inbound or outbound) under
// a monotonically increasing id. The single in-flight coordinator
// send invariant is identical.
func RunMultiStreamConnectionDriver(ctx context.Context, platform Platform, transport MultiStreamTransport, machine MultiStreamMachine, toConn <-chan driverMessage, fromConn chan<- driverMessage) {
	if err := transport.Await(ctx); err != nil {
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

	// announced fans transport.NextSubstream into the main select; its
	// goroutine exits with ctx.
	type announcement struct {
		inbound bool
		err     error
	}
	announced := make(chan announcement)
	platform.Spawn(func() {
		for {
			inbound, err := transport.NextSubstream(ctx)
			select {
			case announced <- announcement{inbound: inbound, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	})

	var nextSubstreamID uint64
	pendingOpens := 0

	for {
		now := platform.Now()
		wake := machine.Advance(now)

		// Ask the platform for however many outbound substreams the
		// machine wants beyond those already pending creation.
		for machine.DesiredOutboundSubstreams() > pendingOpens {
			transport.OpenSubstream()
			pendingOpens++
		}

		if msg, ok := machine.PullMessage(); ok {
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
				return
			}
			machine.Inject(m)
		case a := <-announced:
			if a.err != nil {
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
			if !a.inbound {
				pendingOpens--
			}
			machine.RegisterSubstream(nextSubstreamID, a.inbound)
			nextSubstreamID++
		case <-wakeCh:
		}
	}
}
