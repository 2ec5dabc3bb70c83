// Package lockbus provides a client-side engine for lock-based,
// session-aware message queue services reached over a long-lived,
// reconnectable link.
//
// # Overview
//
// The engine covers the three hard parts of such a client: the message and
// session lock lifecycle with background auto-renewal, the handler state
// machine deciding when to silently reconnect and when to fail fast, and a
// settlement protocol with strict at-most-once local semantics. The wire
// protocol itself is not implemented here; the engine programs against the
// Transport interface and ships an AMQP-backed implementation in the
// amqptransport package.
//
// # Key Features
//
//   - Handler state machine (idle, opening, running, error, closed) with
//     classified failures, bounded retries, and exponential backoff with
//     jitter between reconnection attempts
//   - Peek-lock and receive-and-delete receivers with complete, abandon,
//     defer, and dead-letter dispositions
//   - Deferred message retrieval by sequence number and dead-letter
//     sub-queue access
//   - Session receivers with session lock renewal and opaque session state
//   - Background lock renewer scheduling renewals over a min-heap of
//     registrations, waking early on registration and close
//   - Total, table-driven error classification into typed errors
//   - Circuit breaker around management requests
//   - Flexible logging interface with a zerolog adapter
//
// # Basic Usage
//
// Receiving and settling messages:
//
//	cfg, err := lockbus.ConfigFromEnv()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	handler, err := lockbus.NewHandler(cfg,
//		lockbus.WithTransportFactory(amqptransport.New),
//		lockbus.WithLogger(lockbus.NewZerologAdapter(logger)),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	receiver, err := lockbus.NewReceiver(handler)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer receiver.Close(ctx)
//
//	msgs, err := receiver.Receive(ctx, 10)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	for _, msg := range msgs {
//		if err := msg.Complete(ctx); err != nil {
//			log.Printf("settle failed: %v", err)
//		}
//	}
//
// Keeping locks alive in the background:
//
//	renewer := lockbus.NewLockRenewer()
//	defer renewer.Close()
//
//	err = renewer.Register(msg,
//		lockbus.WithRenewPeriod(10*time.Second),
//		lockbus.WithMaxRenewalDuration(5*time.Minute),
//		lockbus.WithOnFailure(func(err error) {
//			log.Printf("lock lost: %v", err)
//		}),
//	)
//
// # Concurrency Contract
//
// A Handler, and every Sender or Receiver built on it, expects one logical
// owner issuing foreground calls. Concurrent Open, Close, or settlement
// calls from multiple owners are not supported. The one sanctioned form of
// concurrency is the lock renewer's background goroutine: the handler
// serializes its transport access against the foreground caller, so a
// renewal and a settle never race on the same link state.
//
// # Error Handling
//
// Transport failures are classified exactly once into typed errors carrying
// a kind, the wire condition, and the cause. Retryable failures are handled
// transparently under the handler's retry policy; fatal ones close the
// handler and surface to the caller. Settling an already settled message is
// always a synchronous, local failure that never touches the network.
package lockbus
