// Package testing provides an in-memory datagram network for deterministic
// tests of the peerchat protocol engine.
//
// # Overview
//
// SimulatedNetwork mirrors the UDP transport but delivers datagrams through
// Go channels. Every send is recorded in a delivery log so tests can assert on
// exactly which datagrams crossed the wire, and failures can be injected per
// destination.
//
//	network := testing.NewSimulatedNetwork()
//	alice := network.Join(aliceAddr)
//	bob := network.Join(bobAddr)
//
//	_ = alice.Send(ctx, bobAddr, datagram)
//	d, _ := bob.Receive(ctx)
//
// # Fault Injection
//
//   - FailSends makes sends to an address return transport.ErrSendFailed.
//   - DropWhen silently discards datagrams matching a predicate.
//   - Hold queues datagrams instead of delivering them until Release is
//     called, which lets tests reorder or duplicate in-flight traffic.
//   - Inject delivers an arbitrary datagram, for replay tests.
//
// ManualClock is a crypto.TimeProvider whose time only moves when told to.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package testing
