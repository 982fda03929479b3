// Package exchange negotiates per-peer session keys with signed ephemeral
// ECDH.
//
// Each side signs its own address and a fresh ephemeral public key with its
// long-term key for the pairing. A node that receives an EXCHANGE while it
// has one outstanding treats it as the reply; otherwise it answers with its
// own ephemeral key. Both ends derive the same session key because ECDH is
// commutative.
//
// Per peer the coordinator is in one of three phases: nothing in flight,
// Initiated (our ephemeral key is waiting for a reply) or Established (the
// exchange just completed and our ephemeral key is held for a short grace
// window). During the grace window a further EXCHANGE from the peer is
// absorbed as a late reply instead of being answered, which stops duplicated
// datagrams from starting a request/reply loop. For the same reason a node
// does not initiate again until twice the grace window has passed.
package exchange
