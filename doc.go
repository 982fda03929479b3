// Package peerchat implements a peer-to-peer encrypted chat node.
//
// Peers pair once through a one-time bootstrap token exchanged out of band,
// agree on a time-bounded session key with an authenticated ephemeral ECDH
// exchange, and then send signed, encrypted messages over UDP datagrams.
//
// # Getting Started
//
//	options, err := peerchat.LoadOptions("peerchat.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	st, err := peerchat.OpenStore(ctx, options, passphrase)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tr, err := peerchat.ListenUDP(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := peerchat.New(ctx, options, peerchat.Config{Transport: tr, Store: st})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnMessage(func(from *peer.Identity, entry peer.ChatEntry) {
//	    fmt.Printf("%s: %s\n", from.DisplayName(), entry.Body)
//	})
//
//	go node.Run(ctx)
//
// # Pairing
//
// Node A issues a token for B's address with IssueToken and hands the
// bundle to B, who imports it with AcceptToken. A then calls Pair. Once both
// sides know each other's public key, either side calls StartExchange, or
// simply SendMessage: without a session the message is queued, an exchange
// starts, and the queue is flushed when the session is established.
//
// # Errors
//
// Inbound datagrams never fail the node. Dispatch logs each rejected
// datagram and counts it under the [ErrorKind] returned by [Classify].
package peerchat
