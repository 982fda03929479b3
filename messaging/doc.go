// Package messaging sends and receives signed, encrypted chat messages over
// a negotiated session.
//
// A MESSAGE datagram is the sender's address followed by
// AEAD(session key, signature ‖ plaintext), where the signature covers the
// plaintext and is made with the sender's long-term key for the pairing.
// A plaintext that is a complete EXCHANGE datagram from the sender, with a
// valid exchange signature, is an exchange tunnelled over the session and
// goes to the control handler. Every other plaintext is chat.
//
// Send queues the message as pending when the peer has no valid session or
// the transport fails; Flush delivers the queue once it can.
//
// Example:
//
//	sent, err := svc.Send(ctx, bob, []byte("hello"))
//	if err != nil {
//	    return err
//	}
//	if !sent {
//	    // queued until a session is established
//	}
package messaging
