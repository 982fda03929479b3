// Package limits provides centralized size constants and validation functions
// for the peerchat protocol.
//
// # Size Hierarchy
//
//   - MaxDatagram (1472 bytes): the largest UDP payload a transport writes or
//     accepts. It fits an Ethernet MTU without IP fragmentation.
//
//   - MaxFrame: MaxDatagram less the transport envelope (the sender address).
//     Every serialized protocol packet must fit in it.
//
//   - MaxPlaintextMessage: MaxFrame less MessageOverhead, the largest chat body
//     accepted by SendMessage. A MESSAGE frame adds the tag byte, the sender
//     address, the AEAD nonce and tag, and the signature on top of it.
//
// # Validation Functions
//
//	err := limits.ValidatePlaintextMessage(body)
//	if err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Both helpers, like ValidateFrame, are ValidateMessageSize with a fixed
// limit.
package limits
