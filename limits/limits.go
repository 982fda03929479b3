package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest UDP payload sent or accepted.
	MaxDatagram = 1472

	// EnvelopeOverhead is the sender address prefixed by the UDP transport.
	EnvelopeOverhead = 32

	// MaxFrame is the largest serialized protocol packet.
	MaxFrame = MaxDatagram - EnvelopeOverhead

	// MessageOverhead is what a MESSAGE frame adds around the chat body:
	// tag(1) + sender(32) + nonce(12) + AEAD tag(16) + signature(64).
	MessageOverhead = 1 + 32 + 12 + 16 + 64

	// MaxPlaintextMessage is the largest chat body that fits one frame.
	MaxPlaintextMessage = MaxFrame - MessageOverhead

	// MaxNickname bounds peer nicknames.
	MaxNickname = 64
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage validates a chat body against MaxPlaintextMessage.
func ValidatePlaintextMessage(message []byte) error {
	return ValidateMessageSize(message, MaxPlaintextMessage)
}

// ValidateFrame validates a serialized packet against MaxFrame.
func ValidateFrame(frame []byte) error {
	return ValidateMessageSize(frame, MaxFrame)
}

// ValidateNickname checks a nickname is non-empty and within MaxNickname.
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return ErrMessageEmpty
	}
	if len(nickname) > MaxNickname {
		return fmt.Errorf("%w: nickname length %d exceeds limit %d", ErrMessageTooLarge, len(nickname), MaxNickname)
	}
	return nil
}
