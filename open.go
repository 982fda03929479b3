package peerchat

import (
	"context"
	"fmt"

	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/store"
	"github.com/opd-ai/peerchat/transport"
)

// OpenStore opens the store backend selected by options. The file and Redis
// stores seal their contents under a key derived from passphrase.
func OpenStore(ctx context.Context, options *Options, passphrase []byte) (peer.Store, error) {
	switch options.Store {
	case StoreMemory:
		return store.NewMemoryStore(), nil
	case StoreFile:
		return store.NewFileStore(options.DataDir, passphrase, options.KDF)
	case StoreRedis:
		return store.DialRedis(ctx, options.RedisURL, options.RedisPrefix, passphrase, options.KDF)
	default:
		return nil, fmt.Errorf("unknown store %q", options.Store)
	}
}

// ListenUDP binds the UDP transport for options.
func ListenUDP(options *Options) (*transport.UDPTransport, error) {
	self, err := options.SelfAddress()
	if err != nil {
		return nil, err
	}
	return transport.NewUDPTransport(options.ListenAddress, self, transport.UDPOptions{})
}
