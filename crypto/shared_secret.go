package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SharedSecret computes the raw P-256 ECDH shared secret between privateKey
// and peerPublicKey. The result is symmetric: SharedSecret(a, B) equals
// SharedSecret(b, A).
func SharedSecret(privateKey PrivateKey, peerPublicKey PublicKey) ([]byte, error) {
	sk, err := privateKey.ecdh()
	if err != nil {
		return nil, err
	}
	pk, err := peerPublicKey.ecdh()
	if err != nil {
		return nil, err
	}

	secret, err := sk.ECDH(pk)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SharedSecret",
			"error":    err.Error(),
		}).Error("ECDH computation failed")
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "SharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", []byte(peerPublicKey[:8])),
	}).Debug("Shared secret computed")

	return secret, nil
}
