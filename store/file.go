package store

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/peer"
)

const (
	// FileFormatVersion is the current on-disk format version.
	FileFormatVersion = 1
	// SaltSize is the size of the KDF salt kept next to the data file.
	SaltSize = 32

	dataFileName = "peerchat.db"
	saltFileName = ".salt"
)

// ErrWrongPassphrase is returned when the data file does not decrypt.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted data file")

// FileStore is a MemoryStore persisted to an encrypted file.
//
// Format: [version:2][nonce‖ciphertext‖tag] where the ciphertext is the JSON
// state sealed under DeriveKey(passphrase, salt). Writes go to a temporary
// file that is then renamed over the data file.
type FileStore struct {
	*MemoryStore
	dir           string
	saltFile      string
	dataFile      string
	encryptionKey []byte
	params        crypto.KDFParams
}

// NewFileStore opens or creates the store in dir.
func NewFileStore(dir string, passphrase []byte, params crypto.KDFParams) (*FileStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		dir:         dir,
		saltFile:    filepath.Join(dir, saltFileName),
		dataFile:    filepath.Join(dir, dataFileName),
		params:      params,
	}

	salt, err := fs.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	fs.encryptionKey, err = crypto.DeriveKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive storage key: %w", err)
	}

	if err := fs.load(); err != nil {
		crypto.ZeroBytes(fs.encryptionKey)
		return nil, err
	}
	fs.MemoryStore.commit = fs.write

	logrus.WithFields(logrus.Fields{
		"function": "NewFileStore",
		"dir":      dir,
		"peers":    len(fs.state.Peers),
	}).Info("File store opened")

	return fs, nil
}

// loadOrGenerateSalt loads existing salt or generates a new one
func (fs *FileStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(fs.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(fs.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != SaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
	}
	return data, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.dataFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read data file: %v", peer.ErrStore, err)
	}

	if len(data) < 2+crypto.Overhead {
		return fmt.Errorf("%w: data file too short: %d bytes", peer.ErrStore, len(data))
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version != FileFormatVersion {
		return fmt.Errorf("%w: unsupported data file version %d (expected %d)", peer.ErrStore, version, FileFormatVersion)
	}

	plaintext, err := crypto.Decrypt(fs.encryptionKey, data[2:])
	if err != nil {
		return ErrWrongPassphrase
	}
	defer crypto.ZeroBytes(plaintext)

	state := newSnapshot()
	if err := json.Unmarshal(plaintext, state); err != nil {
		return fmt.Errorf("%w: failed to decode data file: %v", peer.ErrStore, err)
	}
	state.normalize()
	fs.state = state
	return nil
}

// write seals s and atomically replaces the data file.
func (fs *FileStore) write(s *snapshot) error {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	sealed, err := crypto.Encrypt(fs.encryptionKey, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	output := make([]byte, 2+len(sealed))
	binary.BigEndian.PutUint16(output[0:2], FileFormatVersion)
	copy(output[2:], sealed)

	tmpFile := fs.dataFile + ".tmp"
	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, fs.dataFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Rekey re-encrypts the store under a new passphrase and a fresh salt.
func (fs *FileStore) Rekey(newPassphrase []byte) error {
	if len(newPassphrase) == 0 {
		return fmt.Errorf("new passphrase cannot be empty")
	}

	newSalt := make([]byte, SaltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("failed to generate new salt: %w", err)
	}
	newKey, err := crypto.DeriveKey(newPassphrase, newSalt, fs.params)
	if err != nil {
		return fmt.Errorf("failed to derive storage key: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldKey := fs.encryptionKey
	fs.encryptionKey = newKey
	if err := fs.write(fs.state); err != nil {
		fs.encryptionKey = oldKey
		crypto.ZeroBytes(newKey)
		return fmt.Errorf("%w: %v", peer.ErrStore, err)
	}
	if err := os.WriteFile(fs.saltFile, newSalt, 0o600); err != nil {
		// The data file is already sealed under newKey; restoring oldKey
		// would leave it unreadable.
		return fmt.Errorf("%w: failed to save new salt: %v", peer.ErrStore, err)
	}

	crypto.ZeroBytes(oldKey)
	logrus.WithFields(logrus.Fields{
		"function": "FileStore.Rekey",
		"dir":      fs.dir,
	}).Info("File store re-encrypted")
	return nil
}

// Close wipes the storage key. The store must not be used afterwards.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	crypto.ZeroBytes(fs.encryptionKey)
	return nil
}

var _ peer.Store = (*FileStore)(nil)
