package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/peer"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir, []byte("correct horse"), fastKDF)
	require.NoError(t, err)
	p := testIdentity(t, "persist")
	require.NoError(t, fs.PutPeer(ctx, p))
	require.NoError(t, fs.AppendChat(ctx, peer.ChatEntry{ID: "c1", PeerID: p.ID, Body: []byte("hi")}))
	require.NoError(t, fs.Close())

	reopened, err := NewFileStore(dir, []byte("correct horse"), fastKDF)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetPeer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.PrivateKey, got.PrivateKey)

	chat, err := reopened.ListChat(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, chat, 1)
	assert.Equal(t, "hi", string(chat[0].Body))
}

func TestFileStoreIsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, []byte("secret"), fastKDF)
	require.NoError(t, err)
	defer fs.Close()

	p := testIdentity(t, "plaintext-check")
	p.Nickname = "very-recognizable-nickname"
	require.NoError(t, fs.PutPeer(context.Background(), p))

	raw, err := os.ReadFile(filepath.Join(dir, dataFileName))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte(p.Nickname)))

	salt, err := os.ReadFile(filepath.Join(dir, saltFileName))
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)
}

func TestFileStoreWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, []byte("right"), fastKDF)
	require.NoError(t, err)
	require.NoError(t, fs.PutPeer(context.Background(), testIdentity(t, "x")))
	require.NoError(t, fs.Close())

	_, err = NewFileStore(dir, []byte("wrong"), fastKDF)
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestFileStoreRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), nil, fastKDF)
	assert.Error(t, err)
}

func TestFileStoreRekey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir, []byte("old"), fastKDF)
	require.NoError(t, err)
	p := testIdentity(t, "rekey")
	require.NoError(t, fs.PutPeer(ctx, p))
	require.NoError(t, fs.Rekey([]byte("new")))
	require.NoError(t, fs.Close())

	_, err = NewFileStore(dir, []byte("old"), fastKDF)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	reopened, err := NewFileStore(dir, []byte("new"), fastKDF)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.GetPeer(ctx, p.ID)
	assert.NoError(t, err)
}

func TestFileStoreRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir, []byte("pw"), fastKDF)
	require.NoError(t, err)
	defer fs.Close()

	// A directory where the temp file should go makes the write fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, dataFileName+".tmp"), 0o700))

	err = fs.PutPeer(ctx, testIdentity(t, "doomed"))
	assert.ErrorIs(t, err, peer.ErrStore)

	peers, err := fs.ListPeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}
