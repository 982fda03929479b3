// Package store implements peer.Store.
//
// MemoryStore keeps everything in process memory. FileStore is a MemoryStore
// whose whole state is written to disk, encrypted under a key derived from a
// passphrase, after every mutation. RedisStore keeps records in Redis and lets
// bootstrap tokens expire there on their own.
package store
