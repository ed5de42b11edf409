// Package kv is a narrow key-value interface over the device-local
// stores. All operations are safe for concurrent use and synchronously
// persistent: after Put(k, v) returns, Get(k) returns v even across a
// process restart.
package kv

import "errors"

var ErrNotFound = errors.New("key not found")

type DB interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Close() error
}
