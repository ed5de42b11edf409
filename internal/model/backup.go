package model

import "time"

// BackupSnapshot is an encrypted, integrity-protected capture of session
// state for transfer to a new device or recovery. Payload is an opaque
// envelope; Hash covers it and is checked before any decryption attempt.
type BackupSnapshot struct {
	ID        string    `json:"id"`
	Version   uint32    `json:"version"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Payload   []byte    `json:"payload"`
	Hash      []byte    `json:"hash"`
}
