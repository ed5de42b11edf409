package model

import "time"

type (
	// OneTimeKey is a single-use prekey public half. The directory hands
	// each one to at most one initiator.
	OneTimeKey struct {
		ID  uint32 `json:"id" bson:"id"`
		Pub []byte `json:"pub" bson:"pub"`
	}

	// PrekeyBundle is what an initiator fetches to open a session: the
	// peer device's long-term publics, its current signed prekey, and at
	// most one one-time key picked by the directory.
	PrekeyBundle struct {
		Device          DeviceID    `json:"device"`
		IdentityDH      []byte      `json:"identity_dh"`
		IdentitySig     []byte      `json:"identity_sig"`
		SignedPrekeyID  uint32      `json:"signed_prekey_id"`
		SignedPrekey    []byte      `json:"signed_prekey"`
		PrekeySignature []byte      `json:"prekey_signature"`
		OneTime         *OneTimeKey `json:"one_time,omitempty"`
		PQKEMPub        []byte      `json:"pq_kem_pub,omitempty"`
		PQKEMSignature  []byte      `json:"pq_kem_signature,omitempty"`
	}

	// PublishedBundle is the device's upload to the directory: the bundle
	// publics plus the full one-time pool. Replaces any prior upload for
	// the same device.
	PublishedBundle struct {
		Device          DeviceID     `json:"device"`
		IdentityDH      []byte       `json:"identity_dh"`
		IdentitySig     []byte       `json:"identity_sig"`
		SignedPrekeyID  uint32       `json:"signed_prekey_id"`
		SignedPrekey    []byte       `json:"signed_prekey"`
		PrekeySignature []byte       `json:"prekey_signature"`
		OneTimeKeys     []OneTimeKey `json:"one_time_keys"`
		PQKEMPub        []byte       `json:"pq_kem_pub,omitempty"`
		PQKEMSignature  []byte       `json:"pq_kem_signature,omitempty"`
		PublishedAt     time.Time    `json:"published_at"`
	}
)
