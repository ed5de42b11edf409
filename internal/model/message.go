package model

type (
	// Header is the message header carried along with each ciphertext and
	// authenticated as associated data.
	Header struct {
		Pub    [32]byte // sender's current ratchet public key
		MsgNum uint32   // message number in the sending chain
		Prev   uint32   // previous sending chain length (PN)
	}

	// Handshake rides on the first message of a fresh session so the
	// responder can finish the key agreement from its own prekeys.
	Handshake struct {
		IdentityDH     []byte  `json:"identity_dh"`
		IdentitySig    []byte  `json:"identity_sig"`
		Ephemeral      []byte  `json:"ephemeral"`
		SignedPrekeyID uint32  `json:"signed_prekey_id"`
		OneTimeID      *uint32 `json:"one_time_id,omitempty"`
		PQCiphertext   []byte  `json:"pq_ciphertext,omitempty"`
	}

	// Envelope is one pairwise ciphertext addressed from one device to
	// another within a conversation.
	Envelope struct {
		Conversation string     `json:"conversation"`
		From         DeviceID   `json:"from"`
		To           DeviceID   `json:"to"`
		Header       *Header    `json:"header"`
		Ciphertext   []byte     `json:"ciphertext"`
		Handshake    *Handshake `json:"handshake,omitempty"`
	}
)
