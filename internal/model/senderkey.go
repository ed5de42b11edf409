package model

type (
	// SenderKeyDistribution announces one device's broadcast chain for a
	// conversation. It is fanned out pairwise-encrypted; anyone holding it
	// can decrypt that device's group messages for that generation.
	SenderKeyDistribution struct {
		ID           string   `json:"id"` // distribution uuid
		Conversation string   `json:"conversation"`
		Device       DeviceID `json:"device"`
		Generation   uint32   `json:"generation"`
		Iteration    uint32   `json:"iteration"`
		ChainKey     []byte   `json:"chain_key"`
		SigningPub   []byte   `json:"signing_pub"`
	}

	// GroupMessage is one broadcast ciphertext, signed by the sender's
	// per-generation signing key.
	GroupMessage struct {
		Conversation string   `json:"conversation"`
		From         DeviceID `json:"from"`
		Generation   uint32   `json:"generation"`
		Iteration    uint32   `json:"iteration"`
		Ciphertext   []byte   `json:"ciphertext"`
		Signature    []byte   `json:"signature"`
	}
)
