package signature

// Scheme signs and verifies with marshaled keys, so callers can persist
// and publish key material as plain bytes.
type Scheme interface {
	Generate() (pub, priv []byte, err error)
	Sign(priv, message []byte) ([]byte, error)
	Verify(pub, message, sig []byte) bool
}
