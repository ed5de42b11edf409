package doubleratchet

import (
	"keymesh/internal/cryptographic/kdf"
	"keymesh/internal/cryptographic/mac"
)

var rootInfo = []byte("RootKDF")

// rootStep derives a new root key and chain key from the old root key and
// a DH output. The old root key acts as salt, info = "RootKDF".
func rootStep(d kdf.Deriver, rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	buffer, err := d.Derive(dhOut, rootKey, rootInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}

// chainStep derives the message key for the current index and advances
// the chain key, using the suite MAC with distinct domain constants.
func chainStep(m mac.MAC, chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	msgKey, err = m.Sum(chainKey, []byte{0x01})
	if err != nil {
		return nil, nil, err
	}
	nextChainKey, err = m.Sum(chainKey, []byte{0x02})
	if err != nil {
		return nil, nil, err
	}
	return nextChainKey, msgKey, nil
}
