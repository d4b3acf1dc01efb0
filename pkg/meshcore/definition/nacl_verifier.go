package definition

import (
	"github.com/gardners/meshcore/pkg/meshcore/types"
	"golang.org/x/crypto/nacl/sign"
)

// NaclVerifier checks a manifest's signature against its own id, which
// doubles as the NaCl crypto_sign public key. The manifest's Raw field
// is expected to be the NaCl-signed message (signature prefix + cleartext
// body); Verify recovers the cleartext and discards it, since the cores
// only need a pass/fail.
type NaclVerifier struct{}

// Verify implements rhizome.Verifier.
func (NaclVerifier) Verify(m types.Manifest) error {
	pub, err := m.PublicKey()
	if err != nil || len(pub) != 32 {
		return types.ErrManifestIDMalformed
	}
	var key [32]byte
	copy(key[:], pub)

	if len(m.Raw) < sign.Overhead {
		return types.ErrVerificationFailed
	}
	if _, ok := sign.Open(nil, m.Raw, &key); !ok {
		return types.ErrVerificationFailed
	}
	return nil
}
