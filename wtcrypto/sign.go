package wtcrypto

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
)

// signedMsgPrefix is prepended to every message before hashing, as done by
// lightning's signmessage.
var signedMsgPrefix = []byte("Lightning Signed Message:")

// ErrInvalidSignature is returned when a signature cannot be decoded or no
// public key can be recovered from it.
var ErrInvalidSignature = errors.New("invalid signature")

func messageDigest(msg []byte) []byte {
	preimage := make([]byte, 0, len(signedMsgPrefix)+len(msg))
	preimage = append(preimage, signedMsgPrefix...)
	preimage = append(preimage, msg...)

	return chainhash.DoubleHashB(preimage)
}

// Sign produces a zbase32 encoded recoverable signature of msg.
func Sign(msg []byte, key *btcec.PrivateKey) string {
	sig := ecdsa.SignCompact(key, messageDigest(msg), true)

	return zbase32.EncodeToString(sig)
}

// RecoverPubKey returns the public key that produced the zbase32 encoded
// signature sig over msg.
func RecoverPubKey(msg []byte, sig string) (*btcec.PublicKey, error) {
	raw, err := zbase32.DecodeString(sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	pubKey, _, err := ecdsa.RecoverCompact(raw, messageDigest(msg))
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return pubKey, nil
}

// VerifySignature reports whether sig over msg was produced by pubKey.
func VerifySignature(msg []byte, sig string, pubKey *btcec.PublicKey) bool {
	recovered, err := RecoverPubKey(msg, sig)
	if err != nil {
		return false
	}

	return recovered.IsEqual(pubKey)
}
