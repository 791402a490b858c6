package wtcrypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrEncryption is returned when a blob cannot be decrypted with the key
// derived from a dispute transaction id.
var ErrEncryption = errors.New("unable to decrypt blob")

// blobNonce is the all-zero nonce. Each key encrypts a single blob.
var blobNonce [chacha20poly1305.NonceSize]byte

// blobKey derives the symmetric key of a blob from the id of the dispute
// transaction, taken in display byte order.
func blobKey(disputeTxID *chainhash.Hash) [sha256.Size]byte {
	var display [chainhash.HashSize]byte
	for i := range display {
		display[i] = disputeTxID[chainhash.HashSize-1-i]
	}

	return sha256.Sum256(display[:])
}

// Encrypt seals plaintext under the key derived from disputeTxID.
func Encrypt(plaintext []byte, disputeTxID *chainhash.Hash) ([]byte, error) {
	key := blobKey(disputeTxID)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, blobNonce[:], plaintext, nil), nil
}

// Decrypt opens a blob using the key derived from disputeTxID.
func Decrypt(blob []byte, disputeTxID *chainhash.Hash) ([]byte, error) {
	key := blobKey(disputeTxID)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, blobNonce[:], blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	return plaintext, nil
}
