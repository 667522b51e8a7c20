// Package symm implements the symmetric primitives used on transfer data:
// AES-128 counter mode for the payload and AES CBC-MAC for chunk integrity codes.
package symm

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const (
	// BlockSize is the AES block size; every transfer range is aligned to it.
	BlockSize = 16

	// KeyLength is the length of a transfer key.
	KeyLength = 16
)

// Cipher holds an expanded AES-128 key. A Cipher is not safe for concurrent
// SetKey calls; give each worker its own instance.
type Cipher struct {
	block cipher.Block
	key   [KeyLength]byte
}

// New returns a Cipher keyed with key.
func New(key []byte) (*Cipher, error) {
	c := &Cipher{}
	if err := c.SetKey(key); err != nil {
		return nil, err
	}
	return c, nil
}

// SetKey replaces the key. It is a no-op when the key is unchanged.
func (c *Cipher) SetKey(key []byte) error {
	if len(key) != KeyLength {
		return fmt.Errorf("%w: got %d bytes", ErrKeyLength, len(key))
	}
	if c.block != nil && string(c.key[:]) == string(key) {
		return nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyLength, err)
	}
	copy(c.key[:], key)
	c.block = block
	return nil
}

// Key returns a copy of the current key.
func (c *Cipher) Key() [KeyLength]byte {
	return c.key
}

// ECBEncrypt encrypts one block in place.
func (c *Cipher) ECBEncrypt(b *[BlockSize]byte) {
	c.block.Encrypt(b[:], b[:])
}

// CTRCrypt encrypts or decrypts data in place. The keystream for byte offset
// pos of the file uses nonce ctriv and block counter pos/16, so any range of
// the file can be processed independently.
func (c *Cipher) CTRCrypt(data []byte, ctriv uint64, pos int64) {
	if len(data) == 0 {
		return
	}
	var iv [BlockSize]byte
	binary.BigEndian.PutUint64(iv[:8], ctriv)
	binary.BigEndian.PutUint64(iv[8:], uint64(pos/BlockSize))
	stream := cipher.NewCTR(c.block, iv[:])
	if skip := int(pos % BlockSize); skip != 0 {
		discard := make([]byte, skip)
		stream.XORKeyStream(discard, discard)
	}
	stream.XORKeyStream(data, data)
}

// InitialMAC returns the CBC-MAC seed for a chunk: the nonce repeated twice.
func InitialMAC(ctriv uint64) [BlockSize]byte {
	var mac [BlockSize]byte
	binary.BigEndian.PutUint64(mac[:8], ctriv)
	binary.BigEndian.PutUint64(mac[8:], ctriv)
	return mac
}

// MACBlocks folds plaintext into a running chunk MAC. A trailing partial
// block is zero padded, so callers only pass a partial tail at the end of a
// chunk.
func (c *Cipher) MACBlocks(mac *[BlockSize]byte, plaintext []byte) {
	for len(plaintext) > 0 {
		n := BlockSize
		if len(plaintext) < n {
			n = len(plaintext)
		}
		XORBlock(mac, plaintext[:n])
		c.block.Encrypt(mac[:], mac[:])
		plaintext = plaintext[n:]
	}
}

// XORBlock xors src (up to one block) into dst.
func XORBlock(dst *[BlockSize]byte, src []byte) {
	for i := 0; i < len(src) && i < BlockSize; i++ {
		dst[i] ^= src[i]
	}
}
