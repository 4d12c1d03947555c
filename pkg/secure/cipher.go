/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secure

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a frame fails authentication.
var ErrDecrypt = errors.New("message authentication failed")

// Cipher seals and opens messages of one direction pair. Nonces are
// message counters, so frames must be opened in the order they were
// sealed.
type Cipher struct {
	send, recv cipher.AEAD
	sendMu     sync.Mutex
	sendSeq    uint64
	recvMu     sync.Mutex
	recvSeq    uint64
}

// NewCipher derives a cipher from a shared secret. Both sides must use the
// same salt and info, and opposite values of initiator.
func NewCipher(shared, salt []byte, info string, initiator bool) (*Cipher, error) {
	kdf := hkdf.New(sha256.New, shared, salt, []byte(info))
	var k1, k2 [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(kdf, k1[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	if _, err := io.ReadFull(kdf, k2[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	if !initiator {
		k1, k2 = k2, k1
	}
	send, err := chacha20poly1305.New(k1[:])
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(k2[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{send: send, recv: recv}, nil
}

func counterNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Seal encrypts the next outgoing message.
func (c *Cipher) Seal(plaintext []byte) []byte {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	out := c.send.Seal(nil, counterNonce(c.sendSeq), plaintext, nil)
	c.sendSeq++
	return out
}

// Open decrypts the next incoming message.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	out, err := c.recv.Open(nil, counterNonce(c.recvSeq), ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	c.recvSeq++
	return out, nil
}
