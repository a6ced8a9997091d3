// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package swapcrypt encrypts swapped pages with AES-XTS.
//
// Each key covers a run of adjacent slots; the slot number is the XTS tweak,
// so identical pages in different slots yield different ciphertext.
package swapcrypt

import (
	"crypto/aes"
	"fmt"
	"io"

	"golang.org/x/crypto/xts"
)

// KeySize is the size of a key in bytes: two AES-256 keys.
const KeySize = 64

// Key is one XTS key.
type Key struct {
	raw [KeySize]byte
	c   *xts.Cipher
}

// NewKey reads a fresh key from r.
func NewKey(r io.Reader) (*Key, error) {
	k := &Key{}
	if _, err := io.ReadFull(r, k.raw[:]); err != nil {
		return nil, fmt.Errorf("reading key material: %w", err)
	}
	c, err := xts.NewCipher(aes.NewCipher, k.raw[:])
	if err != nil {
		return nil, fmt.Errorf("creating XTS cipher: %w", err)
	}
	k.c = c
	return k, nil
}

// Encrypt encrypts src into dst using blk as the tweak. len(src) must be a
// multiple of the AES block size and dst at least as long. dst and src may be
// the same slice.
func (k *Key) Encrypt(dst, src []byte, blk uint64) {
	k.cipher().Encrypt(dst, src, blk)
}

// Decrypt reverses Encrypt.
func (k *Key) Decrypt(dst, src []byte, blk uint64) {
	k.cipher().Decrypt(dst, src, blk)
}

// Destroy clears the key material. The key must not be used afterwards.
func (k *Key) Destroy() {
	clear(k.raw[:])
	k.c = nil
}

func (k *Key) cipher() *xts.Cipher {
	if k.c == nil {
		panic("use of destroyed swap key")
	}
	return k.c
}
