// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package pdfraster

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 4096
	kdfKeyLen     = 32
)

// Signer computes the signature of an image stream for one encryption
// profile. The key is derived once from the profile's password and salt.
type Signer struct {
	profile string
	key     []byte
}

// NewSigner derives the signing key. It returns nil for an empty password.
func NewSigner(profile, salt, password string) *Signer {
	if password == "" {
		return nil
	}
	return &Signer{
		profile: profile,
		key:     pbkdf2.Key([]byte(password), []byte(salt), kdfIterations, kdfKeyLen, sha256.New),
	}
}

func (s *Signer) Profile() string { return s.profile }

func (s *Signer) Sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (s *Signer) Verify(data, sig []byte) bool {
	return hmac.Equal(s.Sign(data), sig)
}
