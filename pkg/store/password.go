// Copyright 2025 Kadir Pekel
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

package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Password hashes are tagged with the algorithm that produced them, so a
// bcrypt hash and a legacy sha256 hash can coexist on disk during
// migration. New accounts never get a bare sha256 hash (§9 upgrade note):
// bcrypt is the only algorithm HashPassword produces.
const (
	bcryptPrefix = "bcrypt$"
	sha256Prefix = "sha256$"
)

// HashPassword produces a tagged bcrypt hash of the given password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return bcryptPrefix + string(hash), nil
}

// VerifyPassword checks a password against a tagged hash, whichever
// algorithm produced it.
func VerifyPassword(hash, password string) bool {
	switch {
	case strings.HasPrefix(hash, bcryptPrefix):
		stored := strings.TrimPrefix(hash, bcryptPrefix)
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	case strings.HasPrefix(hash, sha256Prefix):
		stored := strings.TrimPrefix(hash, sha256Prefix)
		return constantTimeSHA256Equal(stored, password)
	default:
		// Untagged hash: treat as the incumbent raw sha256 hex digest.
		return constantTimeSHA256Equal(hash, password)
	}
}

func constantTimeSHA256Equal(hexDigest, password string) bool {
	sum := sha256.Sum256([]byte(password))
	want, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	got := sum[:]
	if len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}
