/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/sha3"
)

// Domain tags the fingerprint encoding; any change to the encoding below
// requires a new domain so previously recorded fingerprints stay reproducible
const Domain = "taskledger/fingerprint/v1"

// DeadlineLayout is the frozen textual form of a deadline within the encoding
const DeadlineLayout = "2006-01-02T15:04:05Z"

// Size is the byte length of a fingerprint; it matches the ledger's bytes32 key
const Size = 32

// ErrInvalidInput is returned when task content cannot be fingerprinted
var ErrInvalidInput = errors.New("invalid fingerprint input")

// Fingerprint is the content-derived identifier of a task used as the ledger lookup key
type Fingerprint [Size]byte

// Content is the snapshot of task content fed into Derive
type Content struct {
	Title       string
	Description string
	Deadline    *time.Time
}

// Derive computes the fingerprint of the given task content.
//
// The encoding is keccak256(domain || 0x00 || len(title) || title || len(description) || description || len(deadline) || deadline)
// where each length is a big-endian uint64; the length prefixes rule out
// field-boundary collisions such as ("ab","c") and ("a","bc").
func Derive(title, description string, deadline *time.Time) (Fingerprint, error) {
	var fp Fingerprint

	fields := []string{title, description, formatDeadline(deadline)}
	for _, field := range fields {
		if !utf8.ValidString(field) {
			return fp, fmt.Errorf("%w; field contains invalid utf-8", ErrInvalidInput)
		}
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(Domain))
	h.Write([]byte{0x00})

	var prefix [8]byte
	for _, field := range fields {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(field)))
		h.Write(prefix[:])
		h.Write([]byte(field))
	}

	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// DeriveContent is Derive over a Content snapshot
func DeriveContent(c Content) (Fingerprint, error) {
	return Derive(c.Title, c.Description, c.Deadline)
}

// MustDerive is like Derive but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDerive(title, description string, deadline *time.Time) Fingerprint {
	fp, err := Derive(title, description, deadline)
	if err != nil {
		panic(err)
	}
	return fp
}

// Parse decodes a 0x-prefixed (or bare) 32-byte hex fingerprint
func Parse(str string) (Fingerprint, error) {
	var fp Fingerprint

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(str), "0x"))
	if err != nil {
		return fp, fmt.Errorf("%w; %s", ErrInvalidInput, err.Error())
	}

	if len(raw) != Size {
		return fp, fmt.Errorf("%w; expected %d bytes, got %d", ErrInvalidInput, Size, len(raw))
	}

	copy(fp[:], raw)
	return fp, nil
}

// String returns the 0x-prefixed hex form of the fingerprint
func (fp Fingerprint) String() string {
	return "0x" + hex.EncodeToString(fp[:])
}

// IsZero returns true if the fingerprint was never derived
func (fp Fingerprint) IsZero() bool {
	return fp == Fingerprint{}
}

func formatDeadline(deadline *time.Time) string {
	if deadline == nil || deadline.IsZero() {
		return ""
	}
	return deadline.UTC().Format(DeadlineLayout)
}
