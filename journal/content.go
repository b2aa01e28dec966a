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

package journal

import (
	"bytes"
	"errors"
	"hash"

	"github.com/providenetwork/merkletree"
	"github.com/provideplatform/taskledger/fingerprint"
)

// leafContent is a journaled fingerprint and the hash strategy of the tree it belongs to
type leafContent struct {
	hashFunc func() hash.Hash
	value    []byte
}

func newLeafContent(fp fingerprint.Fingerprint, hashFunc func() hash.Hash) *leafContent {
	value := make([]byte, fingerprint.Size)
	copy(value, fp[:])
	return &leafContent{
		hashFunc: hashFunc,
		value:    value,
	}
}

// CalculateHash returns the leaf hash of the journaled fingerprint
func (lc *leafContent) CalculateHash() ([]byte, error) {
	if lc.hashFunc == nil {
		return nil, errors.New("journal leaf requires configured hash function")
	}
	h := lc.hashFunc()
	h.Write([]byte{leafPrefix})
	h.Write(lc.value)
	return h.Sum(nil), nil
}

// Equals returns true if the given content hashes to the same leaf
func (lc *leafContent) Equals(other merkletree.Content) (bool, error) {
	h0, err := lc.CalculateHash()
	if err != nil {
		return false, err
	}

	h1, err := other.CalculateHash()
	if err != nil {
		return false, err
	}

	return bytes.Equal(h0, h1), nil
}
