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
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/providenetwork/merkletree"
	"github.com/provideplatform/taskledger/fingerprint"
	"golang.org/x/crypto/sha3"
)

// leaves are domain-separated from interior nodes
const leafPrefix = 0x00

func keccak256() hash.Hash {
	return sha3.NewLegacyKeccak256()
}

// accountTree is the dense merkle tree over the confirmed fingerprints of one account
type accountTree struct {
	tree   *merkletree.MerkleTree
	values []merkletree.Content
	index  map[fingerprint.Fingerprint]struct{}
}

func newAccountTree(fps []fingerprint.Fingerprint) (*accountTree, error) {
	t := &accountTree{
		values: make([]merkletree.Content, 0, len(fps)),
		index:  map[fingerprint.Fingerprint]struct{}{},
	}

	for _, fp := range fps {
		if _, ok := t.index[fp]; ok {
			continue
		}
		t.index[fp] = struct{}{}
		t.values = append(t.values, newLeafContent(fp, keccak256))
	}

	if len(t.values) == 0 {
		return t, nil
	}

	tree, err := merkletree.NewTreeWithHashStrategy(t.values, keccak256)
	if err != nil {
		return nil, fmt.Errorf("failed to build journal tree; %s", err.Error())
	}

	valid, err := tree.VerifyTree()
	if err != nil {
		return nil, fmt.Errorf("failed to verify journal tree; %s", err.Error())
	}
	if !valid {
		return nil, fmt.Errorf("failed to verify journal tree of %d entries", len(t.values))
	}

	t.tree = tree
	return t, nil
}

func (t *accountTree) contains(fp fingerprint.Fingerprint) bool {
	_, ok := t.index[fp]
	return ok
}

// insert appends the fingerprint and rebuilds the tree; it is a no-op for a journaled fingerprint
func (t *accountTree) insert(fp fingerprint.Fingerprint) (bool, error) {
	if t.contains(fp) {
		return false, nil
	}

	values := append(t.values, newLeafContent(fp, keccak256))

	if t.tree == nil {
		tree, err := merkletree.NewTreeWithHashStrategy(values, keccak256)
		if err != nil {
			return false, fmt.Errorf("failed to build journal tree; %s", err.Error())
		}
		t.tree = tree
	} else if err := t.tree.RebuildTreeWith(values); err != nil {
		return false, fmt.Errorf("failed to rebuild journal tree; %s", err.Error())
	}

	t.values = values
	t.index[fp] = struct{}{}
	return true, nil
}

// verify proves inclusion of fp against the current root
func (t *accountTree) verify(fp fingerprint.Fingerprint) (bool, error) {
	if t.tree == nil || !t.contains(fp) {
		return false, nil
	}
	return t.tree.VerifyContent(newLeafContent(fp, keccak256))
}

func (t *accountTree) root() string {
	if t.tree == nil {
		return ""
	}
	return "0x" + hex.EncodeToString(t.tree.MerkleRoot())
}

func (t *accountTree) size() int {
	return len(t.values)
}
