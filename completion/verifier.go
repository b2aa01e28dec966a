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

package completion

import (
	"context"
	"fmt"

	"github.com/provideplatform/taskledger/fingerprint"
	"github.com/provideplatform/taskledger/ledger"
)

// Verifier compares off-chain completion claims with the ledger. It never
// mutates either side.
type Verifier struct {
	ledger ledger.Client
}

// NewVerifier returns a verifier reading from the given ledger client
func NewVerifier(client ledger.Client) *Verifier {
	return &Verifier{
		ledger: client,
	}
}

// Verify reports whether the ledger agrees with the claimed completion of fp by account
func (v *Verifier) Verify(ctx context.Context, account string, fp fingerprint.Fingerprint, claimedComplete bool) (*Verification, error) {
	onLedger, err := v.ledger.QueryCompletion(ctx, account, fp)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger completion of %s; %w", fp, err)
	}

	return &Verification{
		Account:            account,
		Fingerprint:        fp.String(),
		ClaimedComplete:    claimedComplete,
		LedgerSaysComplete: onLedger,
		MatchesLedger:      claimedComplete == onLedger,
	}, nil
}

// VerifyContent derives the fingerprint of the given content and reports
// whether account completed it on the ledger
func (v *Verifier) VerifyContent(ctx context.Context, account string, content fingerprint.Content) (*Verification, error) {
	fp, err := fingerprint.DeriveContent(content)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, account, fp, true)
}
