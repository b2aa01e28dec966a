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
	"github.com/gin-gonic/gin"
	provide "github.com/provideplatform/provide-go/common"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
)

// InstallAPI registers the journal API handlers with gin
func InstallAPI(r *gin.Engine, journal *Journal) {
	r.GET("/api/v1/journal/:account", journalDetailsHandler(journal))
}

// journal root and size, optionally proving inclusion of ?fingerprint=
func journalDetailsHandler(journal *Journal) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := common.NormalizeAddress(c.Param("account"))
		if account == "" {
			provide.RenderError("account required", 400, c)
			return
		}

		summary, err := journal.Summary(account)
		if err != nil {
			common.Log.Warningf("failed to resolve journal of %s; %s", account, err.Error())
			provide.RenderError(err.Error(), 500, c)
			return
		}

		if c.Query("fingerprint") != "" {
			fp, err := fingerprint.Parse(c.Query("fingerprint"))
			if err != nil {
				provide.RenderError(err.Error(), 422, c)
				return
			}

			contains, err := journal.Contains(account, fp)
			if err != nil {
				provide.RenderError(err.Error(), 500, c)
				return
			}
			summary.Contains = &contains
		}

		provide.Render(summary, 200, c)
	}
}
