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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/fingerprint"
	"github.com/provideplatform/taskledger/ledger"
	"github.com/provideplatform/taskledger/task"
)

// InstallAPI registers the completion and verification API handlers with gin
func InstallAPI(r *gin.Engine, coordinator *Coordinator, resolve task.AccountResolver) {
	r.POST("/api/v1/tasks/:id/complete", completeTaskHandler(coordinator, resolve))
	r.POST("/api/v1/tasks/:id/reconcile", reconcileTaskHandler(coordinator, resolve))
	r.GET("/api/v1/tasks/:id/verify", verifyTaskHandler(coordinator))
	r.POST("/api/v1/verify", verifyHandler(coordinator))
}

type verifyParams struct {
	Account     *string `json:"account"`
	Fingerprint *string `json:"fingerprint"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Deadline    *string `json:"deadline"`
}

func resultStatusCode(result *Result) int {
	switch result.Status {
	case StatusConfirmed:
		return 200
	case StatusAmbiguous:
		return 202
	default:
		return 422
	}
}

func renderError(err error, c *gin.Context) {
	switch {
	case errors.Is(err, ErrAccountRequired):
		provide.RenderError("unauthorized", 401, c)
	case errors.Is(err, ErrNothingToReconcile), errors.Is(err, ErrStaleContent):
		provide.RenderError(err.Error(), 409, c)
	case errors.Is(err, fingerprint.ErrInvalidInput):
		provide.RenderError(err.Error(), 422, c)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		provide.RenderError(err.Error(), 504, c)
	case ledger.IsTransient(err):
		provide.RenderError(err.Error(), 503, c)
	default:
		task.RenderStoreError(err, c)
	}
}

func taskIDParam(c *gin.Context) (uuid.UUID, bool) {
	taskID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("invalid task id", 400, c)
		return uuid.Nil, false
	}
	return taskID, true
}

// complete the task on the ledger on behalf of the authorized account
func completeTaskHandler(coordinator *Coordinator, resolve task.AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := resolve(c)
		if account == "" {
			provide.RenderError("unauthorized", 401, c)
			return
		}

		taskID, ok := taskIDParam(c)
		if !ok {
			return
		}

		result, err := coordinator.CompleteTask(c.Request.Context(), taskID, account)
		if err != nil {
			renderError(err, c)
			return
		}

		provide.Render(result, resultStatusCode(result), c)
	}
}

// re-check the ledger for an ambiguous or divergent completion
func reconcileTaskHandler(coordinator *Coordinator, resolve task.AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := resolve(c)
		if account == "" {
			provide.RenderError("unauthorized", 401, c)
			return
		}

		taskID, ok := taskIDParam(c)
		if !ok {
			return
		}

		result, err := coordinator.ReconcileTask(c.Request.Context(), taskID, account)
		if err != nil {
			renderError(err, c)
			return
		}

		provide.Render(result, resultStatusCode(result), c)
	}
}

func verifyTaskHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID, ok := taskIDParam(c)
		if !ok {
			return
		}

		verification, err := coordinator.VerifyTask(c.Request.Context(), taskID)
		if err != nil {
			renderError(err, c)
			return
		}

		provide.Render(verification, 200, c)
	}
}

// verify an arbitrary fingerprint, or the fingerprint of arbitrary content, for an account
func verifyHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		params := &verifyParams{}
		err = json.Unmarshal(buf, params)
		if err != nil {
			provide.RenderError(err.Error(), 422, c)
			return
		}

		if params.Account == nil || common.NormalizeAddress(*params.Account) == "" {
			provide.RenderError("account required", 422, c)
			return
		}

		var verification *Verification
		if params.Fingerprint != nil {
			fp, err := fingerprint.Parse(*params.Fingerprint)
			if err != nil {
				provide.RenderError(fmt.Sprintf("invalid fingerprint; %s", err.Error()), 422, c)
				return
			}
			verification, err = coordinator.VerifyFingerprint(c.Request.Context(), *params.Account, fp)
			if err != nil {
				renderError(err, c)
				return
			}
		} else {
			if params.Title == nil {
				provide.RenderError("fingerprint or title required", 422, c)
				return
			}

			content := fingerprint.Content{Title: strings.TrimSpace(*params.Title)}
			if params.Description != nil {
				content.Description = strings.TrimSpace(*params.Description)
			}
			if params.Deadline != nil {
				deadline, err := task.ParseDeadline(*params.Deadline)
				if err != nil {
					provide.RenderError(err.Error(), 422, c)
					return
				}
				content.Deadline = deadline
			}

			verification, err = coordinator.VerifyContent(c.Request.Context(), *params.Account, content)
			if err != nil {
				renderError(err, c)
				return
			}
		}

		provide.Render(verification, 200, c)
	}
}
