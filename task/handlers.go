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

package task

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	"github.com/provideplatform/taskledger/common"
)

const walletAddressContextKey = "wallet_address"
const walletAddressHeader = "X-Wallet-Address"

// AccountResolver resolves the account on whose behalf a request is made;
// an empty account is unauthorized
type AccountResolver func(c *gin.Context) string

// DefaultAccountResolver resolves the account set on the context by upstream
// auth middleware, falling back to the X-Wallet-Address header
func DefaultAccountResolver(c *gin.Context) string {
	if addr, ok := c.Get(walletAddressContextKey); ok {
		if str, strOk := addr.(string); strOk {
			return common.NormalizeAddress(str)
		}
	}
	return common.NormalizeAddress(c.GetHeader(walletAddressHeader))
}

type taskParams struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Deadline    *string `json:"deadline"`
	Priority    *int    `json:"priority"`
}

func (p *taskParams) edit() (*Edit, error) {
	edit := &Edit{
		Title:       p.Title,
		Description: p.Description,
		Priority:    p.Priority,
	}

	if p.Deadline != nil {
		deadline, err := ParseDeadline(*p.Deadline)
		if err != nil {
			return nil, err
		}
		if deadline == nil {
			edit.ClearDeadline = true
		} else {
			edit.Deadline = deadline
		}
	}

	return edit, nil
}

// InstallAPI registers the task API handlers with gin
func InstallAPI(r *gin.Engine, store Store, resolve AccountResolver) {
	r.GET("/api/v1/tasks", listTasksHandler(store, resolve))
	r.POST("/api/v1/tasks", createTaskHandler(store, resolve))
	r.GET("/api/v1/tasks/:id", taskDetailsHandler(store, resolve))
	r.PUT("/api/v1/tasks/:id", updateTaskHandler(store, resolve))
	r.DELETE("/api/v1/tasks/:id", deleteTaskHandler(store, resolve))
}

// RenderStoreError renders a store error using the matching status
func RenderStoreError(err error, c *gin.Context) {
	switch {
	case errors.Is(err, ErrNotFound):
		provide.RenderError(err.Error(), 404, c)
	case errors.Is(err, ErrContentFrozen), errors.Is(err, ErrContentChanged):
		provide.RenderError(err.Error(), 409, c)
	default:
		common.Log.Warningf("task store error; %s", err.Error())
		provide.RenderError(err.Error(), 500, c)
	}
}

// list tasks owned by the authorized account
func listTasksHandler(store Store, resolve AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := resolve(c)
		if account == "" {
			provide.RenderError("unauthorized", 401, c)
			return
		}

		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		rpp, _ := strconv.Atoi(c.DefaultQuery("rpp", strconv.Itoa(defaultPageSize)))

		tasks, err := store.List(account, page, rpp)
		if err != nil {
			RenderStoreError(err, c)
			return
		}

		provide.Render(tasks, 200, c)
	}
}

// create a task for the authorized account
func createTaskHandler(store Store, resolve AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := resolve(c)
		if account == "" {
			provide.RenderError("unauthorized", 401, c)
			return
		}

		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		params := &taskParams{}
		err = json.Unmarshal(buf, params)
		if err != nil {
			provide.RenderError(err.Error(), 422, c)
			return
		}

		edit, err := params.edit()
		if err != nil {
			provide.RenderError(err.Error(), 422, c)
			return
		}

		t := &Task{WalletAddress: account}
		t.ApplyEdit(edit)

		if !t.Validate() {
			obj := map[string]interface{}{}
			obj["errors"] = t.Errors
			provide.Render(obj, 422, c)
			return
		}

		err = store.Create(t)
		if err != nil {
			RenderStoreError(err, c)
			return
		}

		provide.Render(t, 201, c)
	}
}

// fetch task details
func taskDetailsHandler(store Store, resolve AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := resolve(c)
		if account == "" {
			provide.RenderError("unauthorized", 401, c)
			return
		}

		taskID, err := uuid.FromString(c.Param("id"))
		if err != nil {
			provide.RenderError("bad request", 400, c)
			return
		}

		t, err := store.Find(account, taskID)
		if err != nil {
			RenderStoreError(err, c)
			return
		}

		provide.Render(t, 200, c)
	}
}

// update task content or priority; content is immutable once completion was attempted
func updateTaskHandler(store Store, resolve AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := resolve(c)
		if account == "" {
			provide.RenderError("unauthorized", 401, c)
			return
		}

		taskID, err := uuid.FromString(c.Param("id"))
		if err != nil {
			provide.RenderError("bad request", 400, c)
			return
		}

		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		params := &taskParams{}
		err = json.Unmarshal(buf, params)
		if err != nil {
			provide.RenderError(err.Error(), 422, c)
			return
		}

		edit, err := params.edit()
		if err != nil {
			provide.RenderError(err.Error(), 422, c)
			return
		}

		t, err := store.Find(account, taskID)
		if err != nil {
			RenderStoreError(err, c)
			return
		}

		err = t.ApplyEdit(edit)
		if err != nil {
			RenderStoreError(err, c)
			return
		}

		if !t.Validate() {
			obj := map[string]interface{}{}
			obj["errors"] = t.Errors
			provide.Render(obj, 422, c)
			return
		}

		err = store.Update(t)
		if err != nil {
			RenderStoreError(err, c)
			return
		}

		provide.Render(t, 200, c)
	}
}

// delete a task
func deleteTaskHandler(store Store, resolve AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := resolve(c)
		if account == "" {
			provide.RenderError("unauthorized", 401, c)
			return
		}

		taskID, err := uuid.FromString(c.Param("id"))
		if err != nil {
			provide.RenderError("bad request", 400, c)
			return
		}

		err = store.Delete(account, taskID)
		if err != nil {
			RenderStoreError(err, c)
			return
		}

		provide.Render(nil, 204, c)
	}
}
