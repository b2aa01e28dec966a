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

package inference

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	provide "github.com/provideplatform/provide-go/common"
	"github.com/provideplatform/taskledger/common"
	"github.com/provideplatform/taskledger/retry"
	"github.com/provideplatform/taskledger/task"
)

const maxSummarizedTasks = 100

type taskParams struct {
	Title    string  `json:"title"`
	Deadline *string `json:"deadline"`
	Type     string  `json:"type"`
}

type suggestionParams struct {
	Tasks []*taskParams `json:"tasks"`
}

// InstallAPI registers the suggestion API handlers with gin
func InstallAPI(r *gin.Engine, client *Client, store task.Store, resolve task.AccountResolver) {
	r.POST("/api/v1/ai/quick-tip", quickTipHandler(client, store, resolve))
	r.POST("/api/v1/ai/suggest", suggestHandler(client, store, resolve))
	r.POST("/api/v1/ai/reminders", remindersHandler(client, store, resolve))
}

// summaries resolves the tasks given in the request body, falling back to the
// account's open tasks; a false return means a response was rendered
func summaries(c *gin.Context, store task.Store, resolve task.AccountResolver) ([]*TaskSummary, bool) {
	account := resolve(c)
	if account == "" {
		provide.RenderError("unauthorized", 401, c)
		return nil, false
	}

	params := &suggestionParams{}
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return nil, false
	}
	if len(buf) > 0 {
		if err := json.Unmarshal(buf, params); err != nil {
			provide.RenderError(err.Error(), 422, c)
			return nil, false
		}
	}

	tasks := make([]*TaskSummary, 0, len(params.Tasks))
	for _, p := range params.Tasks {
		summary := &TaskSummary{Title: p.Title, Type: p.Type}
		if p.Deadline != nil {
			deadline, err := task.ParseDeadline(*p.Deadline)
			if err != nil {
				provide.RenderError(err.Error(), 422, c)
				return nil, false
			}
			summary.Deadline = deadline
		}
		tasks = append(tasks, summary)
	}

	if len(tasks) == 0 && store != nil {
		open, err := store.List(account, 1, maxSummarizedTasks)
		if err != nil {
			task.RenderStoreError(err, c)
			return nil, false
		}
		for _, t := range open {
			if t.Completed {
				continue
			}
			tasks = append(tasks, &TaskSummary{Title: t.Title, Deadline: t.Deadline})
		}
	}

	return tasks, true
}

func renderGenerationError(err error, unavailable string, c *gin.Context) {
	common.Log.Warningf("text generation failed; %s", err.Error())

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		provide.Render(map[string]interface{}{
			"error":    unavailable,
			"attempts": exhausted.Attempts,
		}, 503, c)
		return
	}

	provide.RenderError(unavailable, 502, c)
}

func quickTipHandler(client *Client, store task.Store, resolve task.AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, ok := summaries(c, store, resolve)
		if !ok {
			return
		}

		if len(tasks) == 0 {
			provide.Render(map[string]interface{}{"tip": "Add tasks to get AI tips!"}, 200, c)
			return
		}

		generation, err := client.Generate(c.Request.Context(), TipPrompt(tasks, time.Now(), randomSeed()))
		if err != nil {
			renderGenerationError(err, "AI service temporarily unavailable", c)
			return
		}

		provide.Render(map[string]interface{}{
			"tip":      CleanTip(generation.Text),
			"attempts": generation.Attempts,
		}, 200, c)
	}
}

func suggestHandler(client *Client, store task.Store, resolve task.AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, ok := summaries(c, store, resolve)
		if !ok {
			return
		}

		if len(tasks) == 0 {
			provide.Render(map[string]interface{}{"analysis": "Add tasks for AI analysis."}, 200, c)
			return
		}

		generation, err := client.Generate(c.Request.Context(), AnalysisPrompt(tasks))
		if err != nil {
			renderGenerationError(err, "AI analysis temporarily unavailable", c)
			return
		}

		provide.Render(map[string]interface{}{
			"analysis": strings.TrimSpace(generation.Text),
			"attempts": generation.Attempts,
		}, 200, c)
	}
}

func remindersHandler(client *Client, store task.Store, resolve task.AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, ok := summaries(c, store, resolve)
		if !ok {
			return
		}

		if len(tasks) == 0 {
			provide.Render(map[string]interface{}{"reminders": "Add tasks for AI reminders."}, 200, c)
			return
		}

		prompt, due := RemindersPrompt(tasks, time.Now())
		if !due {
			provide.Render(map[string]interface{}{"reminders": prompt}, 200, c)
			return
		}

		generation, err := client.Generate(c.Request.Context(), prompt)
		if err != nil {
			renderGenerationError(err, "AI reminders temporarily unavailable", c)
			return
		}

		provide.Render(map[string]interface{}{
			"reminders": strings.TrimSpace(generation.Text),
			"attempts":  generation.Attempts,
		}, 200, c)
	}
}
