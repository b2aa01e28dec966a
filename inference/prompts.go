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
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

const dueDateLayout = "01/02/2006"
const reminderWindow = time.Hour * 24 * 2

// NoRemindersDue is returned instead of a prompt when no task is overdue or due soon
const NoRemindersDue = "No tasks are overdue or due within the next 2 days."

var tipPrefix = regexp.MustCompile(`(?i)^(tip:|hint:|note:)`)

// TaskSummary is the part of a task presented to the model
type TaskSummary struct {
	Title    string     `json:"title"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Type     string     `json:"type,omitempty"`
}

func daysUntil(deadline time.Time, now time.Time) int {
	return int(math.Ceil(deadline.Sub(now).Hours() / 24))
}

// TipPrompt asks for one motivational tip; the seed varies the output between calls
func TipPrompt(tasks []*TaskSummary, now time.Time, seed int) string {
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.Deadline == nil {
			lines = append(lines, fmt.Sprintf("- %s (no deadline)", t.Title))
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (due in %d days)", t.Title, daysUntil(*t.Deadline, now)))
	}

	return fmt.Sprintf(`You are a creative productivity coach. Based on the following tasks:
%s
Generate one unique, concise, and actionable motivational tip that is original, in exactly one sentence. Do not include any extra text or the random seed in your answer. (Random seed for internal reference: %d)`, strings.Join(lines, "\n"), seed)
}

// AnalysisPrompt asks for one prioritized recommendation per task
func AnalysisPrompt(tasks []*TaskSummary) string {
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		due := "none"
		if t.Deadline != nil {
			due = t.Deadline.Format(dueDateLayout)
		}
		kind := t.Type
		if kind == "" {
			kind = "general"
		}
		lines = append(lines, fmt.Sprintf("%s (Due: %s, Type: %s)", t.Title, due, kind))
	}

	return fmt.Sprintf(`You are a task management expert. For each task listed below, output exactly one bullet point formatted exactly as follows and nothing else:

Example:
• Finish Report - Due: 02/27/2025; Priority: High; Recommendation: Complete the final revisions immediately.

Now, for the tasks provided, output one bullet per task in the same format:
• [Task Title] - Due: [Due Date]; Priority: [High/Medium/Low/Overdue]; Recommendation: [One actionable recommendation].

Do not include any additional text or labels.

Tasks:
%s`, strings.Join(lines, "\n"))
}

// RemindersPrompt asks for reminders of the tasks overdue or due within two days;
// ok is false when there is nothing to remind about
func RemindersPrompt(tasks []*TaskSummary, now time.Time) (prompt string, ok bool) {
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.Deadline == nil || t.Deadline.Sub(now) > reminderWindow {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (Due: %s)", t.Title, t.Deadline.Format(dueDateLayout)))
	}

	if len(lines) == 0 {
		return NoRemindersDue, false
	}

	return fmt.Sprintf(`You are a smart reminder assistant. Based on the following tasks:
%s
Generate clear, actionable, and distinct reminders for each task. Each reminder should be a short sentence that includes the task title and emphasizes the urgency. Format your answer as bullet points.`, strings.Join(lines, "\n")), true
}

// CleanTip reduces generated text to a single tip sentence
func CleanTip(text string) string {
	tip := strings.SplitN(text, "\n", 2)[0]
	tip = strings.TrimPrefix(tip, `"`)
	tip = strings.TrimPrefix(tip, `'`)
	tip = strings.TrimSuffix(tip, `"`)
	tip = strings.TrimSuffix(tip, `'`)
	tip = tipPrefix.ReplaceAllString(tip, "")
	return strings.TrimSpace(tip)
}

func randomSeed() int {
	return rand.Intn(10000)
}
