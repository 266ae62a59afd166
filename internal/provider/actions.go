// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

// =============================================================================
// FILE ACTIONS
// =============================================================================

// FileAction is a structured file-edit proposal extracted from a final
// answer. Applying actions to disk is the caller's concern.
type FileAction struct {
	// Type is one of "create", "update", "delete", "rename"
	Type string `json:"type"`
	// Path is the target file path
	Path string `json:"path"`
	// NewPath is the destination for rename actions
	NewPath string `json:"new_path,omitempty"`
	// Content is the full file body for create/update actions
	Content string `json:"content,omitempty"`
}

type actionEnvelope struct {
	Action      string       `json:"action"`
	Explanation string       `json:"explanation"`
	Suggestions []string     `json:"suggestions"`
	Operations  []FileAction `json:"operations"`
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ExtractActions scans a final answer for a fenced JSON action envelope and
// returns any file operations and follow-up suggestions it carries. Text
// without a parseable envelope is plain prose: nil results, never an error.
func ExtractActions(finalText string) (actions []FileAction, suggestions []string) {
	for _, m := range fencedJSON.FindAllStringSubmatch(finalText, -1) {
		var env actionEnvelope
		if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
			continue
		}
		if env.Action != "file_operation" && len(env.Operations) == 0 {
			continue
		}
		for _, op := range env.Operations {
			if op.Type == "" || op.Path == "" {
				continue
			}
			actions = append(actions, op)
		}
		suggestions = append(suggestions, env.Suggestions...)
	}
	return actions, suggestions
}

// ComposeFinalText joins answer and reasoning text the way the calling layer
// displays them: the answer first, then a labeled thinking section.
func ComposeFinalText(answer, thinking string) string {
	answer = strings.TrimSpace(answer)
	thinking = strings.TrimSpace(thinking)
	if thinking == "" {
		return answer
	}
	if answer == "" {
		return "[Thinking]\n" + thinking
	}
	return answer + "\n\n[Thinking]\n" + thinking
}
