// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import "strings"

// =============================================================================
// SYSTEM PROMPT
// =============================================================================

// SystemPrompt returns the content of the system message that opens a new
// conversation. When tools are advertised the prompt teaches the two JSON
// envelopes the response parsers recognize (tool_call and file_operation);
// otherwise it is a plain assistant prompt.
func SystemPrompt(toolNames []string) string {
	var b strings.Builder
	b.WriteString("You are a coding assistant working inside a project workspace. ")
	b.WriteString("Answer directly, keep explanations close to the code, and think step by step internally but output only the final answer.")
	if len(toolNames) == 0 {
		return b.String()
	}

	b.WriteString("\n\nYou can call these tools: ")
	b.WriteString(strings.Join(toolNames, ", "))
	b.WriteString(".\nTo call tools, reply with nothing but a fenced JSON block:\n")
	b.WriteString("```json\n{\"action\": \"tool_call\", \"tool_calls\": [{\"name\": \"readFile\", \"args\": {\"path\": \"main.go\"}}]}\n```\n")
	b.WriteString("then wait for the tool results before answering.")

	b.WriteString("\n\nTo propose file changes, include a fenced JSON block:\n")
	b.WriteString("```json\n{\"action\": \"file_operation\", \"operations\": [{\"type\": \"create\", \"path\": \"index.html\", \"content\": \"...\"}], \"suggestions\": [\"...\"]}\n```\n")
	b.WriteString("Operation types are create, update, delete, and rename; rename takes new_path, delete needs only path.")
	return b.String()
}
