package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Pre-compiled patterns for cleaning up model output
var (
	// Matches ```json\n{...}\n```, ```{...}```, ``` json{...}```, etc.
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// Greedy so nested structures are captured whole
	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex  = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// maxParseInput bounds how much model output is parsed
const maxParseInput = 1 << 20

// ParseResult is the outcome of a tolerant JSON parse
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	OriginalText string
}

// Parse decodes JSON from model output, tolerating the usual formatting
// quirks. Strategies, in order:
//  1. Direct JSON parse
//  2. Remove code fences and retry
//  3. Fix trailing commas, unquoted keys and comments, and retry
//  4. Extract the first JSON object or array from mixed content
func Parse[T any](text, context string) ParseResult[T] {
	if len(text) > maxParseInput {
		return failed[T](fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), maxParseInput), truncate(text, 1000), context)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return failed[T]("empty input", text, context)
	}

	candidates := []string{trimmed}
	withoutFences := removeCodeFences(trimmed)
	cleaned := cleanupJSON(withoutFences)
	candidates = append(candidates, withoutFences, cleaned)
	if extracted := extractJSON(cleaned); extracted != "" {
		candidates = append(candidates, extracted)
	}

	var firstErr error
	for _, candidate := range candidates {
		var result T
		err := json.Unmarshal([]byte(candidate), &result)
		if err == nil {
			return ParseResult[T]{Success: true, Data: result, OriginalText: text}
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return failed[T](fmt.Sprintf("all JSON parsing strategies failed: %v", firstErr), text, context)
}

// removeCodeFences strips markdown code fences from text
func removeCodeFences(text string) string {
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")
	if cleaned == text {
		cleaned = codeFenceAnyRegex.ReplaceAllString(text, "$1")
	}
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.Trim(cleaned, "`")
	}
	return strings.TrimSpace(cleaned)
}

// cleanupJSON fixes common formatting issues. Single quotes are left alone
// since they appear legitimately inside values.
func cleanupJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls a JSON object or array out of mixed content. The first
// JSON-like character decides which, so an array of objects is not cut
// down to its first element.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") {
		if match := arrayRegex.FindString(text); match != "" {
			return match
		}
	}
	if match := objectRegex.FindString(text); match != "" {
		return match
	}
	return arrayRegex.FindString(text)
}

func failed[T any](message, text, context string) ParseResult[T] {
	if context != "" {
		message = context + ": " + message
	}
	return ParseResult[T]{Error: message, OriginalText: text}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
