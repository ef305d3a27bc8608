package ollama

import (
	"fmt"
	"strings"
)

const maxQuerySnippet = 2000

func buildIntentPrompt(query string, knownSources []string) string {
	snippet := query
	if len(snippet) > maxQuerySnippet {
		snippet = snippet[:maxQuerySnippet]
	}

	return fmt.Sprintf(`You route questions to retrieval sources.
Return a strict JSON object with keys:
intent (one of DOCS_LOOKUP, GITHUB_STATUS, SYNTHESIS, UNKNOWN),
sources (non-empty array, subset of: %s),
retrieval_mode (one of semantic, lexical, hybrid, metadata_only),
extracted_entities (object of string values, e.g. issue_number, repo, function_name),
confidence (number from 0 to 1).
No markdown, no extra keys.

Question:
%s`, strings.Join(knownSources, ", "), snippet)
}
