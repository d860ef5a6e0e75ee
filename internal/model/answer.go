// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// =============================================================================
// ANSWER / CITATION SPLIT
// =============================================================================

const (
	answerMarker    = `"answer":`
	citationsMarker = `"citations":`

	// markdownBreak is a Markdown hard line break.
	markdownBreak = "  \n"
)

// ExtractAnswerAndCitations splits a backend reply into answer text and a
// raw citations string.
//
// A well-formed {"answer": ..., "citations": ...} document is decoded
// directly. Anything else goes through the marker scan: with no "answer":
// marker the whole input is the answer and citations are empty. The returned
// citations string always starts with "citations": when non-empty.
func ExtractAnswerAndCitations(blob string) (answer string, citations string) {
	if a, c, ok := decodeAnswerDocument(blob); ok {
		return a, c
	}
	return scanAnswerMarkers(blob)
}

// decodeAnswerDocument handles the structured form of the reply.
func decodeAnswerDocument(blob string) (string, string, bool) {
	trimmed := strings.TrimSpace(blob)
	if !strings.HasPrefix(trimmed, "{") {
		return "", "", false
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return "", "", false
	}
	rawAnswer, ok := doc["answer"]
	if !ok {
		return "", "", false
	}

	var answer string
	if err := json.Unmarshal(rawAnswer, &answer); err != nil {
		// Non-string answers are kept verbatim.
		answer = string(bytes.TrimSpace(rawAnswer))
	}
	answer = strings.ReplaceAll(strings.TrimSpace(answer), "\n", markdownBreak)

	var citations string
	if rawCitations, ok := doc["citations"]; ok {
		citations = citationsMarker + string(bytes.TrimSpace(rawCitations))
	}
	return answer, citations, true
}

// scanAnswerMarkers is the plain-text fallback for replies that are not valid
// JSON, such as a partially streamed document.
func scanAnswerMarkers(blob string) (string, string) {
	answerIdx := strings.Index(blob, answerMarker)
	if answerIdx < 0 {
		return blob, ""
	}
	start := answerIdx + len(answerMarker)

	var text, citations string
	if rel := strings.Index(blob[start:], citationsMarker); rel >= 0 {
		text = blob[start : start+rel]
		citations = blob[start+rel:]
	} else {
		text = blob[start:]
		if idx := strings.Index(blob[:answerIdx], citationsMarker); idx >= 0 {
			citations = strings.TrimRight(strings.TrimSpace(blob[idx:answerIdx]), ",")
		}
	}

	return cleanAnswer(text), citations
}

// cleanAnswer trims whitespace, strips the quote/comma run at each end and
// turns escaped newlines into Markdown line breaks.
func cleanAnswer(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimLeft(text, `",`)
	text = strings.TrimRight(text, `",`)
	return strings.ReplaceAll(text, `\n`, markdownBreak)
}
