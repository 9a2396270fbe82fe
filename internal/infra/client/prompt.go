package client

import (
	"fmt"
	"strconv"
	"strings"
)

// Multi-part prompt wire convention. Each fragment is tagged
// "REQUEST_n:" and the model is instructed to answer each with
// "REQUEST_n_RESPONSE:". The parser splits the combined answer back into
// per-request segments by those markers, in input order.

const countPrompt = "Count people in this image. Respond with only a number, nothing else."

// buildMultiPrompt concatenates fragments into one multi-part prompt.
func buildMultiPrompt(fragments []string) string {
	var b strings.Builder
	for i, f := range fragments {
		fmt.Fprintf(&b, "REQUEST_%d: %s\n\nPlease respond with: REQUEST_%d_RESPONSE: [your answer]\n\n", i+1, f, i+1)
	}
	return b.String()
}

// splitMultiResponse extracts the n per-request segments from a combined
// response. When a marker is missing, the remaining text is split into
// equal chunks so every request still gets an answer.
func splitMultiResponse(full string, n int) []string {
	segments := make([]string, n)
	allFound := true

	for i := 0; i < n; i++ {
		marker := fmt.Sprintf("REQUEST_%d_RESPONSE:", i+1)
		start := strings.Index(full, marker)
		if start < 0 {
			allFound = false
			continue
		}
		start += len(marker)
		end := len(full)
		if next := strings.Index(full[start:], fmt.Sprintf("REQUEST_%d_RESPONSE:", i+2)); next >= 0 {
			end = start + next
		}
		segments[i] = strings.TrimSpace(full[start:end])
	}

	if allFound {
		return segments
	}

	// Degraded split: divide the full text evenly for any unmarked segment.
	chunk := len(full) / n
	for i := range segments {
		if segments[i] != "" {
			continue
		}
		start := i * chunk
		end := start + chunk
		if i == n-1 {
			end = len(full)
		}
		segments[i] = strings.TrimSpace(full[start:end])
	}
	return segments
}

// parsePeopleCount extracts the first integer from a model answer.
func parsePeopleCount(text string) (int, bool) {
	start := -1
	for i, r := range text {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(text[start:i])
			return n, err == nil
		}
	}
	if start >= 0 {
		n, err := strconv.Atoi(text[start:])
		return n, err == nil
	}
	return 0, false
}
