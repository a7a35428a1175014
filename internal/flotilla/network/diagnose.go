package network

import "bytes"

// ExcerptBudget bounds the rendered diagnostic per container so noisy logs
// do not dominate a failure report. The full bytes stay on the Outcome.
const ExcerptBudget = 10000

// errorMarker anchors excerpts: rendering starts at its first occurrence.
var errorMarker = []byte("Error:")

// Excerpt picks the diagnostic text for a failed container: stderr, falling
// back to stdout when stderr is empty. When the text contains the "Error:"
// marker the excerpt starts at its first occurrence and extends at most
// budget bytes; otherwise the trailing budget-sized window is kept.
func Excerpt(stderr, stdout []byte, budget int) string {
	src := stderr
	if len(src) == 0 {
		src = stdout
	}
	if len(src) == 0 {
		return ""
	}
	if i := bytes.Index(src, errorMarker); i >= 0 {
		src = src[i:]
		if len(src) > budget {
			src = src[:budget]
		}
		return string(src)
	}
	if len(src) > budget {
		src = src[len(src)-budget:]
	}
	return string(src)
}
