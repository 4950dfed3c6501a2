package core

import "fmt"

// ShortURLPrefix is the stable namespace for the short identifiers minted
// during a run. Matching the grounding redirect host keeps intermediate
// texts readable next to raw provider output.
const ShortURLPrefix = "https://vertexaisearch.cloud.google.com/id/"

// ResolveURLs assigns a short, collision-free identifier to each distinct
// chunk URI. The first occurrence of a URI wins; duplicates map to the id
// minted at first sight. Ids are "{prefix}{taskID}-{idx}" where idx is the
// zero-based first-seen position, so uniqueness across the run only holds
// when the caller keeps task ids unique.
func ResolveURLs(chunks []GroundingChunk, taskID int) map[string]string {
	resolved := make(map[string]string, len(chunks))
	for idx, chunk := range chunks {
		if chunk.URI == "" {
			continue
		}
		if _, seen := resolved[chunk.URI]; seen {
			continue
		}
		resolved[chunk.URI] = fmt.Sprintf("%s%d-%d", ShortURLPrefix, taskID, idx)
	}
	return resolved
}
