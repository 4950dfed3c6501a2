package core

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ExtractCitations converts raw grounding supports into citation records
// against the unmodified retrieval text. Supports without a segment or
// without an end offset are skipped entirely; the end offset is the
// insertion anchor and nothing can be placed without it. A missing start
// offset defaults to 0. A bad chunk reference drops only that source, so
// partial evidence survives.
func ExtractCitations(metadata GroundingMetadata, urlMap map[string]string) []Citation {
	if len(metadata.Supports) == 0 {
		return nil
	}
	citations := make([]Citation, 0, len(metadata.Supports))
	for _, support := range metadata.Supports {
		if support.Segment == nil || !support.Segment.EndSet {
			continue
		}
		citation := Citation{
			Start: support.Segment.Start,
			End:   support.Segment.End,
		}
		for _, chunkIdx := range support.ChunkIndices {
			source, err := sourceFromChunk(metadata.Chunks, chunkIdx, urlMap)
			if err != nil {
				continue
			}
			citation.Sources = append(citation.Sources, source)
		}
		citations = append(citations, citation)
	}
	return citations
}

func sourceFromChunk(chunks []GroundingChunk, idx int, urlMap map[string]string) (Source, error) {
	if idx < 0 || idx >= len(chunks) {
		return Source{}, &MalformedEvidenceError{Detail: fmt.Sprintf("chunk index %d out of range", idx)}
	}
	chunk := chunks[idx]
	if chunk.URI == "" {
		return Source{}, &MalformedEvidenceError{Detail: fmt.Sprintf("chunk %d has no uri", idx)}
	}
	shortID, ok := urlMap[chunk.URI]
	if !ok {
		return Source{}, &MalformedEvidenceError{Detail: fmt.Sprintf("chunk %d uri not resolved", idx)}
	}
	return Source{
		OriginalURL: chunk.URI,
		ShortID:     shortID,
		Label:       sourceLabel(chunk.Title, chunk.URI),
	}, nil
}

// sourceLabel derives a display label from a chunk title by stripping a
// trailing file-extension-like suffix ("Report.pdf" -> "Report"). Titles
// without a dot are used as-is, and empty titles fall back to the URI host.
func sourceLabel(title, uri string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		if u, err := url.Parse(uri); err == nil && u.Host != "" {
			return u.Host
		}
		return uri
	}
	if idx := strings.LastIndex(title, "."); idx > 0 {
		return title[:idx]
	}
	return title
}

// InsertCitationMarkers splices one marker per citation into text at the
// citation's end offset. Citations are processed in descending
// (end, start) order and every insertion happens at the original offset;
// all not-yet-processed citations sit at offsets <= the current one, so
// earlier insertions never shift them. Ascending order would corrupt every
// subsequent offset.
func InsertCitationMarkers(text string, citations []Citation) string {
	if len(citations) == 0 {
		return text
	}
	ordered := make([]Citation, len(citations))
	copy(ordered, citations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].End != ordered[j].End {
			return ordered[i].End > ordered[j].End
		}
		return ordered[i].Start > ordered[j].Start
	})

	runes := []rune(text)
	for _, citation := range ordered {
		at := citation.End
		if at < 0 {
			continue
		}
		if at > len(runes) {
			at = len(runes)
		}
		var marker strings.Builder
		for _, source := range citation.Sources {
			marker.WriteString(fmt.Sprintf(" [%s](%s)", source.Label, source.ShortID))
		}
		if marker.Len() == 0 {
			continue
		}
		out := make([]rune, 0, len(runes)+marker.Len())
		out = append(out, runes[:at]...)
		out = append(out, []rune(marker.String())...)
		out = append(out, runes[at:]...)
		runes = out
	}
	return string(runes)
}
