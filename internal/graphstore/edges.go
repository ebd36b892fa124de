package graphstore

import (
	"regexp"
	"sort"
	"strings"

	"github.com/starford/kenaz/internal/pkmtypes"
)

// These patterns are the Go reimplementation of the reference-extraction
// regexes from the note-taking front-end's import path: [[page]] wikilinks,
// ((block-id)) block references, and #tag hashtags.
var (
	pageRefRe  = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
	blockRefRe = regexp.MustCompile(`\(\(([a-zA-Z0-9-]+)\)\)`)
	tagRe      = regexp.MustCompile(`#([a-zA-Z0-9_-]+)`)
)

// recomputeDerivedEdgesLocked re-derives id's outgoing PageRef, BlockRef,
// Tag, and Property edges from its current content and property bag. It
// must never touch edges of unrelated nodes, and must never touch
// ParentChild / PageToBlock edges.
func (s *Store) recomputeDerivedEdgesLocked(id int64, properties map[string]any, content string) {
	s.clearDerivedEdgesLocked(id)

	for _, name := range extractPageRefs(content) {
		targetID, _ := s.ensurePageLocked(name)
		if targetID != 0 {
			s.upsertEdgeLocked(pkmtypes.EdgeKindPageRef, id, targetID)
		}
	}

	for _, blockID := range extractBlockRefs(content) {
		if targetID, ok := s.pkmToNode[blockID]; ok {
			s.upsertEdgeLocked(pkmtypes.EdgeKindBlockRef, id, targetID)
		}
		// A BlockRef whose target does not exist yet is simply not added;
		// this is the dangling case verify resolves later, not an error.
	}

	for _, tag := range extractTags(content) {
		targetID, _ := s.ensurePageLocked(tag)
		if targetID != 0 {
			s.upsertEdgeLocked(pkmtypes.EdgeKindTag, id, targetID)
		}
	}

	for _, key := range sortedKeys(properties) {
		targetID, _ := s.ensurePageLocked(key)
		if targetID != 0 {
			s.upsertEdgeLocked(pkmtypes.EdgeKindProperty, id, targetID)
		}
	}
}

func extractPageRefs(content string) []string {
	return dedupeMatches(pageRefRe, content)
}

func extractBlockRefs(content string) []string {
	return dedupeMatches(blockRefRe, content)
}

func extractTags(content string) []string {
	return dedupeMatches(tagRe, content)
}

func dedupeMatches(re *regexp.Regexp, content string) []string {
	matches := re.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		v := strings.TrimSpace(m[1])
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
