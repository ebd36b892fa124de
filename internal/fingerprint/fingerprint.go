// Package fingerprint computes stable content fingerprints of operation
// descriptors for deduplication and acknowledgment correlation.
package fingerprint

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/starford/kenaz/internal/checksum"
	"github.com/starford/kenaz/internal/pkmtypes"
)

// Of returns a deterministic fingerprint of op. Normalization: page names
// are lower-cased, property-bag keys are sorted, and volatile fields
// (timestamps, correlation ids, transaction ids) are never part of op so
// they never enter the fingerprint.
func Of(op pkmtypes.Operation) string {
	canon := canonicalOperation{
		Kind:    string(op.Kind),
		GraphID: op.GraphID,
	}
	if op.Page != nil {
		canon.Page = &canonicalPage{
			Name:       strings.ToLower(op.Page.Name),
			Properties: canonicalProps(op.Page.Properties),
		}
	}
	if op.Block != nil {
		canon.Block = &canonicalBlock{
			ID:            op.Block.ID,
			Content:       op.Block.Content,
			Properties:    canonicalProps(op.Block.Properties),
			ParentID:      op.Block.ParentID,
			Page:          strings.ToLower(op.Block.Page),
			LeftSiblingID: op.Block.LeftSiblingID,
			Format:        op.Block.Format,
		}
	}

	data, err := json.Marshal(canon)
	if err != nil {
		// Marshaling a struct of strings/maps/slices cannot fail; if it
		// somehow did, fall back to a fingerprint of the kind alone so
		// callers never crash on a malformed operation.
		data = []byte(string(op.Kind))
	}
	return checksum.Sum(data)
}

type canonicalOperation struct {
	Kind    string          `json:"kind"`
	GraphID string          `json:"graph_id"`
	Page    *canonicalPage  `json:"page,omitempty"`
	Block   *canonicalBlock `json:"block,omitempty"`
}

type canonicalPage struct {
	Name       string `json:"name"`
	Properties []kv   `json:"properties,omitempty"`
}

type canonicalBlock struct {
	ID            string `json:"id"`
	Content       string `json:"content,omitempty"`
	Properties    []kv   `json:"properties,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	Page          string `json:"page,omitempty"`
	LeftSiblingID string `json:"left_sibling_id,omitempty"`
	Format        string `json:"format,omitempty"`
}

type kv struct {
	K string `json:"k"`
	V any    `json:"v"`
}

// canonicalProps turns a map into a key-sorted slice so that marshaling is
// deterministic (encoding/json already sorts map[string]any keys, but the
// explicit slice keeps the canonical form independent of that fact).
func canonicalProps(m map[string]any) []kv {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kv, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv{K: k, V: m[k]})
	}
	return out
}
