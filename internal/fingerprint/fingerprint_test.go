package fingerprint

import (
	"testing"

	"github.com/starford/kenaz/internal/pkmtypes"
)

func TestOfDeterministic(t *testing.T) {
	op := pkmtypes.Operation{
		Kind:    pkmtypes.OpInsertBlock,
		GraphID: "g1",
		Block: &pkmtypes.BlockArgs{
			ID:      "b1",
			Content: "hello",
			Page:    "Notes",
			Properties: map[string]any{
				"b": 2,
				"a": 1,
			},
		},
	}
	fp1 := Of(op)
	fp2 := Of(op)
	if fp1 != fp2 {
		t.Fatalf("fingerprint not deterministic: %s != %s", fp1, fp2)
	}
}

func TestOfIgnoresPropertyKeyOrder(t *testing.T) {
	op1 := pkmtypes.Operation{
		Kind:    pkmtypes.OpInsertPage,
		GraphID: "g1",
		Page: &pkmtypes.PageArgs{
			Name:       "Alpha",
			Properties: map[string]any{"x": 1, "y": 2},
		},
	}
	op2 := pkmtypes.Operation{
		Kind:    pkmtypes.OpInsertPage,
		GraphID: "g1",
		Page: &pkmtypes.PageArgs{
			Name:       "alpha",
			Properties: map[string]any{"y": 2, "x": 1},
		},
	}
	if Of(op1) != Of(op2) {
		t.Fatalf("expected fingerprints to match regardless of property order and page case")
	}
}

func TestOfDistinguishesContent(t *testing.T) {
	op1 := pkmtypes.Operation{
		Kind:    pkmtypes.OpInsertBlock,
		GraphID: "g1",
		Block:   &pkmtypes.BlockArgs{ID: "b1", Content: "hello"},
	}
	op2 := pkmtypes.Operation{
		Kind:    pkmtypes.OpInsertBlock,
		GraphID: "g1",
		Block:   &pkmtypes.BlockArgs{ID: "b1", Content: "goodbye"},
	}
	if Of(op1) == Of(op2) {
		t.Fatalf("expected different content to fingerprint differently")
	}
}
