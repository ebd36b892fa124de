package ingestapi

import (
	"fmt"
	"time"

	"github.com/starford/kenaz/internal/engine"
	"github.com/starford/kenaz/internal/pkmtypes"
)

// referenceDTO is the pre-extracted {type, name, id} reference triple the
// wire format allows a caller to attach to an item. It is informational
// only: the graph store always re-derives edges from content itself, so
// the value is accepted (for forward compatibility with the front-end's
// payload shape) and otherwise discarded.
type referenceDTO struct {
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

// itemDTO is the wire shape of one ingest_batch item.
type itemDTO struct {
	Kind          string         `json:"kind" validate:"required"`
	ID            string         `json:"id,omitempty"`
	Content       string         `json:"content,omitempty"`
	Page          string         `json:"page,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	LeftSiblingID string         `json:"left_sibling_id,omitempty"`
	Format        string         `json:"format,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	CreatedAt     any            `json:"created_at,omitempty"` // RFC3339 string or epoch number
	UpdatedAt     any            `json:"updated_at,omitempty"`
	References    []referenceDTO `json:"references,omitempty"`
}

// normalizeTimestamp accepts either an RFC3339 string or a numeric epoch
// (seconds), matching the two shapes the original importer tolerated.
func normalizeTimestamp(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		if t == "" {
			return "", nil
		}
		if _, err := time.Parse(time.RFC3339, t); err != nil {
			return "", fmt.Errorf("invalid timestamp %q: %w", t, err)
		}
		return t, nil
	case float64:
		return time.Unix(int64(t), 0).UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// toEngineItem converts the wire item into an engine.Item. Timestamps are
// normalized into the property bag rather than given dedicated engine
// fields, since the graph store treats them as opaque properties; the
// reference list is dropped entirely.
func (d itemDTO) toEngineItem() (engine.Item, error) {
	props := d.Properties
	createdAt, err := normalizeTimestamp(d.CreatedAt)
	if err != nil {
		return engine.Item{}, err
	}
	updatedAt, err := normalizeTimestamp(d.UpdatedAt)
	if err != nil {
		return engine.Item{}, err
	}
	if createdAt != "" || updatedAt != "" {
		if props == nil {
			props = make(map[string]any, 2)
		}
		if createdAt != "" {
			props["created_at"] = createdAt
		}
		if updatedAt != "" {
			props["updated_at"] = updatedAt
		}
	}

	var kind engine.ItemKind
	switch d.Kind {
	case "page":
		kind = engine.ItemPage
	case "block":
		kind = engine.ItemBlock
	default:
		return engine.Item{}, fmt.Errorf("unknown item kind %q", d.Kind)
	}

	return engine.Item{
		Kind:          kind,
		ID:            d.ID,
		Content:       d.Content,
		Page:          d.Page,
		ParentID:      d.ParentID,
		LeftSiblingID: d.LeftSiblingID,
		Format:        d.Format,
		Properties:    props,
	}, nil
}

// ingestRequest is the body of POST /api/graphs/{selector}/ingest.
// Origin defaults to "remote" (items already realized on the editor side,
// streamed back for indexing) unless the caller marks the batch "local".
type ingestRequest struct {
	Origin string    `json:"origin,omitempty"`
	Items  []itemDTO `json:"items" validate:"required"`
}

func (r ingestRequest) origin() engine.Origin {
	if r.Origin == "local" {
		return engine.OriginLocal
	}
	return engine.OriginRemote
}

type itemResultDTO struct {
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	SagaID    string `json:"saga_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ingestResponse struct {
	Items []itemResultDTO `json:"items"`
}

func toIngestResponse(res engine.BatchResult) ingestResponse {
	out := ingestResponse{Items: make([]itemResultDTO, len(res.Items))}
	for i, item := range res.Items {
		dto := itemResultDTO{ID: item.ID, Duplicate: item.Duplicate, Skipped: item.Skipped, SagaID: item.SagaID}
		if item.Err != nil {
			dto.Error = item.Err.Error()
		}
		out.Items[i] = dto
	}
	return out
}

// verifyRequest is the body of POST /api/graphs/{selector}/verify: the
// full set of page names and block ids the caller expects to still
// exist. Anything the store holds outside these sets is archived and
// removed.
type verifyRequest struct {
	Pages  []string `json:"pages"`
	Blocks []string `json:"blocks"`
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

type verifyResponse struct {
	ArchivedCount int `json:"archived_count"`
}

type syncStatusResponse struct {
	LastIncrementalSync string `json:"last_incremental_sync,omitempty"`
	LastFullSync        string `json:"last_full_sync,omitempty"`
	NodeCount           int    `json:"node_count"`
	EdgeCount           int    `json:"edge_count"`
}

func toSyncStatusResponse(s engine.SyncStatusResult) syncStatusResponse {
	return syncStatusResponse{
		LastIncrementalSync: s.LastIncrementalSync,
		LastFullSync:        s.LastFullSync,
		NodeCount:           s.NodeCount,
		EdgeCount:           s.EdgeCount,
	}
}

type touchSyncRequest struct {
	Kind string `json:"kind" validate:"required"`
}

type editorConfigValidateRequest struct {
	HasHiddenProperty bool `json:"has_hidden_property"`
	HasGraphID        bool `json:"has_graph_id"`
}

type editorConfigStatusResponse struct {
	Reconciled    bool `json:"reconciled"`
	HasHiddenProp bool `json:"has_hidden_property"`
	HasGraphID    bool `json:"has_graph_id"`
}

func toEditorConfigStatusResponse(s engine.EditorConfigStatus) editorConfigStatusResponse {
	return editorConfigStatusResponse{
		Reconciled:    s.Reconciled,
		HasHiddenProp: s.HasHiddenProp,
		HasGraphID:    s.HasGraphID,
	}
}

type graphRecordDTO struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name,omitempty"`
	Path                   string    `json:"path,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	LastAccessedAt         time.Time `json:"last_accessed_at"`
	EditorConfigReconciled bool      `json:"editor_config_reconciled"`
}

func toGraphRecordDTO(g pkmtypes.GraphRecord) graphRecordDTO {
	return graphRecordDTO{
		ID:                     g.ID,
		Name:                   g.Name,
		Path:                   g.Path,
		CreatedAt:              g.CreatedAt,
		LastAccessedAt:         g.LastAccessedAt,
		EditorConfigReconciled: g.EditorConfigReconciled,
	}
}

type graphListResponse struct {
	Graphs []graphRecordDTO `json:"graphs"`
}

type registerGraphRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}
