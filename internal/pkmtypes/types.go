// Package pkmtypes defines the shared data model for the knowledge-graph
// engine: nodes, edges, operation descriptors, transaction and saga
// records, and the command-channel wire envelopes.
package pkmtypes

import "time"

// NodeKind distinguishes the two node variants.
type NodeKind string

const (
	NodeKindPage  NodeKind = "page"
	NodeKindBlock NodeKind = "block"
)

// EdgeKind is the closed set of typed relationships between nodes.
type EdgeKind string

const (
	EdgeKindPageRef     EdgeKind = "page_ref"
	EdgeKindBlockRef    EdgeKind = "block_ref"
	EdgeKindTag         EdgeKind = "tag"
	EdgeKindProperty    EdgeKind = "property"
	EdgeKindParentChild EdgeKind = "parent_child"
	EdgeKindPageToBlock EdgeKind = "page_to_block"
)

// Page is a node keyed by its normalized (lower-cased) name.
type Page struct {
	NormalizedName string         `json:"normalized_name"`
	Name           string         `json:"name"`
	Properties     map[string]any `json:"properties,omitempty"`
	JournalDay     string         `json:"journal_day,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Block is a node keyed by its opaque external id.
type Block struct {
	ID               string         `json:"id"`
	Content          string         `json:"content"`
	Properties       map[string]any `json:"properties,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	Page             string         `json:"page"`
	LeftSiblingID    string         `json:"left_sibling_id,omitempty"`
	Format           string         `json:"format,omitempty"`
	ReferenceContent string         `json:"reference_content,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// OperationKind is the closed set of Graph Store mutations that the
// transaction coordinator knows how to apply and reverse.
type OperationKind string

const (
	OpInsertPage           OperationKind = "insert_page"
	OpInsertBlock          OperationKind = "insert_block"
	OpUpdateBlockContent   OperationKind = "update_block_content"
	OpDeleteBlock          OperationKind = "delete_block"
)

// PageArgs carries the normalized arguments of an OpInsertPage.
type PageArgs struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// BlockArgs carries the normalized arguments of a block mutation. Which
// fields are meaningful depends on the owning Operation's Kind.
type BlockArgs struct {
	ID            string         `json:"id"`
	Content       string         `json:"content,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	Page          string         `json:"page,omitempty"`
	LeftSiblingID string         `json:"left_sibling_id,omitempty"`
	Format        string         `json:"format,omitempty"`
}

// Operation is a canonical descriptor of a single Graph Store mutation.
// It excludes every volatile field (timestamps, correlation ids, txn ids)
// so that it fingerprints deterministically.
type Operation struct {
	Kind    OperationKind `json:"kind"`
	GraphID string        `json:"graph_id"`
	Page    *PageArgs     `json:"page,omitempty"`
	Block   *BlockArgs    `json:"block,omitempty"`
}

// TxnState is the transaction coordinator's state machine.
type TxnState string

const (
	TxnActive        TxnState = "active"
	TxnWaitingForAck TxnState = "waiting_for_ack"
	TxnCommitted     TxnState = "committed"
	TxnAborted       TxnState = "aborted"
)

// TxnRecord is a single WAL entry.
type TxnRecord struct {
	ID            string          `json:"id"`
	GraphID       string          `json:"graph_id"`
	Op            Operation       `json:"op"`
	Fingerprint   string          `json:"fingerprint"`
	State         TxnState        `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	PreImage      []byte          `json:"pre_image,omitempty"`
	SagaID        string          `json:"saga_id,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// CommandKind is the closed set of outbound editor commands.
type CommandKind string

const (
	CommandCreateBlock CommandKind = "create_block"
	CommandUpdateBlock CommandKind = "update_block"
	CommandDeleteBlock CommandKind = "delete_block"
	CommandCreatePage  CommandKind = "create_page"
)

// Command is an outbound envelope per spec section 6.2.
type Command struct {
	Type          CommandKind    `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	TempID        string         `json:"temp_id,omitempty"`
	Content       string         `json:"content,omitempty"`
	ParentID      *string        `json:"parent_id,omitempty"`
	PageName      *string        `json:"page_name,omitempty"`
	BlockID       string         `json:"block_id,omitempty"`
	Name          string         `json:"name,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// AckKind is the closed set of inbound acknowledgment kinds.
type AckKind string

const (
	AckBlockCreated AckKind = "block_created"
	AckBlockUpdated AckKind = "block_updated"
	AckBlockDeleted AckKind = "block_deleted"
	AckPageCreated  AckKind = "page_created"
)

// Ack is an inbound acknowledgment envelope per spec section 6.2.
type Ack struct {
	Type          AckKind `json:"type"`
	CorrelationID string  `json:"correlation_id"`
	Success       bool    `json:"success"`
	Error         string  `json:"error,omitempty"`
	TempID        string  `json:"temp_id,omitempty"`
	BlockUUID     string  `json:"block_uuid,omitempty"`
}

// SagaState is the saga coordinator's aggregate state machine.
type SagaState string

const (
	SagaRunning      SagaState = "running"
	SagaCompleted    SagaState = "completed"
	SagaCompensating SagaState = "compensating"
	SagaCompensated  SagaState = "compensated"
	SagaFailed       SagaState = "failed"
)

// SagaStepKind is the closed set of saga step types.
type SagaStepKind string

const (
	StepLocalMutation   SagaStepKind = "local_mutation"
	StepOutboundCommand SagaStepKind = "outbound_command"
	StepAdoptExternalID SagaStepKind = "adopt_external_id"
)

// SagaStep is one entry in a saga's ordered step list.
type SagaStep struct {
	Kind          SagaStepKind  `json:"kind"`
	TxnID         string        `json:"txn_id,omitempty"`
	State         TxnState      `json:"state"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Op            *Operation    `json:"op,omitempty"`
	Command       *Command      `json:"command,omitempty"`
	OldID         string        `json:"old_id,omitempty"`
	NewID         string        `json:"new_id,omitempty"`
}

// SagaRecord is a durable saga workflow spanning one or more transactions.
type SagaRecord struct {
	ID             string     `json:"id"`
	GraphID        string     `json:"graph_id"`
	Kind           string     `json:"kind"`
	Steps          []SagaStep `json:"steps"`
	State          SagaState  `json:"state"`
	TempExternalID string     `json:"temp_external_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// GraphRecord is a registry entry mapping external graph identity to an
// internal, never-reused graph id.
type GraphRecord struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Path                   string    `json:"path"`
	CreatedAt              time.Time `json:"created_at"`
	LastAccessedAt         time.Time `json:"last_accessed_at"`
	EditorConfigReconciled bool      `json:"editor_config_reconciled"`
}

// ArchiveRecord captures a removed node's last known state and incident
// edges, appended to a per-graph archive file before in-memory removal.
type ArchiveRecord struct {
	DeletedAt time.Time      `json:"deleted_at"`
	NodeKind  NodeKind       `json:"node_kind"`
	Page      *Page          `json:"page,omitempty"`
	Block     *Block         `json:"block,omitempty"`
	Edges     []ArchivedEdge `json:"edges"`
}

// ArchivedEdge is one incident edge captured at deletion time.
type ArchivedEdge struct {
	Kind   EdgeKind `json:"kind"`
	Source string   `json:"source"`
	Target string   `json:"target"`
}
