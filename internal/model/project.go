package model

import "time"

// SourceStatus is the lifecycle state of a data source.
type SourceStatus string

const (
	SourceActive   SourceStatus = "active"
	SourcePending  SourceStatus = "pending"
	SourceDisabled SourceStatus = "disabled"
	SourceDeleted  SourceStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s SourceStatus) Valid() bool {
	switch s {
	case SourceActive, SourcePending, SourceDisabled, SourceDeleted:
		return true
	}
	return false
}

// DataSource is a project-scoped collection of documents used for retrieval.
type DataSource struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Name      string       `json:"name"`
	Status    SourceStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Document is a stored parent document.
type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	SourceID  string    `json:"source_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is an embedded slice of a document as returned by retrieval.
type Chunk struct {
	ID       string  `json:"id,omitempty"`
	Title    string  `json:"title"`
	Name     string  `json:"name"`
	Content  string  `json:"content"`
	DocID    string  `json:"doc_id"`
	SourceID string  `json:"source_id"`
	Score    float32 `json:"score,omitempty"`
}

// AccountStatus is the state of a toolkit connected account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountInitiated AccountStatus = "INITIATED"
	AccountFailed    AccountStatus = "FAILED"
	AccountExpired   AccountStatus = "EXPIRED"
)

// ConnectedAccount is the per-project, per-toolkit credential reference.
type ConnectedAccount struct {
	ProjectID   string        `json:"project_id"`
	ToolkitSlug string        `json:"toolkit_slug"`
	AccountID   string        `json:"account_id"`
	Status      AccountStatus `json:"status"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
