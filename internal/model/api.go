package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateServerURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateServerURL checks that an external tool server URL is an http/https
// URL with a host and no embedded credentials. Unless allowPrivate is set,
// localhost and private or loopback addresses are rejected.
func ValidateServerURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("server URL must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("server URL must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("server URL must include a host")
	}
	if allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("server URL must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("server URL must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeLoopLimit     = "LOOP_LIMIT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// ChatRequest is the request body for POST /v1/projects/{project_id}/chat.
type ChatRequest struct {
	Workflow     Workflow       `json:"workflow"`
	ProjectTools []WorkflowTool `json:"project_tools,omitempty"`
	Messages     []Message      `json:"messages"`
	Stream       bool           `json:"stream,omitempty"`
}

// Validate checks the request shape. Workflow compilation errors are
// reported later by the orchestrator.
func (r ChatRequest) Validate() error {
	if err := r.Workflow.Validate(); err != nil {
		return err
	}
	for i, m := range r.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}

// ChatResponse is the non-streaming result of one turn.
type ChatResponse struct {
	Messages  []Message      `json:"messages"`
	Tokens    TokenUsage     `json:"tokens"`
	Transfers map[string]int `json:"transfers,omitempty"`
}

// CreateSourceRequest is the request body for POST /v1/projects/{project_id}/sources.
type CreateSourceRequest struct {
	Name string `json:"name"`
}

// UpdateSourceRequest is the request body for PATCH /v1/projects/{project_id}/sources/{source_id}.
type UpdateSourceRequest struct {
	Status SourceStatus `json:"status"`
}

// AddDocumentRequest is the request body for document ingestion.
type AddDocumentRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// AddDocumentResponse reports the stored document and its chunk count.
type AddDocumentResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}

// UpsertAccountRequest is the request body for POST .../toolkits/{toolkit}/account.
type UpsertAccountRequest struct {
	AccountID string        `json:"account_id"`
	Status    AccountStatus `json:"status,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Qdrant  string `json:"qdrant,omitempty"`
	Uptime  int64  `json:"uptime_seconds"`
}
