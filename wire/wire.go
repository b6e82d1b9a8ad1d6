// Package wire defines the small message envelope subscriptions write to a
// client socket, and the Socket collaborator contract those messages are
// sent over. Encoding individual messages is treated as given by the
// specification this module implements; the types here are the minimal
// concrete stand-in for that wire format.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SubscriptionID identifies one running subscription, unique for the
// lifetime of the owning Manager's process.
type SubscriptionID uint64

// JobID is the 16-byte binary job identifier used throughout the persisted
// schema (job, response, response_body).
type JobID [16]byte

// ParseJobID parses a client-supplied job id (a canonical UUID string) into
// its 16-byte form.
func ParseJobID(s string) (JobID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, fmt.Errorf("parse job id: %w", err)
	}
	return JobID(id), nil
}

// String renders a JobID as a canonical UUID string, for logging.
func (id JobID) String() string {
	return uuid.UUID(id).String()
}

// CloseReason is one of the three reasons a subscription_closed event may
// carry. Only ReasonEnd is ever emitted by this module; the other two exist
// for protocol completeness and for clients that switch on the full set.
type CloseReason string

const (
	ReasonEnd       CloseReason = "END"
	ReasonCancelled CloseReason = "CANCELLED"
	ReasonError     CloseReason = "ERROR"
)

// CrawlItem is one replayed crawl result, as described in spec.md §3.
type CrawlItem struct {
	URL               string            `json:"url"`
	CanonicalURL      string            `json:"canonical_url"`
	JobID             JobID             `json:"job_id"`
	StartedAt         string            `json:"started_at"`
	CompletedAt       string            `json:"completed_at"`
	DurationSeconds   float64           `json:"duration"`
	StatusCode        int32             `json:"status_code"`
	ContentType       string            `json:"content_type"`
	Charset           string            `json:"charset"`
	Cost              float64           `json:"cost"`
	Body              []byte            `json:"body,omitempty"`
	IsBodyCompressed  bool              `json:"is_body_compressed"`
	IsSuccess         bool              `json:"is_success"`
	Headers           map[string]string `json:"headers"`
}

// SyncItemEvent is the event payload for one replayed crawl item, carrying
// the resumption token a client should store to resume immediately after
// this item.
type SyncItemEvent struct {
	Item  CrawlItem `json:"item"`
	Token []byte    `json:"token"`
}

// SubscriptionClosed is the event payload announcing a subscription's
// termination.
type SubscriptionClosed struct {
	Reason CloseReason `json:"reason"`
}

// JobRunState is the lifecycle state of a crawl job as reported by the Job
// Tracker.
type JobRunState string

const (
	JobRunning   JobRunState = "running"
	JobPaused    JobRunState = "paused"
	JobCompleted JobRunState = "completed"
	JobCancelled JobRunState = "cancelled"
)

// JobStatusDelta carries only the fields of a job status snapshot that
// changed since the last transmission for that job. Pointer fields are nil
// when unchanged; HTTPStatusCounts only contains entries whose count
// changed.
type JobStatusDelta struct {
	JobID              JobID           `json:"job_id"`
	Name               *string         `json:"name,omitempty"`
	RunState           *JobRunState    `json:"run_state,omitempty"`
	StartedAt          *string         `json:"started_at,omitempty"`
	CompletedAt        *string         `json:"completed_at,omitempty"`
	ItemCount          *int64          `json:"item_count,omitempty"`
	HTTPSuccessCount   *int64          `json:"http_success_count,omitempty"`
	HTTPErrorCount     *int64          `json:"http_error_count,omitempty"`
	ExceptionCount     *int64          `json:"exception_count,omitempty"`
	HTTPStatusCounts   map[int]int64   `json:"http_status_counts,omitempty"`
}

// JobListEvent carries one or more job status deltas in a single Job Status
// Subscription emission.
type JobListEvent struct {
	Jobs []JobStatusDelta `json:"jobs"`
}

// Event is one server-initiated message tied to a subscription id. Exactly
// one of its payload fields is set.
type Event struct {
	SubscriptionID     SubscriptionID      `json:"subscription_id"`
	SyncItem           *SyncItemEvent      `json:"sync_item,omitempty"`
	SubscriptionClosed *SubscriptionClosed `json:"subscription_closed,omitempty"`
	JobList            *JobListEvent       `json:"job_list,omitempty"`
}

// RequestType discriminates the three client-initiated operations this
// module handles; all other request types belong to the out-of-scope
// crawler/policy protocol and are rejected upstream of this package.
type RequestType string

const (
	RequestSubscribeCrawlSync RequestType = "subscribe_crawl_sync"
	RequestSubscribeJobStatus RequestType = "subscribe_job_status"
	RequestUnsubscribe        RequestType = "unsubscribe"
)

// Request is a client-initiated message, decoded from the socket (spec.md
// §6, "clients send Request messages"). Exactly one operation's fields are
// meaningful for a given Type.
type Request struct {
	RequestID int64       `json:"request_id"`
	Type      RequestType `json:"type"`

	// subscribe_crawl_sync
	JobID         string `json:"job_id,omitempty"`
	CompressionOK bool   `json:"compression_ok,omitempty"`
	SyncToken     []byte `json:"sync_token,omitempty"`

	// subscribe_job_status
	MinIntervalSeconds float64 `json:"min_interval_seconds,omitempty"`

	// unsubscribe
	SubscriptionID SubscriptionID `json:"subscription_id,omitempty"`
}

// UnmarshalRequest decodes one client Request from its wire bytes.
func UnmarshalRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// Response is a reply to a client Request: a positive acknowledgement
// carrying the new subscription's id for a subscribe request, or a negative
// response carrying an error message for the protocol/not-found categories
// in spec.md §7.
type Response struct {
	RequestID      int64           `json:"request_id"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	SubscriptionID *SubscriptionID `json:"subscription_id,omitempty"`
}

// ServerMessage is the outer envelope: either a Response or an Event.
type ServerMessage struct {
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}

// Marshal serializes a ServerMessage the way Socket.Send expects to receive
// it. Kept as a free function (rather than a method on Socket) so the
// subscription package can build a message once and hand raw bytes to
// whatever Socket implementation it was constructed with.
func Marshal(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
