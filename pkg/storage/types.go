package storage

import "time"

// Status is the upstream outcome recorded with each search.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusStreamed Status = "streamed"
)

// UserRecord is one row of the users collection.
type UserRecord struct {
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int64     `json:"count"`
}

// UserUpsert describes one observed request for UpsertUser.
// Empty Name or Email leave the stored values untouched.
type UserUpsert struct {
	Key    string
	Name   string
	Email  string
	SeenAt time.Time
}

// SearchRecord is one immutable entry of the searches collection.
type SearchRecord struct {
	ID               string    `json:"id"`
	UserKey          string    `json:"user_key"`
	Message          string    `json:"message"`
	Model            string    `json:"model,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Status           Status    `json:"status"`
	Stream           bool      `json:"stream"`
	MessagesCount    int       `json:"messages_count"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd,omitempty"`
	UpstreamStatus   int       `json:"upstream_status,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
}

// SearchFilter narrows ListSearches. Zero values mean "any".
type SearchFilter struct {
	UserKey string
	Model   string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}
