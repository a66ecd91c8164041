// Package export defines core types shared across the export subsystems.
package export

import (
	"time"
)

// JobStatus represents the lifecycle state of an export job.
type JobStatus string

// Job status values held by the job registry.
const (
	JobStatusPending              JobStatus = "pending"
	JobStatusAuthenticating       JobStatus = "authenticating"
	JobStatusAwaitingVerification JobStatus = "awaiting_verification"
	JobStatusCrawling             JobStatus = "crawling"
	JobStatusCompleted            JobStatus = "completed"
	JobStatusFailed               JobStatus = "failed"
)

// Credentials identify the owner of a job on the remote service.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Job represents the metadata held for each submitted export request.
type Job struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Status         JobStatus  `json:"status"`
	Progress       float64    `json:"progress"`
	TotalItems     int        `json:"total_items"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ArtifactPath   string     `json:"-"`
	ArtifactURI    string     `json:"artifact_uri,omitempty"`
	ArtifactSHA256 string     `json:"artifact_sha256,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Item types reported by the remote service.
const (
	ItemTypeText  = "text"
	ItemTypeImage = "image"
)

// Item is a single post fetched from the remote service.
type Item struct {
	PID           int64  `json:"pid"`
	Text          string `json:"text"`
	Type          string `json:"type"`
	URL           string `json:"url,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	ImageFilename string `json:"image_filename,omitempty"`
}

// Quote is the comment an answer refers to.
type Quote struct {
	NameTag string `json:"name_tag"`
	Text    string `json:"text"`
}

// Comment belongs to an Item.
type Comment struct {
	CID       int64  `json:"cid"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Quote     *Quote `json:"quote,omitempty"`
}

// CommentPage is one page of an item's comments.
type CommentPage struct {
	Comments []Comment
	LastPage int
}

// StarredPage is one page of the owner's starred list.
type StarredPage struct {
	IDs      []int64
	LastPage int
}

// ItemResult is the fetch outcome for one item: the payload or a placeholder.
type ItemResult struct {
	Item        Item      `json:"post"`
	Comments    []Comment `json:"comments"`
	Placeholder bool      `json:"-"`
}

// Placeholder texts for items that could not be retrieved.
const (
	NotFoundText = "The post you are viewing does not exist"
	FailedText   = "Failed to fetch"
)

// NotFoundPlaceholder synthesizes the record used when the remote item is gone.
func NotFoundPlaceholder(id int64) ItemResult {
	return ItemResult{
		Item:        Item{PID: id, Text: NotFoundText, Type: ItemTypeText},
		Comments:    []Comment{},
		Placeholder: true,
	}
}

// FailedPlaceholder synthesizes the record used when fetching an item failed.
func FailedPlaceholder(id int64) ItemResult {
	return ItemResult{
		Item:        Item{PID: id, Text: FailedText, Type: ItemTypeText},
		Comments:    []Comment{},
		Placeholder: true,
	}
}

// VerificationKind names the second factor the remote service asks for.
type VerificationKind string

// Supported second factors.
const (
	VerificationSMS         VerificationKind = "sms"
	VerificationMobileToken VerificationKind = "mobile_token"
)

// AccessOutcome tags the result of an access check.
type AccessOutcome int

// Access check outcomes.
const (
	AccessOK AccessOutcome = iota
	AccessVerificationRequired
	AccessFailed
)

// AccessResult is returned by Session.CheckAccess. Kind is set only for
// AccessVerificationRequired; Reason only for AccessFailed.
type AccessResult struct {
	Outcome AccessOutcome
	Kind    VerificationKind
	Reason  string
}

// Artifact describes an assembled archive.
type Artifact struct {
	Path   string
	Name   string
	URI    string
	SHA256 string
}
