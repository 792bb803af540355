package server

import (
	"time"

	"annoline/internal/domain"
	"annoline/internal/engine"
	"annoline/internal/engine/auth"
)

// Request payloads

type ClaimNextRequest struct {
	ProjectID int64 `json:"project_id" minimum:"1"`
}

type ReviewRequestRequest struct {
	CategoryIDs []int64 `json:"category_ids,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason" enum:"n,i,op"`
}

type RejectRequest struct {
	Comment    string   `json:"comment" minLength:"1"`
	PhotoIDs   []string `json:"photo_ids,omitempty" maxItems:"10"`
	MessageRef string   `json:"message_ref,omitempty"`
}

type SelfAnnotateRequest struct {
	Mode string `json:"mode" enum:"reject,approve"`
	Note string `json:"note,omitempty"`
}

type ConfirmResetRequest struct {
	Token string `json:"token" minLength:"1"`
}

type CreateProjectRequest struct {
	Name    string `json:"name" minLength:"1"`
	GroupID int64  `json:"group_id"`
	Product string `json:"product" enum:"chest_ct,head_ct,dx,mmg,dental,skin"`
}

type CreateUserRequest struct {
	ID       int64   `json:"id"`
	Role     string  `json:"role" enum:"admin,annotator,validator"`
	Name     string  `json:"name" minLength:"1"`
	Login    *string `json:"login,omitempty"`
	Username string  `json:"username,omitempty"`
}

type AddMemberRequest struct {
	UserID int64 `json:"user_id"`
}

type IssueInviteRequest struct {
	Role      string `json:"role" enum:"admin,annotator,validator"`
	ProjectID int64  `json:"project_id,omitempty"`
}

type RegisterRequest struct {
	Token    string `json:"token" minLength:"1"`
	UserID   int64  `json:"user_id"`
	Name     string `json:"name" minLength:"1"`
	Login    string `json:"login,omitempty"`
	Username string `json:"username,omitempty"`
}

type IngestRequest struct {
	Path string `json:"path" minLength:"1"`
}

// WebhookPayload mirrors the Nextcloud webhook_listeners body. Unknown fields are accepted.
type WebhookPayload struct {
	_     struct{}     `json:"-" additionalProperties:"true"`
	Event WebhookEvent `json:"event"`
	User  WebhookUser  `json:"user,omitempty"`
	Time  int64        `json:"time,omitempty"`
}

type WebhookEvent struct {
	_     struct{}    `json:"-" additionalProperties:"true"`
	Class string      `json:"class"`
	Node  WebhookNode `json:"node"`
}

type WebhookNode struct {
	_    struct{} `json:"-" additionalProperties:"true"`
	ID   int64    `json:"id,omitempty"`
	Path string   `json:"path"`
}

type WebhookUser struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	UID         string   `json:"uid,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
}

// Responses

type StudyListResponse struct {
	Items []domain.Study `json:"items"`
}

type HistoryResponse struct {
	Items []domain.StatusChange `json:"items"`
}

type ProjectListResponse struct {
	Items []domain.Project `json:"items"`
}

type BatchListResponse struct {
	Items []domain.Batch `json:"items"`
}

type UserListResponse struct {
	Items []domain.User `json:"items"`
}

type OutcomeResponse = engine.Outcome

type InviteResponse struct {
	Token     string      `json:"token"`
	Role      domain.Role `json:"role"`
	ProjectID int64       `json:"project_id,omitempty"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type WhoAmIResponse struct {
	User         domain.User       `json:"user"`
	Capabilities []auth.Capability `json:"capabilities"`
}

type ReconcileResponse struct {
	Provisioned int `json:"provisioned"`
}

type IngestResponse struct {
	Batch   domain.Batch `json:"batch"`
	Studies int          `json:"studies"`
	Reused  []string     `json:"reused_external_ids,omitempty"`
}

type ClaimResponse struct {
	Study *domain.Study `json:"study"`
}
