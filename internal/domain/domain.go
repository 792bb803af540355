package domain

type Project struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	GroupID   int64   `json:"group_id"`
	Product   Product `json:"product" enum:"chest_ct,head_ct,dx,mmg,dental,skin"`
	MemberIDs []int64 `json:"member_ids,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type User struct {
	ID         int64   `json:"id"`
	Role       Role    `json:"role" enum:"admin,annotator,validator"`
	Name       string  `json:"name"`
	Login      *string `json:"login,omitempty"`
	Username   string  `json:"username,omitempty"`
	ProjectIDs []int64 `json:"project_ids,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Batch struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	ProjectID  int64      `json:"project_id"`
	Categories []Category `json:"categories,omitempty"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Study is one unit of annotation work rooted at an external folder tree.
type Study struct {
	ID              int64      `json:"id"`
	ExternalID      string     `json:"external_id"`
	BatchID         int64      `json:"batch_id"`
	Path            string     `json:"path"`
	Status          Status     `json:"status"`
	Iteration       int        `json:"iteration"`
	AnnotatorID     *int64     `json:"annotator_id,omitempty"`
	ReviewerID      *int64     `json:"reviewer_id,omitempty"`
	ShareLink       *string    `json:"share_link,omitempty"`
	UploadLink      *string    `json:"upload_link,omitempty"`
	PrevUploadLink  *string    `json:"prev_upload_link,omitempty"`
	RejectCommentID *int64     `json:"reject_comment_id,omitempty"`
	SelfAnnotation  *Status    `json:"self_annotation,omitempty"`
	Categories      []Category `json:"categories,omitempty"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

// Provisioned reports whether the claim side effects have been recorded.
func (s Study) Provisioned() bool {
	return s.ShareLink != nil && s.UploadLink != nil
}

// StatusChange is one audit row.
type StatusChange struct {
	ID         int64          `json:"id"`
	StudyID    int64          `json:"study_id"`
	From       *Status        `json:"from,omitempty"`
	To         Status         `json:"to"`
	Transition Transition     `json:"transition"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Iteration  int            `json:"iteration"`
	Payload    map[string]any `json:"payload,omitempty"`
	ChangedAt  string         `json:"changed_at" format:"date-time"`
}

type ReviewComment struct {
	ID         int64    `json:"id"`
	StudyID    int64    `json:"study_id"`
	ReviewerID int64    `json:"reviewer_id"`
	Iteration  int      `json:"iteration"`
	Comment    string   `json:"comment"`
	PhotoIDs   []string `json:"photo_ids"`
	MessageRef *string  `json:"message_ref,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}
