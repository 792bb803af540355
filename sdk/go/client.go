package annolinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Annoline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v1.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Study represents the API study model (partial).
type Study struct {
	ID          int64    `json:"id"`
	ExternalID  string   `json:"external_id"`
	BatchID     int64    `json:"batch_id"`
	Path        string   `json:"path"`
	Status      string   `json:"status"`
	Iteration   int      `json:"iteration"`
	AnnotatorID *int64   `json:"annotator_id,omitempty"`
	ReviewerID  *int64   `json:"reviewer_id,omitempty"`
	ShareLink   *string  `json:"share_link,omitempty"`
	UploadLink  *string  `json:"upload_link,omitempty"`
	Categories  []Named  `json:"categories,omitempty"`
	UpdatedAt   string   `json:"updated_at"`
}

type Named struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Outcome is returned by transitions. Applied is false for ignored late duplicates.
type Outcome struct {
	Study   Study `json:"study"`
	Applied bool  `json:"applied"`
}

// StatusChange is one audit row.
type StatusChange struct {
	ID         int64          `json:"id"`
	From       *string        `json:"from,omitempty"`
	To         string         `json:"to"`
	Transition string         `json:"transition"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Iteration  int            `json:"iteration"`
	Payload    map[string]any `json:"payload,omitempty"`
	ChangedAt  string         `json:"changed_at"`
}

type ResetProposal struct {
	Token     string    `json:"token"`
	StudyID   int64     `json:"study_id"`
	Status    string    `json:"status"`
	Iteration int       `json:"iteration"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RejectInput struct {
	Comment    string   `json:"comment"`
	PhotoIDs   []string `json:"photo_ids,omitempty"`
	MessageRef string   `json:"message_ref,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ClaimNext claims the next new study of a project. It returns nil when none is left.
func (c *Client) ClaimNext(ctx context.Context, projectID int64) (*Study, error) {
	var resp struct {
		Study *Study `json:"study"`
	}
	err := c.do(ctx, http.MethodPost, "studies/claim", map[string]any{"project_id": projectID}, &resp)
	return resp.Study, err
}

func (c *Client) Study(ctx context.Context, id int64) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodGet, studyPath(id, ""), nil, &resp)
	return resp, err
}

// StudyByExternalID looks a study up by the identifier from Mapping.csv.
func (c *Client) StudyByExternalID(ctx context.Context, externalID string) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodGet, "studies/external/"+url.PathEscape(externalID), nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id int64) ([]StatusChange, error) {
	var resp struct {
		Items []StatusChange `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, studyPath(id, "history"), nil, &resp)
	return resp.Items, err
}

// RequestReview submits the current version with the selected categories.
func (c *Client) RequestReview(ctx context.Context, id int64, categoryIDs []int64) (Outcome, error) {
	return c.transition(ctx, id, "review-request", map[string]any{"category_ids": categoryIDs})
}

// Report flags a study as unusable; reason is one of n, i, op.
func (c *Client) Report(ctx context.Context, id int64, reason string) (Outcome, error) {
	return c.transition(ctx, id, "report", map[string]any{"reason": reason})
}

func (c *Client) ClaimReview(ctx context.Context, id int64) (Outcome, error) {
	return c.transition(ctx, id, "review/claim", nil)
}

func (c *Client) Approve(ctx context.Context, id int64) (Outcome, error) {
	return c.transition(ctx, id, "approve", nil)
}

func (c *Client) Close(ctx context.Context, id int64, reason string) (Outcome, error) {
	return c.transition(ctx, id, "close", map[string]any{"reason": reason})
}

func (c *Client) Reject(ctx context.Context, id int64, in RejectInput) (Outcome, error) {
	return c.transition(ctx, id, "reject", in)
}

func (c *Client) PickUpRework(ctx context.Context, id int64) (Outcome, error) {
	return c.transition(ctx, id, "rework/pickup", nil)
}

func (c *Client) RequestReworkReview(ctx context.Context, id int64) (Outcome, error) {
	return c.transition(ctx, id, "rework/review-request", nil)
}

func (c *Client) StartReworkReview(ctx context.Context, id int64) (Outcome, error) {
	return c.transition(ctx, id, "rework/review-start", nil)
}

// SelfAnnotate lets the reviewer finish the study; mode is reject or approve.
func (c *Client) SelfAnnotate(ctx context.Context, id int64, mode, note string) (Outcome, error) {
	return c.transition(ctx, id, "self-annotate", map[string]any{"mode": mode, "note": note})
}

func (c *Client) SelfClose(ctx context.Context, id int64) (Outcome, error) {
	return c.transition(ctx, id, "self-close", nil)
}

func (c *Client) ProposeReset(ctx context.Context, id int64) (ResetProposal, error) {
	var resp ResetProposal
	err := c.do(ctx, http.MethodPost, studyPath(id, "reset/proposal"), nil, &resp)
	return resp, err
}

func (c *Client) ConfirmReset(ctx context.Context, token string) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodPost, "studies/reset/confirm", map[string]any{"token": token}, &resp)
	return resp, err
}

// Register redeems an invite token. No bearer token is needed.
func (c *Client) Register(ctx context.Context, inviteToken string, userID int64, name string) error {
	body := map[string]any{"token": inviteToken, "user_id": userID, "name": name}
	return c.do(ctx, http.MethodPost, "register", body, nil)
}

func (c *Client) transition(ctx context.Context, id int64, action string, body any) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, studyPath(id, action), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func studyPath(id int64, action string) string {
	if action == "" {
		return fmt.Sprintf("studies/%d", id)
	}
	return fmt.Sprintf("studies/%d/%s", id, action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
