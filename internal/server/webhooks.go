package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"annoline/internal/ingest"
	"annoline/internal/logging"
)

// WebhookConfig guards the Nextcloud webhook listener.
type WebhookConfig struct {
	Token string
	// Roots are cleaned directories without a leading slash.
	Roots []string
}

// nodePath strips the "/<user>/files" prefix Nextcloud puts on every node path.
func nodePath(raw string) string {
	parts := strings.Split(strings.Trim(path.Clean("/"+raw), "/"), "/")
	if len(parts) <= 2 {
		return ""
	}
	return strings.Join(parts[2:], "/")
}

// batchFolder reports whether p sits exactly two segments below one of roots.
func batchFolder(p string, roots []string) bool {
	for _, root := range roots {
		if root == "" || !strings.HasPrefix(p, root+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, root+"/")
		if len(strings.Split(rest, "/")) == 2 {
			return true
		}
	}
	return false
}

func (h handlers) registerWebhooks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "nextcloud-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/nextcloud",
		Summary:       "Nextcloud node event listener",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Token string         `header:"X-Webhook-Token"`
		Body  WebhookPayload `json:"body"`
	}) (*struct{}, error) {
		want := h.webhook.Token
		if want == "" || subtle.ConstantTimeCompare([]byte(input.Token), []byte(want)) != 1 {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid webhook token", nil)
		}
		p := nodePath(input.Body.Event.Node.Path)
		if !batchFolder(p, h.webhook.Roots) {
			logging.Debug(ctx, "webhook: path outside watched directories", "path", input.Body.Event.Node.Path)
			return &struct{}{}, nil
		}
		_, err := h.pipeline.Ingest(ctx, ingest.Notification{
			EventClass: input.Body.Event.Class,
			Node:       ingest.Node{ID: input.Body.Event.Node.ID, Path: p},
			User:       ingest.User{UID: input.Body.User.UID, DisplayName: input.Body.User.DisplayName},
			Time:       input.Body.Time,
		})
		if err != nil {
			logging.Warn(ctx, "webhook: ingestion failed", "path", p, "err", err)
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
