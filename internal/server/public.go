package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

// registerPublicApproval mounts the client-facing approval routes outside the
// authenticated base path. The token in the URL is the only credential.
func registerPublicApproval(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-public-approval",
		Method:      http.MethodGet,
		Path:        "/approval/{token}",
		Summary:     "Stage summary behind an approval link",
		Tags:        []string{"public"},
		Errors: []int{
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body PublicApprovalResponse `json:"body"`
	}, error) {
		a, view, err := e.LookupApproval(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublicApprovalResponse `json:"body"`
		}{Body: publicApprovalResponse(a, view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-public-approval",
		Method:      http.MethodPost,
		Path:        "/approval/{token}",
		Summary:     "Record the client's decision",
		Tags:        []string{"public"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Token string                 `path:"token"`
		Body  ResolveApprovalRequest `json:"body"`
	}) (*struct {
		Body ResolveApprovalResponse `json:"body"`
	}, error) {
		res, err := e.ResolveApproval(ctx, input.Token, input.Body.Decision, input.Body.ApproverName, input.Body.Comment)
		if errors.Is(err, domain.ErrAlreadyResolved) {
			return nil, alreadyResolved(res.Approval)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveApprovalResponse `json:"body"`
		}{Body: ResolveApprovalResponse{Approval: publicApproval(res.Approval), Unblocked: res.Unblocked}}, nil
	})
}

// alreadyResolved reports a second submission together with the decision that won.
func alreadyResolved(a domain.Approval) huma.StatusError {
	details := map[string]any{"status": a.Status}
	if a.Decision != nil {
		details["decision"] = *a.Decision
	}
	if a.ApprovedAt != nil {
		details["approved_at"] = *a.ApprovedAt
	}
	if a.ApprovedByName != nil {
		details["approved_by_name"] = *a.ApprovedByName
	}
	return newAPIError(http.StatusConflict, "already_resolved", alreadyRecordedMessage, details)
}
