package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/validate"
)

func (s *Server) registerUsers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listUsers",
		Method:      http.MethodGet,
		Path:        "/api/console/users",
		Tags:        []string{"Users"},
		Metadata:    requires(auth.RoleAdmin),
	}, func(ctx context.Context, input *struct{}) (*ListUsersOutput, error) {
		users, err := s.accounts.ListUsers(ctx)
		if err != nil {
			return nil, apiError("listUsers", err)
		}
		out := &ListUsersOutput{}
		out.Body.Users = make([]UserView, 0, len(users))
		for _, u := range users {
			out.Body.Users = append(out.Body.Users, UserView{
				UID:         u.UID,
				Email:       u.Email,
				DisplayName: u.DisplayName,
				Role:        u.Role,
				CreatedAt:   u.CreatedAt,
				UpdatedAt:   u.UpdatedAt,
			})
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "setUserRole",
		Method:        http.MethodPut,
		Path:          "/api/console/users/{uid}/role",
		Tags:          []string{"Users"},
		DefaultStatus: http.StatusNoContent,
		Description:   "Changes a user's role. Super admins only; never the caller's own role.",
		Metadata:      requires(auth.RoleSuperAdmin),
	}, func(ctx context.Context, input *SetRoleInput) (*struct{}, error) {
		if err := validate.Struct(input.Body); err != nil {
			return nil, apiError("setUserRole", err)
		}
		role, _ := auth.ParseRole(input.Body.Role)
		if err := auth.RequireRole(ctx, "grant_"+role.String(), role); err != nil {
			return nil, err
		}
		if err := s.accounts.SetRole(ctx, auth.PrincipalFromContext(ctx), input.UID, role); err != nil {
			return nil, apiError("setUserRole", err)
		}
		return nil, nil
	})
}

func (s *Server) registerRegistrationRequests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listRegistrationRequests",
		Method:      http.MethodGet,
		Path:        "/api/console/registration-requests",
		Tags:        []string{"Registration Requests"},
		Metadata:    requires(auth.RoleAdmin),
	}, func(ctx context.Context, input *ListRegistrationRequestsInput) (*ListRegistrationRequestsOutput, error) {
		if err := validate.Var(input.Status, "omitempty,oneof=pending approved rejected"); err != nil {
			return nil, apiError("listRegistrationRequests", err)
		}
		reqs, err := s.accounts.ListRegistrationRequests(ctx, input.Status)
		if err != nil {
			return nil, apiError("listRegistrationRequests", err)
		}
		out := &ListRegistrationRequestsOutput{}
		out.Body.Requests = make([]RegistrationRequestView, 0, len(reqs))
		for i := range reqs {
			out.Body.Requests = append(out.Body.Requests, registrationRequestView(&reqs[i]))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approveRegistrationRequest",
		Method:      http.MethodPost,
		Path:        "/api/console/registration-requests/{id}/approve",
		Tags:        []string{"Registration Requests"},
		Description: "Grants the requested role, or body.role when given. Approvers cannot grant above their own role.",
		Metadata:    requires(auth.RoleAdmin),
	}, func(ctx context.Context, input *ApproveInput) (*RegistrationRequestOutput, error) {
		grant := auth.RoleNone
		if input.Body != nil && input.Body.Role != "" {
			if err := validate.Struct(input.Body); err != nil {
				return nil, apiError("approveRegistrationRequest", err)
			}
			grant, _ = auth.ParseRole(input.Body.Role)
		}
		req, err := s.accounts.Approve(ctx, auth.PrincipalFromContext(ctx), input.ID, grant)
		if err != nil {
			return nil, apiError("approveRegistrationRequest", err)
		}
		return &RegistrationRequestOutput{Body: registrationRequestView(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rejectRegistrationRequest",
		Method:      http.MethodPost,
		Path:        "/api/console/registration-requests/{id}/reject",
		Tags:        []string{"Registration Requests"},
		Metadata:    requires(auth.RoleAdmin),
	}, func(ctx context.Context, input *RequestIDInput) (*RegistrationRequestOutput, error) {
		req, err := s.accounts.Reject(ctx, auth.PrincipalFromContext(ctx), input.ID)
		if err != nil {
			return nil, apiError("rejectRegistrationRequest", err)
		}
		return &RegistrationRequestOutput{Body: registrationRequestView(req)}, nil
	})
}
