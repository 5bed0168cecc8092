package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/backup"
	"github.com/hatemosphere/agency-console/internal/validate"
)

func (s *Server) registerMedia(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "presignMediaUpload",
		Method:      http.MethodPost,
		Path:        "/api/console/media/presign",
		Tags:        []string{"Media"},
		Description: "Returns a presigned PUT for uploading one image directly to object storage.",
		Metadata:    requires(auth.RoleEditor),
	}, func(ctx context.Context, input *PresignUploadInput) (*PresignUploadOutput, error) {
		if err := validate.Struct(input.Body); err != nil {
			return nil, apiError("presignMediaUpload", err)
		}
		up, err := s.presigner.PresignUpload(ctx, input.Body.Filename, input.Body.ContentType)
		if err != nil {
			return nil, apiError("presignMediaUpload", err)
		}
		return &PresignUploadOutput{Body: up}, nil
	})
}

func (s *Server) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "createBackup",
		Method:      http.MethodPost,
		Path:        "/api/console/backup",
		Tags:        []string{"Admin"},
		Description: "Takes a database backup now. Upload failures are reported in error while the local copy is kept.",
		Metadata:    requires(auth.RoleSuperAdmin),
	}, func(ctx context.Context, input *struct{}) (*BackupOutput, error) {
		res, err := s.backups.RunOnce(ctx)
		if res == nil {
			return nil, apiError("createBackup", err)
		}
		out := &BackupOutput{Body: backupView(res, time.Now())}
		if err != nil {
			out.Body.Error = err.Error()
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getLastBackup",
		Method:      http.MethodGet,
		Path:        "/api/console/backup",
		Tags:        []string{"Admin"},
		Metadata:    requires(auth.RoleSuperAdmin),
	}, func(ctx context.Context, input *struct{}) (*BackupOutput, error) {
		res, at := s.backups.Last()
		if res == nil {
			return nil, huma.NewError(http.StatusNotFound, "no backup taken yet")
		}
		return &BackupOutput{Body: backupView(res, at)}, nil
	})
}

func backupView(res *backup.Result, at time.Time) BackupView {
	return BackupView{
		Path:       res.Path,
		Uploaded:   res.Uploaded,
		Pruned:     res.Pruned,
		FinishedAt: at.UTC(),
	}
}
