package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/backup"
	"github.com/hatemosphere/agency-console/internal/media"
)

type fakePresigner struct{}

func (fakePresigner) PresignUpload(_ context.Context, filename, contentType string) (*media.Upload, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return nil, media.ErrUnsupportedType
	}
	return &media.Upload{
		URL:       "https://bucket.s3.test/media/" + filename + "?X-Amz-Signature=abc",
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		Key:       "media/" + filename,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}, nil
}

func TestPresignMediaUpload(t *testing.T) {
	tc := startConsole(t, WithPresigner(fakePresigner{}))
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	tc.seedUser(t, "vi@agency.test", auth.RoleViewer)

	ed := tc.newBrowser(t)
	ed.signIn("ed@agency.test")
	resp, body := ed.do(http.MethodPost, "/api/console/media/presign", map[string]string{
		"filename": "hero.png", "contentType": "image/png",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	up := decodeJSON[media.Upload](t, body)
	assert.Equal(t, http.MethodPut, up.Method)
	assert.Equal(t, "media/hero.png", up.Key)

	resp, _ = ed.do(http.MethodPost, "/api/console/media/presign", map[string]string{
		"filename": "notes.txt", "contentType": "text/plain",
	})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	vi := tc.newBrowser(t)
	vi.signIn("vi@agency.test")
	resp, _ = vi.do(http.MethodPost, "/api/console/media/presign", map[string]string{
		"filename": "hero.png", "contentType": "image/png",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMediaRoutesDisabledWithoutPresigner(t *testing.T) {
	tc := startConsole(t)
	tc.seedUser(t, "ed@agency.test", auth.RoleEditor)
	b := tc.newBrowser(t)
	b.signIn("ed@agency.test")

	resp, _ := b.do(http.MethodPost, "/api/console/media/presign", map[string]string{
		"filename": "hero.png", "contentType": "image/png",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackupEndpoints(t *testing.T) {
	var fail atomic.Bool
	job := func(context.Context) (*backup.Result, error) {
		res := &backup.Result{Path: "/var/backups/backup-20260101-000000.db", Uploaded: map[string]string{"local": "backup-20260101-000000.db"}}
		if fail.Load() {
			return res, errors.New("upload to s3: connection refused")
		}
		return res, nil
	}
	sched := backup.NewScheduler(job, 0)
	tc := startConsole(t, WithBackups(sched))
	tc.seedUser(t, "root@agency.test", auth.RoleSuperAdmin)
	tc.seedUser(t, "admin@agency.test", auth.RoleAdmin)

	root := tc.newBrowser(t)
	root.signIn("root@agency.test")

	resp, _ := root.get("/api/console/backup")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := root.do(http.MethodPost, "/api/console/backup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	v := decodeJSON[BackupView](t, body)
	assert.Equal(t, "backup-20260101-000000.db", v.Uploaded["local"])
	assert.Empty(t, v.Error)

	// A partial failure still reports the local copy.
	fail.Store(true)
	resp, body = root.do(http.MethodPost, "/api/console/backup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, decodeJSON[BackupView](t, body).Error, "connection refused")

	resp, body = root.get("/api/console/backup")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeJSON[BackupView](t, body).FinishedAt.IsZero())

	admin := tc.newBrowser(t)
	admin.signIn("admin@agency.test")
	resp, _ = admin.do(http.MethodPost, "/api/console/backup", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{auth.ErrInvalidRole, http.StatusBadRequest},
		{backup.ErrNoBackupDir, http.StatusBadRequest},
		{media.ErrUnsupportedType, http.StatusUnsupportedMediaType},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
