// Package media issues presigned S3 upload URLs for site images, so browsers
// upload straight to object storage.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var ErrUnsupportedType = errors.New("unsupported media type")

// allowedTypes maps accepted content types to the stored file extension.
var allowedTypes = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/webp":    ".webp",
	"image/gif":     ".gif",
	"image/svg+xml": ".svg",
	"image/avif":    ".avif",
}

// Config configures the Presigner.
type Config struct {
	Bucket        string
	Prefix        string        // key prefix, default "media/"
	PublicBaseURL string        // where uploaded objects are served from; optional
	Expiry        time.Duration // URL lifetime, default 15m
}

// presignAPI is the subset of *s3.PresignClient used here.
type presignAPI interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Presigner hands out presigned PUT URLs.
type Presigner struct {
	client presignAPI
	cfg    Config
	now    func() time.Time
}

// Upload is a presigned upload the browser can perform with a PUT.
type Upload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Key       string            `json:"key"`
	PublicURL string            `json:"publicUrl,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// NewPresigner creates a Presigner from an S3 client.
func NewPresigner(client *s3.Client, cfg Config) *Presigner {
	return newPresigner(s3.NewPresignClient(client), cfg)
}

func newPresigner(client presignAPI, cfg Config) *Presigner {
	if cfg.Prefix == "" {
		cfg.Prefix = "media/"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 15 * time.Minute
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Presigner{client: client, cfg: cfg, now: time.Now}
}

// PresignUpload returns a presigned PUT for a new image object. The key is
// generated; filename only contributes a readable suffix.
func (p *Presigner) PresignUpload(ctx context.Context, filename, contentType string) (*Upload, error) {
	ext, ok := allowedTypes[strings.ToLower(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	now := p.now().UTC()
	name := uuid.NewString()
	if base := sanitize(filename); base != "" {
		name += "-" + base
	}
	key := p.cfg.Prefix + now.Format("2006/01/") + name + ext

	req, err := p.client.PresignPutObject(ctx,
		&s3.PutObjectInput{
			Bucket:      aws.String(p.cfg.Bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		},
		s3.WithPresignExpires(p.cfg.Expiry),
	)
	if err != nil {
		return nil, fmt.Errorf("presign PutObject for %q: %w", key, err)
	}

	u := &Upload{
		URL:       req.URL,
		Method:    req.Method,
		Headers:   map[string]string{"Content-Type": contentType},
		Key:       key,
		ExpiresAt: now.Add(p.cfg.Expiry),
	}
	if p.cfg.PublicBaseURL != "" {
		u.PublicURL = p.cfg.PublicBaseURL + "/" + key
	}
	return u, nil
}

// sanitize reduces a filename to a short lowercase slug without extension.
func sanitize(filename string) string {
	base := strings.TrimSuffix(path.Base(strings.ReplaceAll(filename, "\\", "/")), path.Ext(filename))
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}
