package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. AGENCY_CONSOLE_ADDR.
const EnvPrefix = "AGENCY_CONSOLE_"

// Config holds all server configuration. Flags set the defaults; environment
// variables named by the env tags (with EnvPrefix) override them.
type Config struct {
	Addr           string `env:"ADDR"`            // listen address, e.g. ":8080"
	ManagementAddr string `env:"MANAGEMENT_ADDR"` // optional separate listener for /metrics and /healthz
	DBPath         string `env:"DB"`              // path to SQLite database file
	PublicURL      string `env:"PUBLIC_URL"`      // console base URL used in emailed links
	TLS            bool   `env:"TLS"`
	CertFile       string `env:"CERT"`
	KeyFile        string `env:"KEY"`

	// Identity provider: "local" (default) or "oidc".
	IdentityProvider string        `env:"IDENTITY_PROVIDER"`
	TokenSigningKey  string        `env:"TOKEN_SIGNING_KEY"` // hex-encoded key for ID, verification and reset tokens
	TokenIssuer      string        `env:"TOKEN_ISSUER"`
	TokenTTL         time.Duration `env:"TOKEN_TTL"`        // ID token lifetime
	RefreshInterval  time.Duration `env:"REFRESH_INTERVAL"` // how often signed-in identities are refreshed (0 = never)
	BcryptCost       int           `env:"BCRYPT_COST"`
	// OIDC settings (required when IdentityProvider == "oidc").
	OIDCIssuer         string `env:"OIDC_ISSUER"`
	OIDCClientID       string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret   string `env:"OIDC_CLIENT_SECRET"`
	OIDCAllowedDomains string `env:"OIDC_ALLOWED_DOMAINS"` // comma-separated
	OIDCScopes         string `env:"OIDC_SCOPES"`          // comma-separated, beyond openid

	// Sessions.
	RoleCacheSize        int           `env:"ROLE_CACHE_SIZE"`
	RoleCacheTTL         time.Duration `env:"ROLE_CACHE_TTL"` // 0 = always read roles from the store
	RoleLookupTimeout    time.Duration `env:"ROLE_LOOKUP_TIMEOUT"`
	SessionSettleTimeout time.Duration `env:"SESSION_SETTLE_TIMEOUT"` // how long a guard waits for a loading session
	MaxClients           int           `env:"MAX_CLIENTS"`            // console clients kept in memory
	SecureCookies        bool          `env:"SECURE_COOKIES"`

	// Bootstrap data.
	SeedFile string `env:"SEED_FILE"`

	// Backup.
	BackupDir       string        `env:"BACKUP_DIR"` // empty = disabled
	BackupInterval  time.Duration `env:"BACKUP_INTERVAL"`
	BackupRetention int           `env:"BACKUP_RETENTION"`

	// S3-compatible object storage for backups and media uploads.
	S3Bucket          string `env:"S3_BUCKET"`
	S3Region          string `env:"S3_REGION"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"S3_FORCE_PATH_STYLE"`
	S3BackupPrefix    string `env:"S3_BACKUP_PREFIX"`

	// Media uploads (require S3).
	MediaPrefix    string        `env:"MEDIA_PREFIX"`
	MediaPublicURL string        `env:"MEDIA_PUBLIC_URL"`
	MediaURLExpiry time.Duration `env:"MEDIA_URL_EXPIRY"`

	// Logging and tracing.
	LogFormat string `env:"LOG_FORMAT"` // "json" (default) or "text"
	AuditLogs bool   `env:"AUDIT_LOGS"` // enable audit logging (default true)
	Tracing   bool   `env:"TRACING"`    // export traces over OTLP/HTTP (OTEL_* variables configure the exporter)
}

// Parse reads flags from the command line and overrides from the process
// environment. It exits on invalid configuration.
func Parse() *Config {
	c, err := Load(os.Args[1:], nil, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	return c
}

// Load parses args, then applies environment overrides from environ (the
// process environment when nil). Warnings go to warn.
func Load(args []string, environ map[string]string, warn io.Writer) (*Config, error) {
	c := &Config{}
	fs := flag.NewFlagSet("agency-console", flag.ContinueOnError)
	fs.SetOutput(warn)

	fs.StringVar(&c.Addr, "addr", ":8080", "listen address")
	fs.StringVar(&c.ManagementAddr, "management-addr", "", "separate listen address for /metrics and /healthz (empty = serve on main listener)")
	fs.StringVar(&c.DBPath, "db", "agency-console.db", "SQLite database path")
	fs.StringVar(&c.PublicURL, "public-url", "http://localhost:8080", "console base URL used in emailed links")
	fs.BoolVar(&c.TLS, "tls", false, "enable TLS")
	fs.StringVar(&c.CertFile, "cert", "", "TLS certificate file")
	fs.StringVar(&c.KeyFile, "key", "", "TLS key file")

	// Identity flags.
	fs.StringVar(&c.IdentityProvider, "identity-provider", "local", "identity provider: local or oidc")
	fs.StringVar(&c.TokenSigningKey, "token-signing-key", "", "hex-encoded token signing key, at least 32 bytes (auto-generated if empty)")
	fs.StringVar(&c.TokenIssuer, "token-issuer", "agency-console", "issuer claim of console-issued tokens")
	fs.DurationVar(&c.TokenTTL, "token-ttl", time.Hour, "ID token lifetime")
	fs.DurationVar(&c.RefreshInterval, "refresh-interval", 5*time.Minute, "identity token refresh check interval (0 = disabled)")
	fs.IntVar(&c.BcryptCost, "bcrypt-cost", 12, "bcrypt cost for local account passwords")
	fs.StringVar(&c.OIDCIssuer, "oidc-issuer", "", "OIDC provider discovery URL (required for oidc provider)")
	fs.StringVar(&c.OIDCClientID, "oidc-client-id", "", "OIDC OAuth2 client ID")
	fs.StringVar(&c.OIDCClientSecret, "oidc-client-secret", "", "OIDC OAuth2 client secret")
	fs.StringVar(&c.OIDCAllowedDomains, "oidc-allowed-domains", "", "comma-separated allowed email domains")
	fs.StringVar(&c.OIDCScopes, "oidc-scopes", "profile,email,offline_access", "OIDC scopes beyond openid")

	// Session flags.
	fs.IntVar(&c.RoleCacheSize, "role-cache-size", 1024, "role cache entries")
	fs.DurationVar(&c.RoleCacheTTL, "role-cache-ttl", 30*time.Second, "role cache TTL (0 = disabled)")
	fs.DurationVar(&c.RoleLookupTimeout, "role-lookup-timeout", 5*time.Second, "timeout for one role lookup")
	fs.DurationVar(&c.SessionSettleTimeout, "session-settle-timeout", 2*time.Second, "how long a route guard waits for a loading session")
	fs.IntVar(&c.MaxClients, "max-clients", 10000, "console clients kept in memory")
	fs.BoolVar(&c.SecureCookies, "secure-cookies", false, "mark client cookies Secure (implied by -tls)")

	fs.StringVar(&c.SeedFile, "seed", "", "YAML seed file with bootstrap users and content")

	// Backup flags.
	fs.StringVar(&c.BackupDir, "backup-dir", "", "directory for database backups (empty = disabled)")
	fs.DurationVar(&c.BackupInterval, "backup-interval", 0, "periodic backup interval (0 = on demand only)")
	fs.IntVar(&c.BackupRetention, "backup-retention", 7, "backups kept per destination (0 = unlimited)")

	// Object storage flags.
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "S3 bucket for backups and media (empty = disabled)")
	fs.StringVar(&c.S3Region, "s3-region", "us-east-1", "S3 region")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", "", "custom S3 endpoint (MinIO, R2, ...)")
	fs.StringVar(&c.S3AccessKeyID, "s3-access-key-id", "", "S3 access key ID")
	fs.StringVar(&c.S3SecretAccessKey, "s3-secret-access-key", "", "S3 secret access key")
	fs.BoolVar(&c.S3ForcePathStyle, "s3-force-path-style", false, "use path-style S3 addressing")
	fs.StringVar(&c.S3BackupPrefix, "s3-backup-prefix", "backups/", "S3 key prefix for backups")
	fs.StringVar(&c.MediaPrefix, "media-prefix", "media/", "S3 key prefix for uploaded media")
	fs.StringVar(&c.MediaPublicURL, "media-public-url", "", "base URL media objects are served from")
	fs.DurationVar(&c.MediaURLExpiry, "media-url-expiry", 15*time.Minute, "lifetime of presigned upload URLs")

	// Logging flags.
	fs.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text")
	fs.BoolVar(&c.AuditLogs, "audit-logs", true, "enable structured audit logging")
	fs.BoolVar(&c.Tracing, "tracing", false, "export OpenTelemetry traces over OTLP/HTTP")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if c.TokenSigningKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token signing key: %w", err)
		}
		c.TokenSigningKey = hex.EncodeToString(key)
		fmt.Fprintf(warn, "WARNING: auto-generated token signing key (sessions and emailed links will not survive restart unless you persist it):\n")
		fmt.Fprintf(warn, "  export %sTOKEN_SIGNING_KEY=%s\n\n", EnvPrefix, c.TokenSigningKey)
	}
	if c.TLS {
		c.SecureCookies = true
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error
	switch c.IdentityProvider {
	case "local":
	case "oidc":
		if c.OIDCIssuer == "" || c.OIDCClientID == "" {
			errs = append(errs, errors.New("oidc identity provider requires -oidc-issuer and -oidc-client-id"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity provider %q (want local or oidc)", c.IdentityProvider))
	}
	if c.TLS && (c.CertFile == "" || c.KeyFile == "") {
		errs = append(errs, errors.New("-tls requires -cert and -key"))
	}
	if _, err := c.TokenSigningKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q (want json or text)", c.LogFormat))
	}
	if c.BackupInterval > 0 && c.BackupDir == "" {
		errs = append(errs, errors.New("-backup-interval requires -backup-dir"))
	}
	if c.BackupRetention < 0 || c.MaxClients < 0 || c.RoleCacheSize < 0 {
		errs = append(errs, errors.New("sizes and retention must not be negative"))
	}
	return errors.Join(errs...)
}

// TokenSigningKeyBytes decodes the hex signing key.
func (c *Config) TokenSigningKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.TokenSigningKey)
	if err != nil {
		return nil, fmt.Errorf("token signing key must be hex: %w", err)
	}
	return key, nil
}

// S3Enabled reports whether object storage is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// AllowedDomains splits OIDCAllowedDomains.
func (c *Config) AllowedDomains() []string {
	return splitList(c.OIDCAllowedDomains)
}

// Scopes splits OIDCScopes.
func (c *Config) Scopes() []string {
	return splitList(c.OIDCScopes)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
