package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultEnvironment          = "local"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 30 * time.Second
	defaultCatalogDir           = "data"
	defaultCatalogFetchTimeout  = 10 * time.Second
	defaultSessionCookie        = "VIS_SESSION"
	defaultSessionTTL           = 30 * 24 * time.Hour
	defaultSignedURLTTL         = 15 * time.Minute
	defaultDeliveryTimeout      = 20 * time.Second
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultTemplatesDir         = "templates"
	defaultMagicExcluded        = "roof"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	LogLevel    string
	ProjectID   string
	Server      ServerConfig
	Catalog     CatalogConfig
	Session     SessionConfig
	Storage     StorageConfig
	Jobs        JobsConfig
	Delivery    DeliveryConfig
	Firestore   FirestoreConfig
	Idempotency IdempotencyConfig
	Templates   TemplatesConfig
	Visualiser  VisualiserConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// CatalogConfig selects where room manifests, brand colours and wall masks are read from.
// Exactly one of Bucket, BaseURL or Dir is used, in that order of preference.
type CatalogConfig struct {
	Dir          string
	BaseURL      string
	Bucket       string
	Prefix       string
	FetchTimeout time.Duration
}

// SessionConfig controls the signed visitor session cookie.
type SessionConfig struct {
	SigningKey string
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// StorageConfig lists the bucket and signing material used for export snapshots.
type StorageConfig struct {
	ExportsBucket   string
	CredentialsFile string
	SignedURLTTL    time.Duration
}

// JobsConfig names the Pub/Sub topic receiving export jobs.
type JobsConfig struct {
	ExportTopic string
}

// DeliveryConfig points at the HTTP export collaborator used when no topic is configured.
type DeliveryConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	// Collection holds export locks and replayable export replies.
	Collection string
}

// IdempotencyConfig controls idempotency middleware and export guard behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// TemplatesConfig locates page templates; Dev reparses them on every request.
type TemplatesConfig struct {
	Dir string
	Dev bool
}

// VisualiserConfig tunes wizard behaviour.
type VisualiserConfig struct {
	MagicExcludedWalls []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// Snapshot captures the resolved environment values used during loading so callers can construct
// dependent components (e.g., secret fetcher) with the same inputs.
type Snapshot struct {
	EnvFile         string
	Values          map[string]string
	ResolvedSecrets map[string]string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "Session.SigningKey").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	environment := strings.ToLower(stringWithDefault(lookup, "VIS_ENVIRONMENT", defaultEnvironment))
	projectID := stringWithDefault(lookup, "VIS_PROJECT_ID", stringWithDefault(lookup, "GOOGLE_CLOUD_PROJECT", ""))

	cfg := Config{
		Environment: environment,
		LogLevel:    stringWithDefault(lookup, "LOG_LEVEL", ""),
		ProjectID:   projectID,
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "VIS_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:    durationWithDefault(lookup, "VIS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "VIS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "VIS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "VIS_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Catalog: CatalogConfig{
			Dir:          stringWithDefault(lookup, "VIS_CATALOG_DIR", defaultCatalogDir),
			BaseURL:      stringWithDefault(lookup, "VIS_CATALOG_BASE_URL", ""),
			Bucket:       stringWithDefault(lookup, "VIS_CATALOG_BUCKET", ""),
			Prefix:       strings.Trim(stringWithDefault(lookup, "VIS_CATALOG_PREFIX", ""), "/"),
			FetchTimeout: durationWithDefault(lookup, "VIS_CATALOG_FETCH_TIMEOUT", defaultCatalogFetchTimeout),
		},
		Session: SessionConfig{
			SigningKey: stringWithDefault(lookup, "VIS_SESSION_SIGNING_KEY", ""),
			CookieName: stringWithDefault(lookup, "VIS_SESSION_COOKIE", defaultSessionCookie),
			TTL:        durationWithDefault(lookup, "VIS_SESSION_TTL", defaultSessionTTL),
			Secure:     boolWithDefault(lookup, "VIS_SESSION_SECURE", environment == "prod"),
		},
		Storage: StorageConfig{
			ExportsBucket:   stringWithDefault(lookup, "VIS_STORAGE_EXPORTS_BUCKET", ""),
			CredentialsFile: stringWithDefault(lookup, "VIS_STORAGE_CREDENTIALS_FILE", ""),
			SignedURLTTL:    durationWithDefault(lookup, "VIS_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Jobs: JobsConfig{
			ExportTopic: stringWithDefault(lookup, "VIS_JOBS_EXPORT_TOPIC", ""),
		},
		Delivery: DeliveryConfig{
			Endpoint:  stringWithDefault(lookup, "VIS_DELIVERY_ENDPOINT", ""),
			AuthToken: stringWithDefault(lookup, "VIS_DELIVERY_AUTH_TOKEN", ""),
			Timeout:   durationWithDefault(lookup, "VIS_DELIVERY_TIMEOUT", defaultDeliveryTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "VIS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "VIS_FIRESTORE_EMULATOR_HOST", ""),
			Collection:   stringWithDefault(lookup, "VIS_FIRESTORE_COLLECTION", "visualiser_export_locks"),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "VIS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "VIS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "VIS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "VIS_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Templates: TemplatesConfig{
			Dir: stringWithDefault(lookup, "VIS_TEMPLATES_DIR", defaultTemplatesDir),
			Dev: boolWithDefault(lookup, "VIS_DEV", false),
		},
		Visualiser: VisualiserConfig{
			MagicExcludedWalls: csvWithDefault(lookup, "VIS_MAGIC_EXCLUDED_WALLS", defaultMagicExcluded),
		},
	}

	resolvedSecrets := make(map[string]string)
	recordSecret := func(name, value string) {
		resolvedSecrets[name] = strings.TrimSpace(value)
	}

	// Firestore and Pub/Sub default to the service project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.ProjectID
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Session.SigningKey", &cfg.Session.SigningKey},
		{"Delivery.AuthToken", &cfg.Delivery.AuthToken},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		recordSecret(target.name, resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Catalog.Dir == "" && cfg.Catalog.BaseURL == "" && cfg.Catalog.Bucket == "" {
		missing = append(missing, "Catalog")
	}
	if cfg.Catalog.FetchTimeout <= 0 {
		missing = append(missing, "Catalog.FetchTimeout")
	}
	if cfg.Environment != defaultEnvironment && strings.TrimSpace(cfg.Session.SigningKey) == "" {
		missing = append(missing, "Session.SigningKey")
	}
	if strings.TrimSpace(cfg.Session.CookieName) == "" {
		missing = append(missing, "Session.CookieName")
	}
	if cfg.Jobs.ExportTopic != "" && cfg.ProjectID == "" {
		missing = append(missing, "ProjectID")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key, fallback string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = fallback
	}
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
