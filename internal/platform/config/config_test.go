package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != "local" {
		t.Errorf("expected local environment, got %s", cfg.Environment)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Catalog.Dir != defaultCatalogDir {
		t.Errorf("expected default catalog dir, got %s", cfg.Catalog.Dir)
	}
	if cfg.Catalog.FetchTimeout != defaultCatalogFetchTimeout {
		t.Errorf("unexpected catalog fetch timeout: %s", cfg.Catalog.FetchTimeout)
	}
	if cfg.Session.CookieName != defaultSessionCookie {
		t.Errorf("expected default cookie, got %s", cfg.Session.CookieName)
	}
	if cfg.Session.Secure {
		t.Errorf("expected insecure cookie outside prod")
	}
	if len(cfg.Visualiser.MagicExcludedWalls) != 1 || cfg.Visualiser.MagicExcludedWalls[0] != "roof" {
		t.Errorf("expected roof excluded by default, got %v", cfg.Visualiser.MagicExcludedWalls)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"VIS_ENVIRONMENT":                  "prod",
		"VIS_PROJECT_ID":                   "vis-prod",
		"VIS_SERVER_PORT":                  "9090",
		"VIS_SERVER_IDLE_TIMEOUT":          "2m",
		"VIS_CATALOG_BUCKET":               "catalog-prod",
		"VIS_CATALOG_PREFIX":               "/visualiser/",
		"VIS_SESSION_SIGNING_KEY":          "secret://session/key",
		"VIS_STORAGE_EXPORTS_BUCKET":       "exports-prod",
		"VIS_JOBS_EXPORT_TOPIC":            "visualiser-exports",
		"VIS_DELIVERY_AUTH_TOKEN":          "sm://delivery/token",
		"VIS_IDEMPOTENCY_HEADER":           "X-Idem-Key",
		"VIS_IDEMPOTENCY_TTL":              "48h",
		"VIS_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
		"VIS_IDEMPOTENCY_CLEANUP_BATCH":    "500",
		"VIS_MAGIC_EXCLUDED_WALLS":         "roof, ceiling",
	}

	secrets := map[string]string{
		"secret://session/key":    "signing-key",
		"secret://delivery/token": "delivery-token",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Catalog.Prefix != "visualiser" {
		t.Errorf("expected trimmed prefix, got %s", cfg.Catalog.Prefix)
	}
	if cfg.Session.SigningKey != "signing-key" {
		t.Errorf("expected resolved signing key, got %s", cfg.Session.SigningKey)
	}
	if !cfg.Session.Secure {
		t.Errorf("expected secure cookie in prod")
	}
	if cfg.Delivery.AuthToken != "delivery-token" {
		t.Errorf("expected legacy sm:// reference resolved, got %s", cfg.Delivery.AuthToken)
	}
	if cfg.Firestore.ProjectID != "vis-prod" {
		t.Errorf("expected firestore project to default to service project, got %s", cfg.Firestore.ProjectID)
	}
	if len(cfg.Visualiser.MagicExcludedWalls) != 2 || cfg.Visualiser.MagicExcludedWalls[1] != "ceiling" {
		t.Errorf("unexpected excluded walls %v", cfg.Visualiser.MagicExcludedWalls)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("unexpected cleanup interval %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadPortFallsBackToPlatformPort(t *testing.T) {
	env := map[string]string{"PORT": "3000", "GOOGLE_CLOUD_PROJECT": "vis-run"}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "3000" {
		t.Errorf("expected PORT fallback, got %s", cfg.Server.Port)
	}
	if cfg.ProjectID != "vis-run" {
		t.Errorf("expected GOOGLE_CLOUD_PROJECT fallback, got %s", cfg.ProjectID)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "VIS_SERVER_PORT=7070\nVIS_CATALOG_DIR=/srv/catalog\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Catalog.Dir != "/srv/catalog" {
		t.Errorf("expected catalog dir from dotenv, got %s", cfg.Catalog.Dir)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	cases := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{
			name:  "signing key outside local",
			env:   map[string]string{"VIS_ENVIRONMENT": "staging"},
			field: "Session.SigningKey",
		},
		{
			name:  "project for export topic",
			env:   map[string]string{"VIS_JOBS_EXPORT_TOPIC": "exports"},
			field: "ProjectID",
		},
		{
			name:  "catalog source",
			env:   map[string]string{"VIS_CATALOG_DIR": ""},
			field: "Catalog",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), WithEnvMap(tc.env), WithoutSystemEnv(), WithEnvFile(""))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			found := false
			for _, field := range validation.Fields() {
				if field == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in %v", tc.field, validation.Fields())
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"VIS_SESSION_SIGNING_KEY": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "VIS_PROJECT_ID=dot-project\nVIS_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("VIS_PROJECT_ID", "os-project")
	t.Setenv("VIS_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"VIS_PROJECT_ID":          "override-project",
		"VIS_SECRET_VERSION_PINS": "secret://session/key=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["VIS_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["VIS_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["VIS_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["VIS_SECRET_VERSION_PINS"]; got != "secret://session/key=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Delivery.AuthToken"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Delivery.AuthToken")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Session.SigningKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Session.SigningKey"),
		WithPanicOnMissingSecrets(),
	)
}
