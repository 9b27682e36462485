package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
	"finitefield.org/colour-visualiser/internal/export"
	"finitefield.org/colour-visualiser/internal/handlers"
	"finitefield.org/colour-visualiser/internal/masks"
	"finitefield.org/colour-visualiser/internal/middleware"
	"finitefield.org/colour-visualiser/internal/platform/config"
	"finitefield.org/colour-visualiser/internal/platform/idempotency"
	"finitefield.org/colour-visualiser/internal/platform/jobs"
	"finitefield.org/colour-visualiser/internal/platform/observability"
	"finitefield.org/colour-visualiser/internal/platform/secrets"
	platformstorage "finitefield.org/colour-visualiser/internal/platform/storage"
)

func main() {
	ctx := context.Background()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("visualiser")
	ctx = observability.WithLogger(ctx, logger)

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var (
		storageClient *cloudstorage.Client
		objects       *platformstorage.Objects
	)
	if cfg.Catalog.Bucket != "" || cfg.Storage.ExportsBucket != "" {
		storageClient, err = cloudstorage.NewClient(ctx, storageClientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		objects, err = platformstorage.NewObjects(storageClient)
		if err != nil {
			logger.Fatal("failed to initialise storage objects", zap.Error(err))
		}
	}

	source, err := newCatalogSource(cfg.Catalog, objects)
	if err != nil {
		logger.Fatal("failed to initialise catalog source", zap.Error(err))
	}
	logger.Info("catalog source selected", zap.String("kind", catalogSourceKind(cfg.Catalog)))

	store, err := catalog.NewStore(catalog.StoreDeps{
		Source:       source,
		Logger:       logger,
		FetchTimeout: cfg.Catalog.FetchTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog store", zap.Error(err))
	}
	maskResolver, err := masks.NewResolver(masks.ResolverDeps{
		Source:       source,
		Logger:       logger,
		FetchTimeout: cfg.Catalog.FetchTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise mask resolver", zap.Error(err))
	}
	renderer, err := composite.NewRenderer(composite.RendererDeps{Photos: source, Logger: logger})
	if err != nil {
		logger.Fatal("failed to initialise renderer", zap.Error(err))
	}

	idempotencyStore, closeIdempotency := newIdempotencyStore(ctx, logger, cfg)
	defer closeIdempotency()
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)
	guard, err := idempotency.NewGuard(idempotencyStore, "export", cfg.Delivery.Timeout*2)
	if err != nil {
		logger.Fatal("failed to initialise export guard", zap.Error(err))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		idempotency.RunCleanup(cleanupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval,
			cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	deliverer, closeDeliverer, err := newDeliverer(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise export deliverer", zap.Error(err))
	}
	defer closeDeliverer()

	exportDeps := export.ServiceDeps{
		Deliverer: deliverer,
		Guard:     guard,
		Masks:     maskResolver,
		Renderer:  renderer,
		Logger:    logger,
	}
	if objects != nil && cfg.Storage.ExportsBucket != "" {
		signer, err := newURLSigner(cfg.Storage)
		if err != nil {
			logger.Warn("export snapshots disabled; signed urls unavailable", zap.Error(err))
		} else {
			exportDeps.Objects = objects
			exportDeps.Signer = signer
			exportDeps.Bucket = cfg.Storage.ExportsBucket
			exportDeps.SignedURLTTL = cfg.Storage.SignedURLTTL
		}
	}
	exports, err := export.NewService(exportDeps)
	if err != nil {
		logger.Fatal("failed to initialise export service", zap.Error(err))
	}

	sessions, err := middleware.NewSessions(middleware.SessionOptions{
		SigningKey: cfg.Session.SigningKey,
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
		Secure:     cfg.Session.Secure,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to initialise sessions", zap.Error(err))
	}
	templates, err := handlers.NewTemplates(templatesDir(cfg.Templates), cfg.Templates.Dev)
	if err != nil {
		logger.Fatal("failed to parse templates", zap.Error(err))
	}

	visualiser, err := handlers.NewVisualiser(handlers.VisualiserDeps{
		Catalog:            store,
		Assets:             source,
		Masks:              maskResolver,
		Renderer:           renderer,
		Exports:            exports,
		Sessions:           sessions,
		Templates:          templates,
		ExportMiddleware:   []func(http.Handler) http.Handler{idempotencyMiddleware},
		MagicExcludedWalls: cfg.Visualiser.MagicExcludedWalls,
		MaskTimeout:        cfg.Catalog.FetchTimeout,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("failed to initialise visualiser handlers", zap.Error(err))
	}

	warmCtx, warmCancel := context.WithTimeout(ctx, cfg.Catalog.FetchTimeout)
	statuses := store.Snapshot(warmCtx).Statuses()
	warmCancel()
	logger.Info("catalog warmed",
		zap.String("rooms", statuses.Rooms.String()),
		zap.String("brands", statuses.Brands.String()),
	)

	projectID := cfg.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}
	healthHandlers := handlers.NewHealthHandlers(handlers.WithReadinessCheck(handlers.CatalogReadiness(store)))

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithVisualiserRoutes(func(r chi.Router) { visualiser.Routes(r) }),
	}
	if !cfg.Templates.Dev {
		opts = append(opts, handlers.WithStaticHandler(middleware.AssetsWithCache(handlers.StaticFS(), "/static")))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("colour visualiser listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}
	project := lookup("VIS_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("VIS_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if path := lookup("VIS_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if pins := parseKeyValueList(lookup("VIS_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentials := lookup("VIS_SECRET_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewResolver(ctx, opts...)
}

func storageClientOptions(cfg config.Config) []option.ClientOption {
	if cfg.Storage.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.Storage.CredentialsFile)}
}

// newCatalogSource prefers a bucket, then a base URL, then a local directory. Absolute
// URLs inside manifests are always fetched over HTTP.
func newCatalogSource(cfg config.CatalogConfig, objects *platformstorage.Objects) (catalog.Source, error) {
	remote, err := catalog.NewHTTPSource("", &http.Client{Timeout: cfg.FetchTimeout})
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Bucket != "":
		if objects == nil {
			return nil, errors.New("catalog bucket configured without storage client")
		}
		local, err := catalog.NewGCSSource(objects, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return catalog.RoutingSource{Local: local, Remote: remote}, nil
	case cfg.BaseURL != "":
		return catalog.NewHTTPSource(cfg.BaseURL, &http.Client{Timeout: cfg.FetchTimeout})
	default:
		return catalog.RoutingSource{Local: catalog.NewDirSource(cfg.Dir), Remote: remote}, nil
	}
}

func catalogSourceKind(cfg config.CatalogConfig) string {
	switch {
	case cfg.Bucket != "":
		return "gcs"
	case cfg.BaseURL != "":
		return "http"
	default:
		return "dir"
	}
}

func newIdempotencyStore(ctx context.Context, logger *zap.Logger, cfg config.Config) (idempotency.Store, func()) {
	if cfg.Firestore.ProjectID == "" {
		logger.Info("idempotency records kept in memory")
		return idempotency.NewMemoryStore(), func() {}
	}
	if cfg.Firestore.EmulatorHost != "" {
		_ = os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.Firestore.EmulatorHost)
	}
	client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
	if err != nil {
		logger.Warn("firestore unavailable; idempotency records kept in memory", zap.Error(err))
		return idempotency.NewMemoryStore(), func() {}
	}
	return idempotency.NewFirestoreStore(client, cfg.Firestore.Collection), func() {
		if err := client.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}
}

func newDeliverer(ctx context.Context, logger *zap.Logger, cfg config.Config) (export.Deliverer, func(), error) {
	if topicID := cfg.Jobs.ExportTopic; topicID != "" {
		if cfg.ProjectID == "" {
			return nil, nil, errors.New("export topic configured without project id")
		}
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(topicID)
		publisher, err := jobs.NewPubSubExportPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		logger.Info("exports published to pubsub", zap.String("topic", topicID))
		return publisher, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	}

	deliverer, err := export.NewHTTPDeliverer(export.HTTPDelivererDeps{
		Endpoint:  cfg.Delivery.Endpoint,
		AuthToken: cfg.Delivery.AuthToken,
		Timeout:   cfg.Delivery.Timeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Delivery.Endpoint == "" {
		logger.Warn("no export endpoint configured; exports are acknowledged locally")
	}
	return deliverer, func() {}, nil
}

func newURLSigner(cfg config.StorageConfig) (*platformstorage.URLSigner, error) {
	if cfg.CredentialsFile == "" {
		return nil, errors.New("storage credentials file is required for signed urls")
	}
	keySigner, err := platformstorage.LoadKeySigner(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return platformstorage.NewURLSigner(keySigner)
}

func templatesDir(cfg config.TemplatesConfig) string {
	if !cfg.Dev {
		return ""
	}
	if info, err := os.Stat(cfg.Dir); err == nil && info.IsDir() {
		return cfg.Dir
	}
	return ""
}

func parseKeyValueList(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}
