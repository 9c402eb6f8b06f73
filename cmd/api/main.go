package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"introbroker/internal/app"
	"introbroker/internal/archive"
	"introbroker/internal/config"
	"introbroker/internal/draft"
	"introbroker/internal/email"
	"introbroker/internal/enrich"
	"introbroker/internal/gitrepo"
	"introbroker/internal/notify"
	"introbroker/internal/search"
	"introbroker/internal/session"
	"introbroker/internal/store"
	"introbroker/internal/telemetry"
	"introbroker/internal/util"
)

// connectionBackend is the union of what the service and the enricher need
// from the selected connection store.
type connectionBackend interface {
	Ping(ctx context.Context) error
	CreateConnection(ctx context.Context, c store.Connection) (string, error)
	GetConnection(ctx context.Context, id string) (store.Connection, error)
	UpdateConnection(ctx context.Context, id string, patch store.ConnectionPatch) error
	ListByParty(ctx context.Context, userID string) ([]store.Connection, error)
	ListAll(ctx context.Context) ([]store.Connection, error)
	FindPeerConnection(ctx context.Context, userA, userB string) (*store.Connection, error)
}

// enrichStore joins connection reads and writes with deal lookups.
type enrichStore struct {
	connectionBackend
	deals interface {
		GetDeal(ctx context.Context, id string) (store.Deal, error)
	}
}

func (s enrichStore) GetDeal(ctx context.Context, id string) (store.Deal, error) {
	return s.deals.GetDeal(ctx, id)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "introbroker-api", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("telemetry setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
	}

	memory := store.NewMemoryStore()
	var (
		db          *sql.DB
		pg          *store.PostgresStore
		connections connectionBackend
		directory   interface {
			CreateUser(ctx context.Context, user store.User) error
			GetUserByID(ctx context.Context, id string) (store.User, error)
			GetUserByEmail(ctx context.Context, email string) (store.User, error)
			InsertDeal(ctx context.Context, deal store.Deal) error
			GetDeal(ctx context.Context, id string) (store.Deal, error)
		}
	)
	switch cfg.ConnectionStore {
	case "postgres":
		db, err = store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		pg = store.NewPostgresStore(db)
		connections, directory = pg, pg
		log.Printf("Using PostgreSQL for connections")
	case "redis":
		if redisClient == nil {
			log.Fatalf("INTRO_CONNECTION_STORE=redis requires REDIS_URL")
		}
		connections, directory = store.NewRedisConnectionStore(redisClient, "intro"), memory
		log.Printf("Using Redis for connections; users and deals stay in memory")
	case "memory":
		connections, directory = memory, memory
		log.Printf("Using in-memory storage; data is lost on restart")
	default:
		log.Fatalf("unknown INTRO_CONNECTION_STORE %q", cfg.ConnectionStore)
	}

	deps := app.Deps{
		Connections: connections,
		Directory:   directory,
		Sessions:    memory,
		Bus:         notify.NewBus(),
	}
	switch {
	case redisClient != nil:
		log.Printf("Using Redis for refresh tokens and mail credentials")
		deps.Sessions = session.NewRedisStoreWithClient(redisClient)
	case pg != nil:
		deps.Sessions = pg
	}

	if redisClient != nil {
		relay := notify.NewRedisRelay(deps.Bus, redisClient, cfg.EventsChannel, util.NewID("api"))
		deps.Publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Printf("event relay stopped: %v", err)
			}
		}()
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		deps.Drafts = draft.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	} else {
		log.Printf("OPENAI_API_KEY not set; drafts use the built-in template")
		deps.Drafts = draft.NewTemplateGenerator()
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		FromName: cfg.SMTPFromName,
		Domain:   cfg.SMTPDomain,
	})
	if mailer.IsConfigured() {
		deps.Mail = mailer
	} else {
		log.Printf("SMTP_HOST not set; outbound mail is logged, not delivered")
		deps.Mail = email.LoggingSender{}
	}

	if err := os.MkdirAll(cfg.DraftsDir, 0o755); err != nil {
		log.Fatalf("failed to create drafts dir: %v", err)
	}
	deps.History = gitrepo.New(cfg.DraftsDir)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveStore, err := archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("archive setup failed: %v", err)
		}
		deps.Archive = archiveStore
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	var fallback search.Searcher = search.NewScan(connections)
	if db != nil {
		fallback = search.NewPgFTS(db)
	}
	searchService := search.NewService(meiliClient, fallback, connections)
	defer searchService.Close()
	deps.Search = searchService

	enricher := enrich.New(enrichStore{connectionBackend: connections, deals: directory}, nil)
	enricher.OnEnriched = searchService.IndexConnection
	deps.Enricher = enricher

	service := app.New(cfg, deps)

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		admin, created, err := service.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminName)
		switch {
		case err != nil:
			log.Printf("WARNING: admin bootstrap failed: %v", err)
		case created:
			log.Printf("Created admin account %s", admin.Email)
		}
	}
	if meiliClient != nil {
		go searchService.ReindexAll(ctx)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Introductions API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	service.Drain()
	enricher.Wait()
}
