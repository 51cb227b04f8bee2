package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexconsult/lexconsult/internal/config"
	"github.com/lexconsult/lexconsult/internal/domain/consultation"
	"github.com/lexconsult/lexconsult/internal/platform/auth"
	"github.com/lexconsult/lexconsult/internal/platform/db"
	"github.com/lexconsult/lexconsult/internal/platform/lock"
	"github.com/lexconsult/lexconsult/internal/platform/middleware"
	"github.com/lexconsult/lexconsult/internal/platform/notification"
	"github.com/lexconsult/lexconsult/internal/platform/payment"
	"github.com/lexconsult/lexconsult/internal/platform/signaling"
	"github.com/lexconsult/lexconsult/internal/platform/websocket"
	"github.com/lexconsult/lexconsult/migrations"
)

const (
	signalingIssuer = "lexconsult"
	requestBodyMax  = "1M"
	shutdownTimeout = 15 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lexconsult-server",
		Short: "Legal consultation booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetString("seed")
			return runServer(seed)
		},
	}
	cmd.Flags().String("seed", "", "JSON file of users to load into the memory store")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				v, err := m.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Database is at version %d.\n", v)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	// migrate list works offline against the embedded files.
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List embedded migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := db.ListMigrations(migrations.FS)
			if err != nil {
				return err
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(ctx context.Context, m *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrations require STORE=%s", config.StorePostgres)
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	m := db.NewMigrator(pool, migrations.FS, logger)
	defer m.Close()
	return fn(ctx, m)
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %s\n", "VERSION", "NAME", "STATUS")
	fmt.Fprintln(w, "---------- ---------------------------------------- ----------")
	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		fmt.Fprintf(w, "%-10d %-40s %s\n", s.Version, s.Name, state)
	}
}

// server is the assembled HTTP application and the resources it owns.
type server struct {
	echo    *echo.Echo
	svc     *consultation.Service
	closers []func()
}

func (s *server) Close() {
	s.svc.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func runServer(seedPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	var seed []*consultation.User
	if seedPath != "" {
		f, err := os.Open(seedPath)
		if err != nil {
			return fmt.Errorf("open seed file: %w", err)
		}
		seed, err = loadSeedUsers(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	srv, err := newServer(ctx, cfg, logger, seed)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer srv.Close()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires configuration into a ready-to-start server.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, seed []*consultation.User) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		for i := len(srv.closers) - 1; i >= 0; i-- {
			srv.closers[i]()
		}
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	checks := map[string]db.Check{}

	// Store
	var (
		repo consultation.Repository
		pool *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StoreMemory:
		mem := consultation.NewMemoryRepository()
		for _, u := range seed {
			mem.PutUser(u)
		}
		repo = mem
		logger.Warn().Int("seed_users", len(seed)).Msg("using in-memory store; data is lost on restart")
	default:
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		srv.closers = append(srv.closers, pool.Close)
		checks["postgres"] = pool.Ping
		repo = consultation.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	}

	// Per-lawyer booking lock
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { rdb.Close() })
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		locker = lock.NewRedisLocker(rdb, 0, logger)
		logger.Info().Msg("using redis booking locks")
	}

	// Notifications
	dispatcher, err := newDispatcher(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}

	// Signaling
	secret, generated, err := resolveSignalingSecret(cfg.SignalingSecret)
	if err != nil {
		return fail(err)
	}
	if generated {
		logger.Warn().Msg("SIGNALING_SECRET not set; using a random per-process secret")
	}
	provider, err := signaling.NewJWTProvider(secret, signalingIssuer)
	if err != nil {
		return fail(err)
	}

	hub := websocket.NewHub(logger)

	srv.svc = consultation.NewService(repo, consultation.Options{
		Locker:         locker,
		Notifier:       dispatcher,
		Events:         hub,
		Signaling:      provider,
		Location:       loc,
		TokenTTL:       cfg.SessionTokenTTL,
		MeetingBaseURL: cfg.MeetingBaseURL,
		Logger:         logger,
	})

	payments, err := newPaymentParser(cfg)
	if err != nil {
		return fail(err)
	}
	if payments == nil {
		logger.Warn().Msg("PAYMENT_WEBHOOK_SECRET not set; payment webhook disabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(requestBodyMax))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", db.HealthHandler(nil, nil))
	e.GET("/health/db", db.HealthHandler(pool, checks))

	// Realtime events
	websocket.NewHandler(hub, auth.UserIDFromContext, topicAuthorizer(srv.svc)).RegisterRoutes(e.Group(""))

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	consultation.NewHandler(srv.svc, payments, logger).RegisterRoutes(apiV1)
	notification.NewHandler(dispatcher, auth.UserIDFromContext).RegisterRoutes(apiV1)

	srv.echo = e
	return srv, nil
}

func newDispatcher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*notification.Dispatcher, error) {
	logSender := notification.NewLogSender(logger)

	var email notification.EmailSender = logSender
	if cfg.SendGridAPIKey != "" {
		name, addr, err := parseMailFrom(cfg.MailFrom)
		if err != nil {
			return nil, err
		}
		email = notification.NewSendGridSender(cfg.SendGridAPIKey, addr, name)
	}

	var push notification.PushSender = logSender
	if cfg.FirebaseCredentialsFile != "" {
		fcm, err := notification.NewFCMSender(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, err
		}
		push = fcm
	}

	return notification.NewDispatcher(email, push, notification.NewTemplateEngine()), nil
}

// newPaymentParser returns nil when no webhook secret is configured.
func newPaymentParser(cfg *config.Config) (payment.Parser, error) {
	if cfg.PaymentWebhookSecret == "" {
		return nil, nil
	}
	switch cfg.PaymentProvider {
	case config.PaymentStripe:
		return payment.NewStripeParser(cfg.PaymentWebhookSecret), nil
	case config.PaymentHMAC, "":
		return payment.NewHMACParser(cfg.PaymentWebhookSecret), nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", cfg.PaymentProvider)
}

// topicAuthorizer lets a user subscribe only to consultations they are a
// party to.
func topicAuthorizer(svc *consultation.Service) websocket.TopicAuthorizer {
	return func(ctx context.Context, userID, topic string) bool {
		id, ok := strings.CutPrefix(topic, websocket.TopicPrefix)
		if !ok {
			return false
		}
		cid, err := uuid.Parse(id)
		if err != nil {
			return false
		}
		uid, err := uuid.Parse(userID)
		if err != nil {
			return false
		}
		return svc.CanView(ctx, uid, cid)
	}
}

// parseMailFrom splits MAIL_FROM ("Name <addr>" or a bare address).
func parseMailFrom(s string) (name, addr string, err error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", "", fmt.Errorf("invalid MAIL_FROM %q: %w", s, err)
	}
	return a.Name, a.Address, nil
}

// resolveSignalingSecret returns the configured secret or generates a random
// 32-byte one. The second return value is true when a random secret was
// generated.
func resolveSignalingSecret(configured string) ([]byte, bool, error) {
	if configured != "" {
		return []byte(configured), false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signaling secret: %w", err)
	}
	return key, true, nil
}

// loadSeedUsers decodes a JSON array of users for the memory store.
func loadSeedUsers(r io.Reader) ([]*consultation.User, error) {
	var raw []struct {
		ID          uuid.UUID `json:"id"`
		Role        string    `json:"role"`
		DisplayName string    `json:"display_name"`
		Email       string    `json:"email"`
		Phone       string    `json:"phone"`
		PushToken   string    `json:"push_token"`
		Active      *bool     `json:"active"`
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode seed users: %w", err)
	}

	users := make([]*consultation.User, 0, len(raw))
	for i, u := range raw {
		if u.ID == uuid.Nil {
			return nil, fmt.Errorf("seed user %d: id is required", i)
		}
		role := consultation.Role(u.Role)
		switch role {
		case consultation.RoleClient, consultation.RoleLawyer, consultation.RoleAdmin:
		default:
			return nil, fmt.Errorf("seed user %s: unknown role %q", u.ID, u.Role)
		}
		active := u.Active == nil || *u.Active
		users = append(users, &consultation.User{
			ID:          u.ID,
			Role:        role,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			Phone:       u.Phone,
			PushToken:   u.PushToken,
			Active:      active,
		})
	}
	return users, nil
}
