package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acadeveia/server/internal/auth"
	"github.com/acadeveia/server/internal/config"
	"github.com/acadeveia/server/internal/db"
	httphandler "github.com/acadeveia/server/internal/http"
	"github.com/acadeveia/server/internal/http/handlers"
	"github.com/acadeveia/server/internal/middleware"
	"github.com/acadeveia/server/internal/realtime"
	"github.com/acadeveia/server/internal/repo"
	"github.com/acadeveia/server/internal/sms"
	"github.com/joho/godotenv"
)

type repositories struct {
	otp      repo.OtpRepo
	users    repo.UserRepo
	refresh  repo.RefreshRepo
	rooms    repo.RoomRepo
	messages repo.MessageRepo
}

func main() {
	// Load .env from CWD or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, database := openStorage(ctx, cfg)
	if database != nil {
		defer database.Close()
	}

	if cfg.OTPDevMode {
		log.Printf("OTP dev mode is ON: every code is %s", auth.DevOTPCode)
	}
	otpService := auth.NewOtpService(repos.otp, sms.NewLogSender(nil), auth.OtpOptions{
		Salt:        cfg.OTPSalt,
		ProductName: cfg.ProductName,
		TTL:         cfg.OTPTTL,
		DevMode:     cfg.OTPDevMode,
	})
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := auth.NewAuthService(otpService, jwtService, repos.users, repos.refresh, cfg.RefreshTokenTTL)

	broker := openBroker(ctx, cfg)
	defer broker.Close()

	hub := realtime.NewHub(repos.rooms, repos.messages, broker, realtime.Options{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	})
	go hub.Run(ctx)

	sendLimiter := middleware.NewRateLimiter(cfg.IPLimitWindow, cfg.SendOTPIPLimit)
	defer sendLimiter.Stop()
	verifyLimiter := middleware.NewRateLimiter(cfg.IPLimitWindow, cfg.VerifyOTPIPLimit)
	defer verifyLimiter.Stop()

	router := httphandler.NewRouter(httphandler.RouterDeps{
		AuthHandler:   handlers.NewAuthHandler(authService, otpService, cfg.OTPDevMode),
		ChatHandler:   handlers.NewChatHandler(repos.rooms, repos.messages, hub),
		WSHandler:     handlers.NewWSHandler(hub),
		JWTService:    jwtService,
		UserRepo:      repos.users,
		SendLimiter:   sendLimiter,
		VerifyLimiter: verifyLimiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s (storage=%s)", cfg.Port, cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	log.Println("Server exited")
}

func openStorage(ctx context.Context, cfg *config.Config) (repositories, *sql.DB) {
	if cfg.Storage == config.StorageMemory {
		log.Println("Using in-memory storage; data is lost on restart")
		mem := repo.NewMemoryDB()
		return repositories{
			otp:      repo.NewMemoryOtpRepo(mem),
			users:    repo.NewMemoryUserRepo(mem),
			refresh:  repo.NewMemoryRefreshRepo(mem),
			rooms:    repo.NewMemoryRoomRepo(mem),
			messages: repo.NewMemoryMessageRepo(mem),
		}, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	return repositories{
		otp:      repo.NewOtpRepo(database),
		users:    repo.NewUserRepo(database),
		refresh:  repo.NewRefreshRepo(database),
		rooms:    repo.NewRoomRepo(database),
		messages: repo.NewMessageRepo(database),
	}, database
}

func openBroker(ctx context.Context, cfg *config.Config) realtime.Broker {
	if cfg.RedisURL == "" {
		return realtime.NewLocalBroker()
	}
	broker, err := realtime.NewRedisBroker(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Fan-out via Redis enabled")
	return broker
}
