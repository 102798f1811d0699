package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chamavault/backend/docs"
	"github.com/chamavault/backend/internal/config"
	"github.com/chamavault/backend/internal/database"
	"github.com/chamavault/backend/internal/handlers"
	mW "github.com/chamavault/backend/internal/middleware"
	"github.com/chamavault/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title ChamaVault Backend API
// @version 1.0
// @description API for chama group savings, wallets, loans and contributions
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "ChamaVault Backend API"
	docs.SwaggerInfo.Description = "API for chama group savings, wallets, loans and contributions"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	railClients := services.NewRailClients(config.LoadRailsConfig())

	authService := services.NewAuthService(db, redisClient)
	walletService := services.NewWalletService(db, redisClient)
	chamaService := services.NewChamaService(db, redisClient)
	loanService := services.NewLoanService(db, redisClient)
	contributionService := services.NewContributionService(db, redisClient)
	paymentService := services.NewPaymentService(db, redisClient, railClients)
	notifier := services.NewNotifier(db, redisClient)
	qrService := services.NewQRService(db, redisClient)
	qrHandler := handlers.NewQRHandler(db, qrService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Background reconciliation of stuck payments
	reconcilerCtx, stopReconciler := context.WithCancel(context.Background())
	reconciler := services.NewReconciler(db, paymentService, railClients, config.LoadReconcilerConfig())
	go reconciler.Run(reconcilerCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Post("/auth/request-otp", authService.RequestOTP)
		r.Post("/auth/verify-otp", authService.VerifyOTP)

		// Rail webhooks authenticate by payment reference, not by user token
		r.Post("/payments/{rail}/callback", paymentService.HandleCallback)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/profile", authService.GetProfile)

			// Wallet endpoints
			r.Get("/wallets", walletService.ListWallets)
			r.Get("/wallets/{walletId}/balance", walletService.BalanceEnquiry)
			r.Post("/wallets/send", walletService.Send)
			r.Post("/wallets/lock", walletService.Lock)
			r.Post("/wallets/unlock", walletService.Unlock)
			r.Post("/wallets/topup", paymentService.TopUp)
			r.Post("/wallets/withdraw", paymentService.Withdraw)

			// Chama endpoints
			r.Post("/chamas", chamaService.CreateChama)
			r.Post("/chamas/{chamaId}/join", chamaService.JoinChama)
			r.Put("/chamas/{chamaId}/members/{userId}/role", chamaService.AssignRole)
			r.Post("/chamas/{chamaId}/announcements", chamaService.Announce)
			r.Get("/chamas/{chamaId}/activity", chamaService.ListActivity)

			// Loan endpoints
			r.Post("/chamas/{chamaId}/loans", loanService.RequestLoan)
			r.Get("/chamas/{chamaId}/loans", loanService.ListLoans)
			r.Post("/loans/{loanId}/approve", loanService.ApproveLoan)
			r.Post("/loans/{loanId}/repay", loanService.RepayLoan)

			// Contribution endpoints
			r.Post("/chamas/{chamaId}/contributions", contributionService.RecordContribution)
			r.Get("/chamas/{chamaId}/contributions", contributionService.ListContributions)
			r.Post("/contributions/{contributionId}/verify", contributionService.VerifyContribution)

			// Notification endpoints
			r.Get("/notifications", notifier.ListNotifications)
			r.Put("/notifications/{notificationId}/read", notifier.MarkNotificationRead)

			// QR endpoints
			r.Post("/qr/generate", qrHandler.GenerateQR)
			r.Post("/qr/process", qrHandler.ProcessQR)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopReconciler()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
