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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/openlot/backend/docs"
	"github.com/openlot/backend/internal/database"
	"github.com/openlot/backend/internal/events"
	"github.com/openlot/backend/internal/handlers"
	mW "github.com/openlot/backend/internal/middleware"
	"github.com/openlot/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title OpenLot Marketplace API
// @version 1.0
// @description Online auction marketplace: listings, bids, escrowed wallets and settlement
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

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

	viper.BindEnv("commission.percentage", "COMMISSION_PERCENTAGE")
	viper.BindEnv("commission.fixed", "COMMISSION_FIXED")
	viper.BindEnv("sweep.interval", "SWEEP_INTERVAL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "OpenLot Marketplace API"
	docs.SwaggerInfo.Description = "Online auction marketplace: listings, bids, escrowed wallets and settlement"
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

	publisher := events.NewPublisher(redisClient)
	ledgerService := services.NewLedgerService(db)
	escrowService := services.NewEscrowService(ledgerService)
	auctionService := services.NewAuctionService(db, ledgerService)
	bidService := services.NewBidService(db, ledgerService, escrowService, auctionService, publisher)
	settlementService := services.NewSettlementService(db, ledgerService, escrowService, auctionService, publisher)
	walletService := services.NewWalletService(db, ledgerService, publisher)
	authService := services.NewAuthService(db, redisClient)
	adminHandler := handlers.NewAdminHandler(auctionService, settlementService, walletService, ledgerService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Time-driven transitions and auto-settlement
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := services.NewSweeper(db, settlementService)
	go sweeper.Run(sweepCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
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
		r.Get("/auctions", auctionService.ListAuctions)
		r.Get("/auctions/{auctionId}", auctionService.GetAuction)
		r.Get("/auctions/{auctionId}/bids", bidService.ListBidsHandler)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			r.Post("/auctions", auctionService.CreateAuction)
			r.Post("/auctions/{auctionId}/bids", bidService.PlaceBidHandler)

			r.Get("/wallet/balance", walletService.GetBalance)
			r.Get("/wallet/transactions", walletService.ListTransactions)
			r.Post("/wallet/deposits", walletService.CreateDeposit)
			r.Post("/wallet/withdrawals", walletService.CreateWithdrawal)

			// Moderation endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireAdmin)

				r.Put("/admin/auctions/{auctionId}/status", adminHandler.TransitionAuction)
				r.Post("/admin/auctions/{auctionId}/settle", adminHandler.SettleAuction)
				r.Put("/admin/transactions/{txId}", adminHandler.ReviewTransaction)
				r.Get("/admin/wallets/{userId}/replay", adminHandler.ReplayWallet)
			})
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
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
