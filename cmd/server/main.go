package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/bulksms/backend/docs"
	"github.com/bulksms/backend/internal/config"
	"github.com/bulksms/backend/internal/database"
	"github.com/bulksms/backend/internal/handlers"
	"github.com/bulksms/backend/internal/logging"
	mW "github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/services"
)

// @title Bulk SMS Dashboard API
// @version 1.0
// @description Accounts, balance ledger, contacts, templates and SMS sending for the bulk SMS dashboard
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	if err := config.Init(); err != nil {
		logging.Fatal().Err(err).Msg("failed to read .env")
	}
	logging.Init(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
		Output: os.Stderr,
	})
	log := logging.Component("SERVER")

	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	docs.SwaggerInfo.Host = "localhost:" + viper.GetString("server.port")
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	ledger := services.NewLedgerService(db, redisClient, config.LoadLedgerConfig())
	sessions := services.NewSessionHub(redisClient)
	go sessions.Listen(ctx)

	authService := services.NewAuthService(db, redisClient, ledger, sessions)
	contactService := services.NewContactService(db)
	templateService := services.NewTemplateService(db)
	campaignService := services.NewCampaignService(db, ledger)
	apiKeyService := services.NewAPIKeyService(db)
	messageService := services.NewMessageService(db, ledger, contactService, templateService)

	balanceHandler := handlers.NewBalanceHandler(ledger, redisClient)
	pricingHandler := handlers.NewPricingHandler(ledger)
	messageHandler := handlers.NewMessageHandler(messageService)

	unsubscribe := authService.OnSessionChange(func(e services.SessionEvent) {
		log.Debug().Str("user_id", e.UserID).Str("kind", e.Kind).Msg("session changed")
	})
	defer unsubscribe()

	mW.InitAuthMiddleware(redisClient, apiKeyService)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(mW.CORS(viper.GetStringSlice("server.allowed_origins")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"status": status, "redis": redisClient != nil})
	})

	if viper.GetBool("metrics.enabled") {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	authLimit := httprate.LimitByIP(viper.GetInt("rate_limit.auth_per_min"), time.Minute)
	sendLimit := httprate.Limit(
		viper.GetInt("rate_limit.send_per_min"),
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			userID, _ := mW.UserIDFromContext(r.Context())
			return userID, nil
		}),
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.With(authLimit).Post("/auth/register", authService.Register)
		r.With(authLimit).Post("/auth/login", authService.Login)
		r.With(authLimit).Post("/auth/password/reset", authService.ForgotPassword)
		r.With(authLimit).Post("/auth/password/reset/confirm", authService.ConfirmPasswordReset)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/plans", pricingHandler.ListPlans)

		// Protected endpoints
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/me", authService.Me)
			r.Put("/auth/password", authService.ChangePassword)
			r.Put("/profile", authService.UpdateProfile)

			r.Get("/balance", balanceHandler.GetBalance)
			r.Post("/balance/top-up", balanceHandler.TopUp)
			r.Get("/balance/transactions", balanceHandler.ListTransactions)
			r.Get("/balance/transactions/export", balanceHandler.ExportTransactions)
			r.Get("/balance/verify", balanceHandler.VerifyLedger)

			r.Get("/subscription", pricingHandler.GetSubscription)
			r.Post("/subscription", pricingHandler.PurchaseSubscription)

			r.Post("/contacts", contactService.CreateContact)
			r.Get("/contacts", contactService.ListContacts)
			r.Post("/contacts/import", contactService.ImportContacts)
			r.Get("/contacts/{contactId}", contactService.GetContact)
			r.Put("/contacts/{contactId}", contactService.UpdateContact)
			r.Delete("/contacts/{contactId}", contactService.DeleteContact)

			r.Post("/groups", contactService.CreateGroupHandler)
			r.Get("/groups", contactService.ListGroupsHandler)
			r.Delete("/groups/{groupId}", contactService.DeleteGroupHandler)
			r.Post("/groups/{groupId}/contacts", contactService.AddGroupMembers)
			r.Delete("/groups/{groupId}/contacts/{contactId}", contactService.RemoveGroupMember)

			r.Post("/templates", templateService.CreateTemplate)
			r.Get("/templates", templateService.ListTemplates)
			r.Get("/templates/{templateId}", templateService.GetTemplate)
			r.Put("/templates/{templateId}", templateService.UpdateTemplate)
			r.Delete("/templates/{templateId}", templateService.DeleteTemplate)
			r.Post("/templates/{templateId}/render", templateService.PreviewTemplate)

			r.With(sendLimit).Post("/messages", messageHandler.SendMessage)
			r.Get("/messages", messageHandler.ListMessages)
			r.Get("/messages/report", messageHandler.DeliveryReport)
			r.Post("/messages/estimate", messageHandler.EstimateCost)

			r.Post("/campaigns", campaignService.CreateCampaign)
			r.Get("/campaigns", campaignService.ListCampaigns)
			r.Get("/campaigns/{campaignId}", campaignService.GetCampaign)
			r.Put("/campaigns/{campaignId}/status", campaignService.UpdateCampaignStatus)

			r.Post("/api-keys", apiKeyService.CreateAPIKey)
			r.Get("/api-keys", apiKeyService.ListAPIKeys)
			r.Delete("/api-keys/{keyId}", apiKeyService.RevokeAPIKey)
		})
	})

	server := &http.Server{
		Addr:         ":" + viper.GetString("server.port"),
		Handler:      r,
		ReadTimeout:  viper.GetDuration("server.read_timeout"),
		WriteTimeout: viper.GetDuration("server.write_timeout"),
		IdleTimeout:  viper.GetDuration("server.idle_timeout"),
	}

	// Graceful shutdown
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
