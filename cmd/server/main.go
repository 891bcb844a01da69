package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/phoenixgw/gateway/config"
	"github.com/phoenixgw/gateway/internal/accounts"
	"github.com/phoenixgw/gateway/internal/db"
	"github.com/phoenixgw/gateway/internal/gateway"
	"github.com/phoenixgw/gateway/internal/redisbridge"
	"github.com/phoenixgw/gateway/internal/registry"
	"github.com/phoenixgw/gateway/internal/token"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	postgres := db.NewPostgres(cfg)
	redisClient := db.NewRedis(cfg)
	defer postgres.Close()

	// ── Core runtime ───────────────────────────────────────────────────────
	verifier := token.NewVerifier(cfg.JWT.Secret)
	publisher := redisbridge.NewPublisher(redisClient)
	reg := registry.New(redisClient, publisher, cfg.Gateway.BusCapacity)
	gw := gateway.NewServer(reg, verifier, publisher, cfg.Gateway.IDLength, cfg.Gateway.MaxMessageSize, cfg.Gateway.PongWaitSecs)

	rootCtx, stopTasks := context.WithCancel(context.Background())
	defer stopTasks()
	go gateway.RunDatetimeBroadcaster(rootCtx, reg, "system", time.Second)

	// ── Accounts companion (token minting, out of the core's scope) ───────
	accountStore := accounts.NewStore(postgres)
	minter := token.NewMinter(cfg.JWT.Secret, cfg.JWT.ExpirationSecs)
	authHandler := accounts.NewAuthHandler(accountStore, minter)

	// ── Router ──────────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/auth/login", authHandler.Login)
	}

	protected := api.Group("")
	protected.Use(accounts.Auth(verifier))
	{
		protected.GET("/auth/me", authHandler.Me)
	}

	// ── WebSocket upgrade: the Phoenix Channels v2 gateway itself ──────────
	r.GET("/ws", func(c *gin.Context) {
		gw.ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("gateway listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	stopTasks()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown: %v", err)
	}

	log.Println("shutdown complete")
}
