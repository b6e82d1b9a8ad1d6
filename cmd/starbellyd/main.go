// Command starbellyd runs the Subscription Engine as a standalone daemon:
// it loads configuration, opens the crawl store connection pool, and serves
// the auth-gated websocket subscribe endpoint until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starbelly/subscription-engine/auth"
	"github.com/starbelly/subscription-engine/config"
	"github.com/starbelly/subscription-engine/crawldb"
	"github.com/starbelly/subscription-engine/jobtracker"
	"github.com/starbelly/subscription-engine/server"
	"github.com/starbelly/subscription-engine/subscription"
)

func main() {
	configFlag := flag.String("c", "", "Path to YAML config file (optional; defaults are used if omitted)")
	listenFlag := flag.String("l", "", "Override listen_addr from the config file")
	tokenFlag := flag.String("t", "", "Override token_file from the config file")
	dbURLFlag := flag.String("db", "", "Postgres connection string for the crawl store")
	flag.Parse()

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}
	if *tokenFlag != "" {
		cfg.TokenFile = *tokenFlag
	}
	if cfg.TokenFile == "" {
		log.Fatal("token_file must be set in the config file or via -t")
	}
	if *dbURLFlag == "" {
		log.Fatal("-db (Postgres connection string) is required")
	}

	pool, err := pgxpool.New(context.Background(), *dbURLFlag)
	if err != nil {
		log.Fatalf("connecting to crawl store: %v", err)
	}
	defer pool.Close()

	authManager := auth.NewAuthManager(time.Hour)
	if err := authManager.LoadUsers(cfg.TokenFile); err != nil {
		log.Fatalf("loading token file: %v", err)
	}

	db := crawldb.New(pool)
	tracker := jobtracker.New()
	seq := subscription.NewSequence()
	manager := subscription.NewManager()

	srv := server.New(manager, seq, tracker, db, authManager, time.Duration(cfg.MinJobInterval), time.Duration(cfg.PollInterval))

	httpServer := http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctrlc
		slog.Info("shutting down")
		manager.CloseAll()
		httpServer.Close()
	}()

	slog.Info("listening", "addr", cfg.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		slog.Error("server closed", "error", err)
		os.Exit(1)
	}
	fmt.Println("starbellyd stopped")
}
