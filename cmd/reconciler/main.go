package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/carebridge/care-linking/internal/config"
	"github.com/carebridge/care-linking/internal/db"
	"github.com/carebridge/care-linking/internal/linking"
	redisclient "github.com/carebridge/care-linking/internal/redis"
)

// The reconciler watches for the one bounded inconsistency this system
// can produce: a request stranded in accepted with no backing link
// because a revert after a failed accept also failed. It only reports;
// repair is a deliberate operator action.

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("reconciler starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running reconciler in env=%s interval=%s", cfg.Env, cfg.ReconcileInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	requests := linking.NewPgRequestRepository(pgPool)
	links := linking.NewPgLinkRepository(pgPool)
	events := linking.NewPgEventRepository(pgPool)
	dir := linking.NewPgDirectory(pgPool)

	svc := linking.NewService(requests, links, events, dir, redisclient.NoopLocker{})

	// Run once at startup
	runOnce(rootCtx, svc)

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping reconciler")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc)
		}
	}
}

func runOnce(ctx context.Context, svc *linking.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	stranded, err := svc.FindStrandedAccepted(runCtx)
	if err != nil {
		log.Printf("reconcile run error: %v", err)
		return
	}

	for _, req := range stranded {
		log.Printf("RECONCILE: request %s accepted without a backing link (requester=%s doctor=%s resolved_at=%v)",
			req.ID, req.RequesterID, req.DoctorID, req.ResolvedAt)
	}

	log.Printf("reconcile run complete in %s, %d stranded request(s)", time.Since(start), len(stranded))
}
