package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/config"
	"github.com/joelkehle/pat/internal/httpapi"
	"github.com/joelkehle/pat/internal/obscure"
	"github.com/joelkehle/pat/internal/pat"
	"github.com/joelkehle/pat/internal/report"
	"github.com/joelkehle/pat/internal/telemetry"
	"github.com/joelkehle/pat/internal/threadstore"
)

func main() {
	var (
		addr      = flag.String("addr", ":8095", "PAT server listen address")
		envFile   = flag.String("env-file", "", "Optional dotenv file (default: ./.env when present)")
		cacheSize = flag.Int("sessions", httpapi.DefaultCacheSize, "Maximum cached chat sessions")
		noPDF     = flag.Bool("no-pdf", false, "Disable PDF report rendering")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, "pat-server")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	store, err := threadstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("open thread store: %v", err)
	}
	defer store.Close()

	obscurer, err := obscure.New(cfg.CipherKey)
	if err != nil {
		log.Fatalf("cipher key: %v", err)
	}

	api := assistant.NewOpenAIWithBaseURL(cfg.OpenAIKey, cfg.OpenAIBaseURL)
	repairer := cfg.Repairer()
	metrics := telemetry.NewMetrics()

	var renderer report.Renderer
	if !*noPDF {
		renderer = report.NewChromiumRenderer()
	}

	handler, err := httpapi.NewServer(httpapi.Options{
		NewSession: func() (*pat.Session, error) {
			return pat.New(pat.Deps{
				API:      api,
				Store:    store,
				Obscurer: obscurer,
				Repairer: repairer,
				Metrics:  metrics,
			}, cfg.Session())
		},
		Renderer:  renderer,
		Metrics:   metrics,
		CacheSize: *cacheSize,
	})
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("pat-server listening on %s (db=%s, repair=%t)", *addr, cfg.DBDriver, repairer != nil)
	srv := &http.Server{Addr: *addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
