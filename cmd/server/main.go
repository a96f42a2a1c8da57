package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bousaiwebui "github.com/MegaGrindStone/bousai-web-ui"
	"github.com/MegaGrindStone/bousai-web-ui/internal/handlers"
	"github.com/MegaGrindStone/bousai-web-ui/internal/routemap"
	"github.com/MegaGrindStone/bousai-web-ui/internal/services"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const errLoggerKey = "err"

func main() {
	cfgPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(fmt.Errorf("error loading config: %w", err))
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()}))

	vertexClient, err := services.NewVertexHTTPClient(context.Background(), cfg.Vertex.CredentialsFile)
	if err != nil {
		logger.Error("Failed to create Vertex client", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	vertex := services.NewVertex(cfg.Vertex.endpointURL(), vertexClient, logger)

	// Conversations reach the endpoint through the server's own proxy, like any other client would.
	predictor := services.NewPredictClient(fmt.Sprintf("http://127.0.0.1:%s/api/predict", cfg.Port), &http.Client{})

	directions, err := services.NewDirections(cfg.Maps.APIKey, logger)
	if err != nil {
		logger.Error("Failed to create Directions client", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	renderer := routemap.NewRenderer(directions, logger)

	m, err := handlers.NewMain(predictor, vertex, renderer, cfg.Maps.APIKey, cfg.StreamInterval, logger)
	if err != nil {
		logger.Error("Failed to create handlers", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(bousaiwebui.StaticFS, "static")
	if err != nil {
		logger.Error("Failed to open static files", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	r.Get("/health", m.HandleHealth)
	r.HandleFunc("/", m.HandleHome)
	r.HandleFunc("/chats", m.HandleChats)
	r.HandleFunc("/api/predict", m.HandlePredict)
	r.Get("/sse", m.HandleSSE)
	r.Get("/speech", m.HandleSpeech)
	r.HandleFunc("/speech/toggle", m.HandleSpeechToggle)
	r.HandleFunc("/maps/view", m.HandleMapView)
	r.HandleFunc("/maps/select", m.HandleMapSelect)
	r.HandleFunc("/maps/close", m.HandleMapClose)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown handlers", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}

// requestLogger logs every request once it has been served, tagged with the id set by
// chimiddleware.RequestID.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("module", "http"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("Request served",
				slog.String("requestID", chimiddleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
