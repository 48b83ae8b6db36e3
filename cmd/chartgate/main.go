package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/chartgate/chartgate/internal/cache"
	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/config"
	"github.com/chartgate/chartgate/internal/conn"
	"github.com/chartgate/chartgate/internal/coordinator"
	"github.com/chartgate/chartgate/internal/core"
	"github.com/chartgate/chartgate/internal/fanout"
	"github.com/chartgate/chartgate/internal/gateway"
	"github.com/chartgate/chartgate/internal/kvstore"
	"github.com/chartgate/chartgate/internal/metrics"
	"github.com/chartgate/chartgate/internal/middleware"
	"github.com/chartgate/chartgate/internal/pool"
	"github.com/chartgate/chartgate/internal/protocol"
	"github.com/chartgate/chartgate/internal/session"
	"github.com/chartgate/chartgate/internal/vendorhttp"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chartgate",
		Short: "Connection-pooled gateway to the upstream charting vendor",
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the reference SQLite session store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.MustLoad()
			store, err := kvstore.OpenSQLStore(cmd.Context(), cfg.KVStorePath)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer store.Close()
			fmt.Printf("chartgate: sessions table ready at %s\n", cfg.KVStorePath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chart data gateway HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.MustLoad()
	if cfg.VendorServiceEmail == "" || cfg.VendorServicePassword == "" {
		return errors.New("serve: CHARTGATE_VENDOR_SERVICE_EMAIL and CHARTGATE_VENDOR_SERVICE_PASSWORD are required")
	}

	store, err := kvstore.OpenSQLStore(context.Background(), cfg.KVStorePath)
	if err != nil {
		return fmt.Errorf("serve: open kv store: %w", err)
	}
	defer store.Close()

	vendorClient := vendorhttp.New(cfg.VendorBootstrapURL, cfg.VendorStudyConfigURL, cfg.CVDStudyFetchTimeout)
	resolver := session.New(store, vendorClient, logger)

	sessionCache := cache.NewSessionCache(cfg.SessionCacheTTL, nil)
	defer sessionCache.Close()
	jwtCache := cache.NewJWTCache(cfg.JWTExpiryBuffer, nil)
	defer jwtCache.Close()
	resultCache := cache.NewResultCache(cfg.ChartCacheTTL, cfg.ChartCacheMaxSize)

	reg := metrics.New(prometheus.DefaultRegisterer)

	serviceCreds := session.Credentials{Platform: "vendor", Email: cfg.VendorServiceEmail, Password: cfg.VendorServicePassword}
	authenticate := vendorAuthenticator(resolver, sessionCache, jwtCache, serviceCreds, logger)
	dial := vendorDialer(cfg.VendorWebSocketURL)

	var studyConfigOnce vendorhttp.StudyConfig
	var studyConfigErr error
	var studyConfigFetched bool
	studyConfigProvider := func(ctx context.Context) (vendorhttp.StudyConfig, error) {
		if studyConfigFetched {
			return studyConfigOnce, studyConfigErr
		}
		studyConfigOnce, studyConfigErr = vendorClient.FetchStudyConfigWithRetry(ctx)
		studyConfigFetched = true
		return studyConfigOnce, studyConfigErr
	}

	coord := coordinator.New(studyConfigProvider, cfg.CVDStudyFetchTimeout, logger)
	backoff := conn.BackoffConfig{Base: cfg.ReconnectBackoffBase, Factor: cfg.ReconnectBackoffFactor, Cap: cfg.ReconnectBackoffCap, Jitter: cfg.ReconnectJitter}
	p := pool.New(cfg.PoolSize, dial, authenticate, backoff, cfg.HeartbeatIdle, coord, logger)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	orchestrator := core.New(sessionCache, jwtCache, resultCache, resolver, p, cfg, reg, logger)
	fan := fanout.New(fanoutAdapter{orchestrator}, cfg.PoolSize, 0, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limiter := gateway.NewRateLimiter(rate.Limit(20), 40)
	mux.Handle("/chart", limiter.Middleware(chartHandler(orchestrator)))
	mux.Handle("/chart/batch", limiter.Middleware(batchHandler(fan)))

	handler := middleware.SecurityHeaders(middleware.RequestID(mux))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}

	go func() {
		logger.Info("chartgate: server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("chartgate: server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	logger.Info("chartgate: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// vendorDialer opens a real gorilla/websocket connection to the vendor's
// charting data socket. *websocket.Conn already satisfies protocol.Socket.
func vendorDialer(url string) conn.Dialer {
	return func(ctx context.Context) (protocol.Socket, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, chart.ErrTransport(err)
		}
		return c, nil
	}
}

// vendorAuthenticator resolves the pool's own service-account session and
// JWT the same way a per-request orchestrator call would, then performs the
// set_auth_token/chart_create_session handshake on a freshly dialed engine.
func vendorAuthenticator(resolver *session.Resolver, sessionCache *cache.SessionCache, jwtCache *cache.JWTCache, creds session.Credentials, logger *slog.Logger) conn.Authenticator {
	return func(ctx context.Context, engine *protocol.Engine) error {
		sess, ok := sessionCache.Get(creds.Platform, creds.Email, creds.Password)
		if !ok {
			resolved, warning, err := resolver.ResolveSession(ctx, creds)
			if err != nil {
				return err
			}
			if warning != "" {
				logger.Warn("conn auth: session resolved with warning", "warning", warning)
			}
			sessionCache.Put(creds.Platform, creds.Email, creds.Password, resolved)
			sess = resolved
		}

		jwt, ok := jwtCache.Get(sess.SessionCookie)
		if !ok {
			resolved, err := resolver.ResolveJWT(ctx, sess)
			if err != nil {
				return err
			}
			jwtCache.Put(sess.SessionCookie, resolved)
			jwt = resolved
		}

		if err := engine.Send(protocol.MethodSetAuthToken, []any{jwt.Token}); err != nil {
			return chart.ErrTransport(err)
		}
		if err := engine.Send(protocol.MethodChartCreateSess, []any{"cs"}); err != nil {
			return chart.ErrTransport(err)
		}
		return nil
	}
}

// fanoutAdapter bridges the orchestrator's typed Request to fanout's
// per-(symbol,resolution) ChartRequest shape, carrying the caller's
// credentials through the opaque field fanout defines for that purpose.
type fanoutAdapter struct {
	o *core.Orchestrator
}

func (a fanoutAdapter) GetChart(ctx context.Context, req fanout.ChartRequest) (chart.Payload, error) {
	creds, _ := req.Credentials.(session.Credentials)
	return a.o.GetChart(ctx, core.Request{
		Symbol:          req.Symbol,
		Resolution:      req.Resolution,
		BarCount:        req.BarCount,
		CVDEnabled:      req.CVDEnabled,
		CVDAnchorPeriod: req.CVDAnchorPeriod,
		CVDTimeframe:    req.CVDTimeframe,
		Credentials:     creds,
	})
}

func chartHandler(o *core.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		barCount, _ := strconv.Atoi(q.Get("barCount"))
		req := core.Request{
			Symbol:          q.Get("symbol"),
			Resolution:      chart.Resolution(q.Get("resolution")),
			BarCount:        barCount,
			CVDEnabled:      q.Get("cvd") == "true",
			CVDAnchorPeriod: q.Get("cvdAnchorPeriod"),
			CVDTimeframe:    chart.Resolution(q.Get("cvdTimeframe")),
			Credentials: session.Credentials{
				Platform: "vendor",
				Email:    q.Get("email"),
				Password: q.Get("password"),
			},
		}

		payload, err := o.GetChart(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

type batchRequest struct {
	Symbols     []string           `json:"symbols"`
	Resolutions []chart.Resolution `json:"resolutions"`
	BarCount    int                `json:"barCount"`
	CVDEnabled  bool               `json:"cvdEnabled"`
	Email       string             `json:"email"`
	Password    string             `json:"password"`
}

func batchHandler(fan *fanout.Fanout) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body batchRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		template := fanout.ChartRequest{
			BarCount:   body.BarCount,
			CVDEnabled: body.CVDEnabled,
			Credentials: session.Credentials{
				Platform: "vendor",
				Email:    body.Email,
				Password: body.Password,
			},
		}

		agg := fan.Run(r.Context(), body.Symbols, body.Resolutions, template, nil)
		writeJSON(w, http.StatusOK, agg)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if cerr, ok := err.(*chart.Error); ok {
		status = cerr.HTTPStatus()
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
