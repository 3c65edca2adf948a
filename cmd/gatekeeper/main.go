package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/checkbus"
	"gatekeeper/pkg/consensus"
	"gatekeeper/pkg/engine"
	"gatekeeper/pkg/hardening"
	"gatekeeper/pkg/httpx"
	"gatekeeper/pkg/metrics"
	"gatekeeper/pkg/models"
	"gatekeeper/pkg/notify"
	"gatekeeper/pkg/ratelimit"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/stream"
	"gatekeeper/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Engine  *engine.Engine
	Gates   *store.GateStore
	Events  *stream.Hub
	Metrics *metrics.Registry
	Limiter ratelimit.Limiter

	AuthMode            string
	AuthSecret          string
	ServiceAuthHeader   string
	ServiceAuthToken    string
	MaxRequestBodyBytes int64
	SubmitRateLimit     int
}

type openDBFunc func(ctx context.Context) (store.DB, func(), error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(ctx context.Context, s *Server, tickInterval time.Duration)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        openDBFunc
	openRedisFn     openRedisFunc = store.NewRedis
	listenFn        listenFunc
	startLoopsFn    startLoopsFunc = startLoops
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("gatekeeper: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (store.DB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gatekeeper")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	s := &Server{
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		ServiceAuthHeader:   env("GATE_AUTH_HEADER", ""),
		ServiceAuthToken:    env("GATE_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		SubmitRateLimit:     envInt("SUBMIT_RATE_LIMIT", 120),
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gatekeeper",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "GATE_AUTH_HEADER", Value: s.ServiceAuthHeader},
			{Name: "GATE_AUTH_TOKEN", Value: s.ServiceAuthToken},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	var redisClient *redis.Client
	if openRedis != nil && env("REDIS_ADDR", "") != "" {
		if client, err := openRedis(ctx); err == nil {
			redisClient = client
		} else {
			log.Printf("gatekeeper: redis unavailable, using in-process fallbacks: %v", err)
		}
	}
	cache := store.NewCache(ctx, redisClient)
	s.Limiter = ratelimit.NewRedis(redisClient, time.Minute)
	s.Gates = store.NewGateStore(db, cache)

	notifiers := notify.Multi{
		notify.LogNotifier{},
		notify.StreamNotifier{Hub: s.Events},
		&metricsNotifier{registry: s.Metrics},
	}
	var kafkaNotifier *notify.KafkaNotifier
	if env("KAFKA_ENABLED", "false") == "true" {
		kafkaNotifier, err = notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers:         strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			TransitionTopic: env("KAFKA_TRANSITION_TOPIC", "gatekeeper.gate.transitions"),
			EscalationTopic: env("KAFKA_ESCALATION_TOPIC", "gatekeeper.gate.escalations"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = kafkaNotifier.Close() }()
		notifiers = append(notifiers, kafkaNotifier)
	}
	if webhookURL := env("NOTIFY_WEBHOOK_URL", ""); webhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(webhookURL, env("NOTIFY_WEBHOOK_TOKEN", "")))
	}

	s.Engine = engine.New(engine.Config{
		Consensus: consensus.Config{
			MajorityPercent: float64(envInt("CONSENSUS_MAJORITY_PERCENT", 80)),
			VetoWeight:      float64(envInt("CONSENSUS_VETO_WEIGHT", 40)),
		},
		DefaultGateSLA: time.Hour * time.Duration(envInt("GATE_SLA_HOURS", 48)),
	}, s.Gates, notifiers, &principalIdentity{})

	if err := s.Engine.Rehydrate(ctx); err != nil {
		log.Printf("gatekeeper warmup failed: %v", err)
	}

	var bus checkbus.Consumer
	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := checkbus.NewKafkaConsumer(checkbus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_CHECK_TOPIC", "gatekeeper.check.results"),
			GroupID: env("KAFKA_GROUP_ID", "gatekeeper"),
		})
		if err != nil {
			return err
		}
		bus = consumer
		go checkbus.NewRunner(bus, s.Engine).Run(context.Background())
	}
	defer func() {
		if bus != nil {
			_ = bus.Close()
		}
	}()

	tickInterval := time.Second * time.Duration(envInt("TICK_INTERVAL_SEC", 60))
	if startLoops != nil {
		startLoops(context.Background(), s, tickInterval)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gatekeeper"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.observeMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gatekeeper"})
	})

	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authMw := auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	)
	r.Mount("/", s.apiRoutes(authMw))

	addr := env("ADDR", ":8086")
	log.Printf("gatekeeper listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) apiRoutes(authMw func(http.Handler) http.Handler) chi.Router {
	api := chi.NewRouter()
	api.Use(s.serviceOrAuth(authMw))
	api.Post("/v1/gates", s.withRoles(s.createGate, "pmo", "delivery_manager", "service"))
	api.Get("/v1/gates", s.withRoles(s.listGates))
	api.Get("/v1/gates/{gate_id}", s.withRoles(s.getGate))
	api.Get("/v1/gates/{gate_id}/transitions", s.withRoles(s.getTransitions))
	api.Post("/v1/gates/{gate_id}/checks", s.withRoles(s.submitCheck, "service", "ci"))
	api.Post("/v1/gates/{gate_id}/reviews", s.withRoles(s.submitReview))
	api.Post("/v1/gates/{gate_id}/confirm", s.withRoles(s.confirmGate, "sponsor", "pmo", "portfolio_director", "service"))
	api.Get("/v1/stream", s.streamEvents)
	api.Get("/v1/metrics", s.Metrics.Handler())
	api.Get("/v1/metrics/prometheus", s.Metrics.PrometheusHandler())
	return api
}

// startLoops runs the scheduler sweep on a fixed interval. The engine
// catches up missed deadlines on the first sweep after a pause.
func startLoops(ctx context.Context, s *Server, tickInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				s.Engine.Tick(ctx, time.Now().UTC())
				s.Metrics.ObserveTick(time.Since(start))
				s.Metrics.SetGauge("open_gates", float64(s.Engine.OpenGates()))
				s.Metrics.SetGauge("armed_deadlines", float64(s.Engine.ArmedDeadlines()))
			}
		}
	}()
}

// metricsNotifier feeds transition and escalation counters from the
// engine's event stream.
type metricsNotifier struct {
	registry *metrics.Registry
}

func (m *metricsNotifier) GateTransitioned(ctx context.Context, sc models.StateChange) {
	m.registry.IncGateState(sc.To)
	m.registry.IncCause(sc.Cause)
}

func (m *metricsNotifier) GateEscalated(ctx context.Context, esc models.Escalation) {
	m.registry.IncEscalation(esc.Forced)
}

func (s *Server) serviceOrAuth(authMw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.serviceTokenValid(r) {
				p := auth.Principal{Subject: "service", Roles: []string{"service"}}
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
				return
			}
			authMw(next).ServeHTTP(w, r)
		})
	}
}

func (s *Server) serviceTokenValid(r *http.Request) bool {
	if s.ServiceAuthHeader == "" || s.ServiceAuthToken == "" {
		return false
	}
	token := r.Header.Get(s.ServiceAuthHeader)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.ServiceAuthToken)) == 1
}

// withRoles requires an authenticated principal carrying any of the given
// roles. With no roles listed, any authenticated principal passes.
func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if s.Metrics != nil {
			s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
			s.Metrics.ObserveLatency(r.URL.Path, time.Since(start))
		}
	})
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
