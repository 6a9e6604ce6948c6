package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/venrok/gateway/internal/admin"
	"github.com/venrok/gateway/internal/api"
	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/balancer"
	"github.com/venrok/gateway/internal/breaker"
	"github.com/venrok/gateway/internal/cache"
	"github.com/venrok/gateway/internal/config"
	"github.com/venrok/gateway/internal/health"
	"github.com/venrok/gateway/internal/logging"
	"github.com/venrok/gateway/internal/mw"
	"github.com/venrok/gateway/internal/netx"
	"github.com/venrok/gateway/internal/proxy"
	"github.com/venrok/gateway/internal/ratelimit"
	"github.com/venrok/gateway/internal/registry"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	bootLog := logging.New("info")

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		bootLog.Info("config ok")
		return
	}

	log := logging.New(cfg.Server.LogLevel)

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("invalid trusted_proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ipr := netx.IPResolver{Trusted: trusted}

	// ---- Rate limiter backend
	var limiter ratelimit.Limiter
	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unreachable; falling back to memory limiter", slog.String("error", err.Error()))
			limiter = ratelimit.NewMemoryLimiter(time.Duration(cfg.RateLimit.CleanupSeconds) * time.Second)
		} else {
			limiter = ratelimit.NewRedisLimiter(rdb)
		}
	default:
		limiter = ratelimit.NewMemoryLimiter(time.Duration(cfg.RateLimit.CleanupSeconds) * time.Second)
	}
	defer limiter.Close()
	checker := ratelimit.NewChecker(limiter, ipr)

	// ---- Core state
	reg := registry.New()
	routeConfigs := cfg.RegistryConfigs()
	if len(routeConfigs) == 0 && cfg.Demo.UsersUpstream != "" && cfg.Demo.OrdersUpstream != "" {
		routeConfigs = registry.DemoRoutes(cfg.Demo.UsersUpstream, cfg.Demo.OrdersUpstream)
	}
	for _, rc := range routeConfigs {
		rt := reg.Put(rc)
		log.Info("route registered",
			slog.String("method", rt.Method),
			slog.String("path", rt.Path),
			slog.Int("replicas", len(rt.Replicas)),
			slog.String("policy", string(rt.Policy)))
	}

	breakers := breaker.NewManager(log)
	defer breakers.Close()

	respCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	defer respCache.Close()

	bal := balancer.New()

	monitor := health.NewMonitor(reg, log)
	rootCtx, stopMonitor := context.WithCancel(context.Background())
	monitor.Start(rootCtx)
	defer func() {
		stopMonitor()
		monitor.Stop()
	}()

	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           time.Duration(cfg.Upstream.ConnectionTimeoutMs) * time.Millisecond,
		TLSHandshakeTimeout:   time.Duration(cfg.Upstream.TLSHandshakeTimeoutMs) * time.Millisecond,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderWaitMs) * time.Millisecond,
		IdleConnTimeout:       time.Duration(cfg.Upstream.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})
	forwarder := proxy.NewForwarder(transport, breakers, "venrok-gateway", log)

	// ---- Auth
	tokens := auth.NewTokenService([]byte(cfg.Auth.JWTSecret), cfg.Auth.AccessTTL(), cfg.Auth.RefreshTTL())
	users := auth.NewUserStore(auth.Argon2Params{
		Time:        cfg.Auth.Argon2Time,
		MemoryKiB:   cfg.Auth.Argon2MemoryKiB,
		Parallelism: cfg.Auth.Argon2Threads,
	})
	if cfg.Auth.AdminUsername != "" && cfg.Auth.AdminPassword != "" {
		if _, err := users.SeedAdmin(cfg.Auth.AdminUsername, cfg.Auth.AdminUsername+"@localhost", cfg.Auth.AdminPassword); err != nil {
			log.Error("failed to seed admin user", slog.String("error", err.Error()))
			os.Exit(1)
		}
		log.Info("admin user seeded", slog.String("username", cfg.Auth.AdminUsername))
	}

	// ---- Rate limit rules
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	proxyRules := func(r *http.Request) []ratelimit.Rule {
		rules := []ratelimit.Rule{
			{Name: "global", KeyTemplate: "global", Limit: 10 * cfg.RateLimit.Max, Window: window},
			{Name: "per-ip", KeyTemplate: "ip:{ip}", Limit: cfg.RateLimit.Max, Window: window},
			{Name: "per-user", KeyTemplate: "user:{user}", Limit: 2 * cfg.RateLimit.Max, Window: window},
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/users"):
			rules = append(rules, ratelimit.Rule{
				Name: "users-api", KeyTemplate: "users:{ip}", Limit: 50, Window: time.Minute})
		case strings.HasPrefix(r.URL.Path, "/api/orders"):
			rules = append(rules, ratelimit.Rule{
				Name: "orders-api", KeyTemplate: "orders:{ip}", Limit: 30, Window: time.Minute})
		}
		return rules
	}
	authRules := func(r *http.Request) []ratelimit.Rule {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			return []ratelimit.Rule{{Name: "login", KeyTemplate: "login:{ip}", Limit: 5, Window: 5 * time.Minute}}
		case "/api/v1/auth/register":
			return []ratelimit.Rule{{Name: "register", KeyTemplate: "register:{ip}", Limit: 3, Window: 5 * time.Minute}}
		}
		return nil
	}

	// ---- Metrics
	promReg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(promReg)
	go publishGauges(rootCtx, metrics, respCache, reg, breakers)

	// ---- HTTP surface
	pipeline := &proxy.Pipeline{
		Registry:  reg,
		Balancer:  bal,
		Cache:     respCache,
		Forwarder: forwarder,
		Limiter:   checker,
		Rules:     proxyRules,
		Tokens:    tokens,
		Log:       log,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	api.MountHealth(mux, time.Now())

	authAPI := &api.AuthHandlers{Store: users, Tokens: tokens, Log: log}
	authAPI.Mount(mux)

	adminAPI := &admin.Handler{
		Registry: reg,
		Balancer: bal,
		Breakers: breakers,
		Cache:    respCache,
		Limiter:  limiter,
		Monitor:  monitor,
		Tokens:   tokens,
		Log:      log,
	}
	adminAPI.Mount(mux)

	mux.Handle("/", pipeline)

	var handler http.Handler = mux
	handler = mw.RateLimit(checker, tokens, authRules, log, handler)
	handler = mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, handler)
	handler = mw.Recover(log, handler)
	handler = mw.AccessLog(log, handler)
	handler = mw.Instrument(metrics, handler)
	handler = mw.CORS(cfg.Server.CORSOrigin, handler)
	handler = mw.SecurityHeaders(handler)
	handler = mw.Trace(handler)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	go func() {
		log.Info("gateway listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("shutdown complete")
}

// publishGauges refreshes the slow-moving gauges the request path does not
// touch directly.
func publishGauges(ctx context.Context, m *mw.Metrics, c *cache.Cache, reg *registry.Registry, breakers *breaker.Manager) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cs := c.Stats()
			m.CacheEntries.Set(float64(cs.Entries))
			m.CacheBytes.Set(float64(cs.Bytes))
			for _, rt := range reg.List() {
				healthy := 0
				for _, rep := range rt.Replicas {
					if rep.Healthy {
						healthy++
					}
				}
				m.HealthyReplicas.WithLabelValues(rt.Method + " " + rt.Path).Set(float64(healthy))
			}
			for key, st := range breakers.Stats() {
				open := 0.0
				if st.State == breaker.StateOpen {
					open = 1
				}
				route, replica, _ := strings.Cut(key, "|")
				m.BreakerOpen.WithLabelValues(route, replica).Set(open)
			}
		}
	}
}
