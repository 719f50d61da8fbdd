package wingcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheVersion tags the store generation. Bump it (or set it with
// -ldflags "-X .../wingcache.CacheVersion=v2") to retire every older store on
// the next activation.
var CacheVersion = "v1"

// DefaultManifest is precached into the static store at install time.
var DefaultManifest = []string{
	"/",
	"/auth",
	"/profile-setup",
	"/find-buddy",
	"/chat",
	"/manifest.json",
	"/favicon.ico",
}

const backgroundLimit = 32

// State is the lifecycle position of the Service.
type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Result is the outcome of one dispatch.
type Result struct {
	Entry    CacheEntry
	Strategy Strategy
	Outcome  Outcome
}

type Service struct {
	cfg    Config
	logger *slog.Logger

	reg        *Registry
	fetcher    Fetcher
	classifier *Classifier
	metrics    *Metrics
	exec       *executor
	fallback   *fallbackResponder
	control    *Controller
	proxy      *httputil.ReverseProxy
	origin     *url.URL
	promReg    *prometheus.Registry

	manifest    []string
	staticName  string
	dynamicName string

	state  atomic.Int32
	lifeMu sync.Mutex

	bg      *background
	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	nc      *nats.Conn
}

func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	return newService(cfg, logger, newHTTPFetcher(cfg.fetchTimeout))
}

func newService(cfg Config, logger *slog.Logger, fetcher Fetcher) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	reg, err := OpenRegistry(cfg.Storage.Path, cfg.ramMax, cfg.maxEntry)
	if err != nil {
		return nil, err
	}
	classifier := cfg.classifier
	if classifier == nil {
		classifier = DefaultClassifier()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg,
		logger:      logger,
		reg:         reg,
		fetcher:     fetcher,
		classifier:  classifier,
		metrics:     NewMetrics(),
		origin:      origin,
		manifest:    DefaultManifest,
		staticName:  "static-" + CacheVersion,
		dynamicName: "dynamic-" + CacheVersion,
		bg:          newBackground(backgroundLimit),
		baseCtx:     ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
	}
	timeout := cfg.fetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.exec = &executor{
		static:            reg.Store(s.staticName),
		dynamic:           reg.Store(s.dynamicName),
		fetcher:           fetcher,
		metrics:           s.metrics,
		bg:                s.bg,
		logger:            logger,
		warn:              newRateLimitedLogger(logger, time.Minute),
		baseCtx:           ctx,
		revalidateTimeout: timeout,
	}
	s.fallback = &fallbackResponder{reg: reg, metrics: s.metrics}
	s.control = &Controller{svc: s, logger: logger.With(slog.String("component", "control"))}
	s.proxy = s.newPassThroughProxy()

	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(s.Collectors()...)
	s.promReg.MustRegister(collectors.NewGoCollector())
	return s, nil
}

// Start installs and activates the service. If install fails the error is
// returned and installation is retried in the background every
// install.retryEvery until it succeeds; requests pass through uncached in
// the meantime. A NATS control channel that cannot be set up is reported in
// the returned error but never holds back install.
func (s *Service) Start(ctx context.Context) error {
	var natsErr error
	if s.cfg.Control.NATS.URL != "" {
		natsErr = s.connectNATS()
	}
	if s.cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEveryDur)
		}()
	}

	err := s.installAndActivate(ctx)
	if err != nil && s.cfg.retryEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.installRetryLoop(s.cfg.retryEvery)
		}()
	}
	return errors.Join(natsErr, err)
}

func (s *Service) installAndActivate(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		return err
	}
	return s.Activate()
}

func (s *Service) installRetryLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if err := s.installAndActivate(s.baseCtx); err != nil {
				s.logger.Warn("install retry failed", slog.String("error", err.Error()))
				continue
			}
			return
		}
	}
}

func (s *Service) connectNATS() error {
	nc, err := nats.Connect(s.cfg.Control.NATS.URL,
		nats.Name("wingcache"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		// An unreachable server at boot is retried like a dropped connection.
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(*nats.Conn) {
			s.logger.Info("nats connected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	if _, err := s.control.ServeNATS(nc, s.cfg.Control.NATS.Subject); err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Control.NATS.Subject, err)
	}
	s.nc = nc
	s.logger.Info("control channel on nats", slog.String("subject", s.cfg.Control.NATS.Subject))
	return nil
}

func (s *Service) Close() {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	close(s.stopCh)
	s.cancel()
	if s.nc != nil {
		s.nc.Close()
	}
	s.wg.Wait()
	s.bg.wait()
	if err := s.reg.Close(); err != nil {
		s.logger.Warn("close store db", slog.String("error", err.Error()))
	}
}

func (s *Service) State() State { return State(s.state.Load()) }

// Registry exposes the store registry.
func (s *Service) Registry() *Registry { return s.reg }

// Controller exposes the control channel.
func (s *Service) Controller() *Controller { return s.control }

// Install precaches the manifest into the static store. Any failed asset
// fails the install and the service stays uninstalled.
func (s *Service) Install(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if st := s.State(); st != StateInstalling {
		return fmt.Errorf("install: service is %s", st)
	}
	reqs, err := s.resolveAll(s.manifest)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	static, err := s.reg.Open(s.staticName)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	start := time.Now()
	if err := static.AddAll(ctx, s.fetcher, reqs); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if !s.state.CompareAndSwap(int32(StateInstalling), int32(StateInstalled)) {
		return fmt.Errorf("install: service is %s", s.State())
	}
	s.logger.Info("installed",
		slog.String("store", s.staticName),
		slog.Int("assets", len(reqs)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// Activate retires every store outside the current generation and makes sure
// both generation stores exist. Requests are intercepted only afterwards.
func (s *Service) Activate() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if st := s.State(); st != StateInstalled {
		return fmt.Errorf("activate: service is %s", st)
	}
	names, err := s.reg.Names()
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	for _, name := range names {
		if name == s.staticName || name == s.dynamicName {
			continue
		}
		if _, err := s.reg.Delete(name); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		s.logger.Info("deleted old store", slog.String("store", name))
	}
	for _, name := range []string{s.staticName, s.dynamicName} {
		if _, err := s.reg.Open(name); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}
	if !s.state.CompareAndSwap(int32(StateInstalled), int32(StateActive)) {
		return fmt.Errorf("activate: service is %s", s.State())
	}
	s.logger.Info("activated", slog.String("static", s.staticName), slog.String("dynamic", s.dynamicName))
	return nil
}

// Intercepts reports whether req goes through a caching strategy. Only GET
// requests over http(s) are intercepted, and only once the service is active.
func (s *Service) Intercepts(req *Request) bool {
	return s.State() == StateActive && req.Method == http.MethodGet && req.networkScheme()
}

// Dispatch classifies req, runs the chosen strategy and falls back to the
// offline responder if it fails. It always produces a response.
func (s *Service) Dispatch(ctx context.Context, req *Request) Result {
	strategy := s.classifier.Classify(req.URL)
	ent, outcome, err := s.exec.execute(ctx, strategy, req)
	if err != nil {
		s.logger.Debug("strategy failed, using offline fallback",
			slog.String("url", req.URL.String()),
			slog.String("strategy", strategy.String()),
			slog.String("error", err.Error()))
		ent, outcome = s.fallback.respond(req)
	}
	s.metrics.Observe(len(ent.Body))
	return Result{Entry: ent, Strategy: strategy, Outcome: outcome}
}

// CacheStatus is the answer to GET_CACHE_STATUS.
type CacheStatus struct {
	Caches  CacheNames
	Metrics Counters
}

func (s *Service) Status() CacheStatus {
	return CacheStatus{
		Caches:  CacheNames{Static: s.staticName, Dynamic: s.dynamicName},
		Metrics: s.metrics.Snapshot(),
	}
}

// ClearCache deletes the dynamic store, and the static store too when
// clearStatic is set.
func (s *Service) ClearCache(clearStatic bool) error {
	if _, err := s.reg.Delete(s.dynamicName); err != nil {
		return err
	}
	if !clearStatic {
		return nil
	}
	_, err := s.reg.Delete(s.staticName)
	return err
}

// PrecacheRoutes bulk-loads routes into the dynamic store.
func (s *Service) PrecacheRoutes(ctx context.Context, routes []string) error {
	reqs, err := s.resolveAll(routes)
	if err != nil {
		return err
	}
	return s.reg.Store(s.dynamicName).AddAll(ctx, s.fetcher, reqs)
}

// PreloadRoute dispatches a synthetic GET for route in the background.
func (s *Service) PreloadRoute(route string) error {
	req, err := s.resolve(route)
	if err != nil {
		return err
	}
	if !s.Intercepts(req) {
		return ErrNotActive
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.exec.revalidateTimeout)
		defer cancel()
		res := s.Dispatch(ctx, req)
		s.logger.Debug("preloaded",
			slog.String("url", req.URL.String()),
			slog.String("strategy", res.Strategy.String()),
			slog.String("outcome", string(res.Outcome)))
	}()
	return nil
}

// Sync is the background-sync hook. Nothing is queued while offline, so it
// only acknowledges the tag.
func (s *Service) Sync(_ context.Context, tag string) error {
	s.logger.Info("background sync requested", slog.String("tag", tag))
	return nil
}

// resolve turns a route (absolute URL or origin-relative path) into a GET
// request descriptor.
func (s *Service) resolve(route string) (*Request, error) {
	route = strings.TrimSpace(route)
	if route == "" {
		return nil, errors.New("empty route")
	}
	raw := route
	if !strings.Contains(route, "://") {
		if !strings.HasPrefix(route, "/") {
			route = "/" + route
		}
		raw = s.cfg.Server.Origin + route
	}
	req, err := NewRequest(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", route, err)
	}
	return req, nil
}

func (s *Service) resolveAll(routes []string) ([]*Request, error) {
	out := make([]*Request, 0, len(routes))
	for _, r := range routes {
		req, err := s.resolve(r)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Collectors returns the prometheus collectors of the service.
func (s *Service) Collectors() []prometheus.Collector {
	out := s.metrics.Collectors()
	out = append(out,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "wingcache",
			Name:      "ram_bytes",
			Help:      "Bytes held by the hot-entry memory tier.",
		}, func() float64 { return float64(s.reg.ram.TotalSize()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "wingcache",
			Name:      "active",
			Help:      "1 once installed and activated.",
		}, func() float64 {
			if s.State() == StateActive {
				return 1
			}
			return 0
		}),
	)
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			c := s.metrics.Snapshot()
			sz := s.metrics.sizes()
			attrs := []any{
				slog.Uint64("hits", c.CacheHits),
				slog.Uint64("misses", c.CacheMisses),
				slog.Uint64("network", c.NetworkRequests),
				slog.Uint64("offline", c.OfflineRequests),
				slog.String("ram", formatBytes(uint64(s.reg.ram.TotalSize()))),
				slog.String("resp_min_avg_max", fmt.Sprintf("%s/%s/%s",
					formatBytes(sz.Min), formatBytes(sz.Avg), formatBytes(sz.Max))),
			}
			if rss, ok := processRSSBytes(); ok {
				attrs = append(attrs, slog.String("rss", formatBytes(rss)))
			}
			s.logger.Info("stats", attrs...)
		}
	}
}

// ---- http ----

const (
	outcomeHeader   = "X-Wingcache"
	requestIDHeader = "X-Wingcache-Request-Id"
)

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.proxy.ServeHTTP(w, r)
		return
	}
	req, err := NewRequest(s.cfg.Server.Origin+r.URL.RequestURI(), r.Header.Clone())
	if err != nil || !s.Intercepts(req) {
		s.proxy.ServeHTTP(w, r)
		return
	}

	id := uuid.NewString()
	res := s.Dispatch(r.Context(), req)
	s.logger.Debug("dispatch",
		slog.String("id", id),
		slog.String("url", req.URL.String()),
		slog.String("strategy", res.Strategy.String()),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("status", res.Entry.Status))

	w.Header().Set(requestIDHeader, id)
	writeEntry(w, res.Entry, res.Strategy.String()+"; "+string(res.Outcome))
}

func (s *Service) newPassThroughProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.origin)
			pr.Out.Host = s.origin.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			setOutcomeHeaders(resp.Header, string(OutcomeBypass))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Debug("pass-through failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			setOutcomeHeaders(w.Header(), "bad-gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, outcomeHeader)
	ensureExposedHeader(h, requestIDHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// AdminHandler serves the control channel, prometheus metrics and health.
func (s *Service) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.control.serveHTTP)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := s.State()
		if st != StateActive {
			http.Error(w, st.String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
