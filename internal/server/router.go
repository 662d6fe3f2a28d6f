package server

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/prereq/internal/fingerprint"
	"github.com/loykin/prereq/internal/metrics"
	"github.com/loykin/prereq/internal/supervisor"
	"github.com/loykin/prereq/internal/watch"
)

// Router provides embeddable HTTP handlers for inspecting and driving prereq.
// Endpoints:
//
//	GET  {basePath}/processes          managed processes
//	GET  {basePath}/steps              configured steps with cache state
//	POST {basePath}/steps/run?name=    run a step if its inputs changed
//	POST {basePath}/fingerprint        body {"files":[...],"dirs":[...]}
//	GET  /metrics                      when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	cache    *fingerprint.Cache
	steps    []watch.Step
	root     string
	basePath string
	metrics  bool
}

type Option func(*Router)

// WithSteps exposes steps under /steps.
func WithSteps(steps []watch.Step) Option {
	return func(r *Router) { r.steps = steps }
}

// WithRoot resolves fingerprint request patterns relative to dir.
func WithRoot(dir string) Option {
	return func(r *Router) { r.root = dir }
}

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option {
	return func(r *Router) { r.metrics = true }
}

// NewRouter constructs a Router. Either sup or cache may be nil; the
// corresponding endpoints then answer 503.
func NewRouter(sup *supervisor.Supervisor, cache *fingerprint.Cache, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, cache: cache, basePath: mountPoint(basePath), root: "."}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/processes", r.handleProcesses)
	group.GET("/steps", r.handleSteps)
	group.POST("/steps/run", r.handleRunStep)
	group.POST("/fingerprint", r.handleFingerprint)
	return g
}

// NewServer starts a standalone HTTP server on addr serving h.
func NewServer(addr string, h http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Minute, // steps/run blocks for the whole action
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type stepResp struct {
	Name    string   `json:"name"`
	Files   []string `json:"files"`
	Dirs    []string `json:"dirs,omitempty"`
	Cached  string   `json:"cached,omitempty"`
	Current string   `json:"current,omitempty"`
	Fresh   bool     `json:"fresh"`
	Error   string   `json:"error,omitempty"`
}

type runResp struct {
	Name string `json:"name"`
	Ran  bool   `json:"ran"`
}

type fingerprintReq struct {
	Files []string `json:"files"`
	Dirs  []string `json:"dirs"`
}

type fingerprintResp struct {
	Digest   string `json:"digest"`
	CacheKey string `json:"cache_key"`
}

func (r *Router) handleProcesses(c *gin.Context) {
	if r.sup == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "no supervisor"})
		return
	}
	c.JSON(http.StatusOK, r.sup.List())
}

func (r *Router) handleSteps(c *gin.Context) {
	if r.cache == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "no cache"})
		return
	}
	out := make([]stepResp, 0, len(r.steps))
	for _, s := range r.steps {
		sr := stepResp{Name: s.Name, Files: s.Files, Dirs: s.Dirs}
		if rec, ok, err := r.cache.Lookup(s.Files); err == nil && ok {
			sr.Cached = rec.Digest
		}
		cur, err := fingerprint.Compute(s.Files, s.Dirs)
		if err != nil {
			sr.Error = err.Error()
		} else {
			sr.Current = cur
			sr.Fresh = sr.Cached != "" && sr.Cached == cur
		}
		out = append(out, sr)
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleRunStep(c *gin.Context) {
	name := c.Query("name")
	if !validStepName(name) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	if r.cache == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "no cache"})
		return
	}
	for _, s := range r.steps {
		if s.Name != name {
			continue
		}
		ctx := context.WithoutCancel(c.Request.Context())
		ran, err := r.cache.WhenChanged(ctx, s.Message, s.Files, s.Dirs, s.Action)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, runResp{Name: name, Ran: ran})
		return
	}
	c.JSON(http.StatusNotFound, errorResp{Error: "unknown step " + name})
}

func (r *Router) handleFingerprint(c *gin.Context) {
	var req fingerprintReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, errorResp{Error: fingerprint.ErrNoFiles.Error()})
		return
	}
	files := make([]string, 0, len(req.Files))
	for _, p := range req.Files {
		if !withinRoot(p) {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid file pattern " + p + ": must be relative without traversal"})
			return
		}
		files = append(files, filepath.Join(r.root, p))
	}
	dirs := make([]string, 0, len(req.Dirs))
	for _, d := range req.Dirs {
		if !withinRoot(d) {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid dir " + d + ": must be relative without traversal"})
			return
		}
		dirs = append(dirs, filepath.Join(r.root, d))
	}
	digest, err := fingerprint.Compute(files, dirs)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, fingerprintResp{Digest: digest, CacheKey: fingerprint.CacheKey(req.Files[0])})
}
