// Package server exposes the model catalog and classification over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-vit/internal/hub"
	"github.com/23skdu/longbow-vit/internal/imageproc"
	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/registry"
	"github.com/23skdu/longbow-vit/internal/tensor"
	"github.com/23skdu/longbow-vit/internal/vit"
)

const (
	defaultTopK     = 5
	maxImageBytes   = 32 << 20
	requestIDHeader = "X-Request-ID"
)

// Options configures a Server.
type Options struct {
	// Pretrained loads published weights when a model is first used.
	Pretrained bool
	Hub        *hub.Client
	// Models restricts which registry entries may be served; nil allows all.
	Models []string
}

type Server struct {
	reg   *registry.Registry
	opts  Options
	log   *logger.Logger
	start time.Time

	group         singleflight.Group
	mu            sync.RWMutex
	models        map[string]*vit.VisionTransformer
	lastInference time.Time
}

func New(reg *registry.Registry, opts Options) *Server {
	return &Server{
		reg:    reg,
		opts:   opts,
		log:    logger.Log.With("server"),
		start:  time.Now(),
		models: make(map[string]*vit.VisionTransformer),
	}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.observe())

	r.GET("/health", s.handleHealth)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/models", s.handleListModels)
	api.GET("/models/:name", s.handleShowModel)
	api.POST("/classify/:name", s.handleClassify)
	api.POST("/embed/:name", s.handleEmbed)
	return r
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(route, strconv.Itoa(c.Writer.Status()), time.Since(start))
		s.log.Debug("request", "method", c.Request.Method, "route", route,
			"status", c.Writer.Status(), "request_id", c.GetString("request_id"), "duration", time.Since(start))
	}
}

func (s *Server) allowed(name string) bool {
	if s.opts.Models == nil {
		return s.reg.Has(name)
	}
	for _, m := range s.opts.Models {
		if m == name {
			return s.reg.Has(name)
		}
	}
	return false
}

// model returns the cached model for name, building it once.
func (s *Server) model(ctx context.Context, name string) (*vit.VisionTransformer, error) {
	s.mu.RLock()
	m, ok := s.models[name]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}
	// The build is shared by every waiter, so one caller going away must
	// not cancel it for the rest.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(name, func() (interface{}, error) {
		opts := []registry.Option{registry.WithPretrained(s.opts.Pretrained)}
		if s.opts.Hub != nil {
			opts = append(opts, registry.WithHub(s.opts.Hub))
		}
		m, err := s.reg.Create(ctx, name, opts...)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.models[name] = m
		s.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*vit.VisionTransformer), nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.healthStatus())
}

// ModelResponse describes one catalog entry.
type ModelResponse struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Pretrained  bool              `json:"pretrained"`
	URL         string            `json:"url,omitempty"`
	Params      int64             `json:"params"`
	Config      ModelConfig       `json:"config"`
	Preprocess  imageproc.Options `json:"preprocess"`
}

type ModelConfig struct {
	ImgSize            int     `json:"img_size"`
	PatchSize          int     `json:"patch_size"`
	NumClasses         int     `json:"num_classes"`
	EmbedDim           int     `json:"embed_dim"`
	Depth              int     `json:"depth"`
	NumHeads           int     `json:"num_heads"`
	MLPRatio           float64 `json:"mlp_ratio"`
	QKVBias            bool    `json:"qkv_bias"`
	RepresentationSize int     `json:"representation_size"`
	Distilled          bool    `json:"distilled"`
}

func modelResponse(e registry.Entry) ModelResponse {
	c := e.Config
	return ModelResponse{
		Name:        e.Name,
		Description: e.Description,
		Pretrained:  e.HasWeights(),
		URL:         e.URL,
		Params:      c.NumParams(),
		Preprocess:  e.Preprocess,
		Config: ModelConfig{
			ImgSize:            c.ImgSize,
			PatchSize:          c.PatchSize,
			NumClasses:         c.NumClasses,
			EmbedDim:           c.EmbedDim,
			Depth:              c.Depth,
			NumHeads:           c.NumHeads,
			MLPRatio:           c.MLPRatio,
			QKVBias:            c.QKVBias,
			RepresentationSize: c.RepresentationSize,
			Distilled:          c.Distilled,
		},
	}
}

func (s *Server) handleListModels(c *gin.Context) {
	names, err := s.reg.List(c.Query("pattern"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := make([]ModelResponse, 0, len(names))
	for _, n := range names {
		if !s.allowed(n) {
			continue
		}
		e, _ := s.reg.Get(n)
		out = append(out, modelResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (s *Server) handleShowModel(c *gin.Context) {
	name := c.Param("name")
	if !s.allowed(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("model %q not found", name)})
		return
	}
	e, _ := s.reg.Get(name)
	c.JSON(http.StatusOK, modelResponse(e))
}

// Prediction is one of the top-k classes.
type Prediction struct {
	Index       int     `json:"index"`
	Logit       float32 `json:"logit"`
	Probability float32 `json:"probability"`
	Label       string  `json:"label,omitempty"`
}

type ClassifyResponse struct {
	ID          string       `json:"id"`
	Model       string       `json:"model"`
	Predictions []Prediction `json:"predictions"`
}

type EmbedResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}

// input decodes the request body into a [1, 3, H, W] batch for the model.
func (s *Server) input(c *gin.Context) (string, *vit.VisionTransformer, *tensor.Tensor, bool) {
	name := c.Param("name")
	if !s.allowed(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("model %q not found", name)})
		return "", nil, nil, false
	}
	e, _ := s.reg.Get(name)
	x, err := imageproc.Load(http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes), e.Preprocess)
	if err != nil {
		metrics.RecordValidationError("http", "decode")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", nil, nil, false
	}
	m, err := s.model(c.Request.Context(), name)
	if err != nil {
		s.log.Error("loading model failed", "model", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return "", nil, nil, false
	}
	return name, m, x, true
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastInference = time.Now()
	s.mu.Unlock()
}

func (s *Server) handleClassify(c *gin.Context) {
	k := defaultTopK
	if q := c.Query("top_k"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid top_k %q", q)})
			return
		}
		k = v
	}
	name, m, x, ok := s.input(c)
	if !ok {
		return
	}
	out, err := m.Forward(c.Request.Context(), x)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if nan, inf := tensor.CountNonFinite(out.Logits.Data()); nan+inf > 0 {
		s.log.Error("non-finite logits", "model", name, "nan", nan, "inf", inf)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("model %s produced %d non-finite logits", name, nan+inf)})
		return
	}
	s.touch()
	c.JSON(http.StatusOK, ClassifyResponse{
		ID:          c.GetString("request_id"),
		Model:       name,
		Predictions: TopK(out.Logits.Row(0), k),
	})
}

func (s *Server) handleEmbed(c *gin.Context) {
	name, m, x, ok := s.input(c)
	if !ok {
		return
	}
	feats, err := m.ForwardFeatures(c.Request.Context(), x)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.touch()
	c.JSON(http.StatusOK, EmbedResponse{
		ID:        c.GetString("request_id"),
		Model:     name,
		Embedding: feats.Cls.Row(0),
	})
}

// TopK returns the k highest logits with their softmax probabilities.
// Non-finite logits rank last and are reported as zero so the result always
// encodes as JSON.
func TopK(logits []float32, k int) []Prediction {
	probs := append([]float32(nil), logits...)
	tensor.Softmax(probs)
	preds := make([]Prediction, len(logits))
	finite := make([]bool, len(logits))
	for i, l := range logits {
		p := probs[i]
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			p = 0
		}
		finite[i] = !math.IsNaN(float64(l)) && !math.IsInf(float64(l), 0)
		if !finite[i] {
			l = 0
		}
		preds[i] = Prediction{Index: i, Logit: l, Probability: p}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		a, b := preds[i], preds[j]
		if finite[a.Index] != finite[b.Index] {
			return finite[a.Index]
		}
		return a.Logit > b.Logit
	})
	if k < len(preds) {
		preds = preds[:k]
	}
	return preds
}
