// Package registry maps model names to VisionTransformer configurations and
// their pretrained weights.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-vit/internal/checkpoint"
	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/hub"
	"github.com/23skdu/longbow-vit/internal/imageproc"
	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/vit"
)

var (
	ErrNotRegistered       = errors.New("model not registered")
	ErrAlreadyRegistered   = errors.New("model already registered")
	ErrNoPretrainedWeights = errors.New("no pretrained weights available")
)

var stderr io.Writer = os.Stderr

// Error records which registry operation failed for which model.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	return "registry: " + e.Op + " " + e.Name + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Entry describes one named architecture.
type Entry struct {
	Name        string
	Config      config.Model
	URL         string
	Description string
	Preprocess  imageproc.Options
}

// HasWeights reports whether the entry has a download URL.
func (e Entry) HasWeights() bool { return e.URL != "" }

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	baseURL string
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// SetBaseURL redirects every weight download to base, keeping the file
// name. An empty base restores the original URLs.
func (r *Registry) SetBaseURL(base string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseURL = base
}

func (r *Registry) Register(e Entry) error {
	if e.Name == "" {
		return &Error{Op: "register", Name: e.Name, Err: errors.New("empty name")}
	}
	if err := e.Config.Validate(); err != nil {
		return &Error{Op: "register", Name: e.Name, Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Name]; ok {
		return &Error{Op: "register", Name: e.Name, Err: ErrAlreadyRegistered}
	}
	r.entries[e.Name] = e
	return nil
}

func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Get returns the entry for name with its URL rewritten to the configured
// base.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if ok && e.URL != "" && r.baseURL != "" {
		e.URL = r.baseURL + "/" + path.Base(e.URL)
	}
	return e, ok
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns the sorted names matching a path.Match pattern; an empty
// pattern matches everything.
func (r *Registry) List(pattern string) ([]string, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, err
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		if pattern != "" {
			if ok, _ := path.Match(pattern, name); !ok {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListPretrained is List restricted to entries with weights.
func (r *Registry) ListPretrained(pattern string) ([]string, error) {
	names, err := r.List(pattern)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if e, _ := r.Get(n); e.HasWeights() {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type createOptions struct {
	pretrained  bool
	progress    bool
	overrides   []func(*config.Model)
	weightsFile string
	hub         *hub.Client
	load        vit.LoadOptions
}

// Option customizes Create.
type Option func(*createOptions)

func WithPretrained(v bool) Option { return func(o *createOptions) { o.pretrained = v } }

// WithProgress prints download progress to stderr.
func WithProgress(v bool) Option { return func(o *createOptions) { o.progress = v } }

// WithOverrides edits the entry's configuration before the model is built.
func WithOverrides(fn func(*config.Model)) Option {
	return func(o *createOptions) { o.overrides = append(o.overrides, fn) }
}

// WithWeightsFile loads weights from a local checkpoint instead of the
// entry's URL. It implies pretrained.
func WithWeightsFile(p string) Option {
	return func(o *createOptions) { o.weightsFile = p; o.pretrained = true }
}

func WithHub(c *hub.Client) Option { return func(o *createOptions) { o.hub = c } }

func WithLoadOptions(lo vit.LoadOptions) Option { return func(o *createOptions) { o.load = lo } }

// Create builds the named model, loading pretrained weights when asked.
func (r *Registry) Create(ctx context.Context, name string, opts ...Option) (*vit.VisionTransformer, error) {
	e, ok := r.Get(name)
	if !ok {
		return nil, &Error{Op: "create", Name: name, Err: ErrNotRegistered}
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := e.Config
	for _, fn := range o.overrides {
		fn(&cfg)
	}
	start := time.Now()
	model, err := vit.New(cfg)
	if err != nil {
		return nil, &Error{Op: "create", Name: name, Err: err}
	}
	model.Name = name

	if o.pretrained {
		if err := r.loadPretrained(ctx, e, model, &o); err != nil {
			return nil, &Error{Op: "load weights", Name: name, Err: err}
		}
	}
	metrics.RecordModelCreated(name, o.pretrained)
	logger.Log.Timed("created model", start, "model", name, "pretrained", o.pretrained, "params", model.NumParams())
	return model, nil
}

func (r *Registry) loadPretrained(ctx context.Context, e Entry, model *vit.VisionTransformer, o *createOptions) error {
	file := o.weightsFile
	if file == "" {
		if !e.HasWeights() {
			return ErrNoPretrainedWeights
		}
		client := o.hub
		if client == nil {
			rt, err := config.LoadRuntime()
			if err != nil {
				return err
			}
			client = hub.NewClient(rt.CheckpointDir())
		}
		if o.progress && client.Progress == nil {
			client = &hub.Client{CacheDir: client.CacheDir, HTTP: client.HTTP, Progress: hub.WriteProgress(stderr)}
		}
		var err error
		if file, err = client.Fetch(ctx, e.URL); err != nil {
			return err
		}
	}

	sd, err := checkpoint.Load(file)
	if err != nil {
		return err
	}
	if err := model.LoadStateDict(sd, o.load); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return nil
}
