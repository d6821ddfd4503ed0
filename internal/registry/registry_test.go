package registry

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-vit/internal/checkpoint"
	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/hub"
	"github.com/23skdu/longbow-vit/internal/imageproc"
	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/vit"
)

func TestDefaultCatalog(t *testing.T) {
	if n := Default.Count(); n != 39 {
		t.Fatalf("expected 39 built-in models, got %d", n)
	}
	noWeights := map[string]bool{
		"vit_large_patch32_224":    true,
		"vit_huge_patch14_224":     true,
		"vit_giant_patch14_224":    true,
		"vit_gigantic_patch14_224": true,
	}
	names, err := Default.List("")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		e, _ := Default.Get(name)
		if e.HasWeights() == noWeights[name] {
			t.Errorf("%s: HasWeights = %v", name, e.HasWeights())
		}
		if e.HasWeights() && !strings.HasPrefix(e.URL, DefaultBaseURL+"/") {
			t.Errorf("%s: unexpected URL %s", name, e.URL)
		}
		if err := e.Preprocess.Validate(); err != nil {
			t.Errorf("%s: preprocess: %v", name, err)
		}
		if e.Preprocess.ImgSize != e.Config.ImgSize {
			t.Errorf("%s: preprocess size %d != model size %d", name, e.Preprocess.ImgSize, e.Config.ImgSize)
		}
	}
}

func TestDefaultCatalogHyperparameters(t *testing.T) {
	tests := []struct {
		name   string
		params int64
		check  func(config.Model) bool
	}{
		{"vit_base_patch16_224", 86567656, func(c config.Model) bool { return c.NumClasses == 1000 && c.QKVBias }},
		{"vit_tiny_patch16_224", 5717416, nil},
		{"deit_base_distilled_patch16_224", 87338192, func(c config.Model) bool { return c.Distilled }},
		{"vit_huge_patch14_224", 0, func(c config.Model) bool { return c.ImgSize == 384 && c.EmbedDim == 1280 && c.Depth == 32 && c.NumPatches() == 27*27 }},
		{"vit_giant_patch14_224", 0, func(c config.Model) bool { return c.MLPHiddenDim() == 6144 && c.Depth == 40 }},
		{"vit_gigantic_patch14_224", 0, func(c config.Model) bool { return c.MLPHiddenDim() == 8192 && c.ImgSize == 384 && c.GridSize() == 27 }},
		{"vit_large_patch32_224_in21k", 0, func(c config.Model) bool { return c.NumClasses == 21843 && c.RepresentationSize == 1024 }},
		{"vit_huge_patch14_224_in21k", 0, func(c config.Model) bool { return c.ImgSize == 224 && c.RepresentationSize == 1280 }},
		{"vit_base_patch16_224_in21k", 0, func(c config.Model) bool { return c.RepresentationSize == 0 && c.HasPreLogits() == false }},
		{"vit_base_patch16_224_miil_in21k", 0, func(c config.Model) bool { return c.NumClasses == 11221 && !c.QKVBias }},
		{"vit_base_patch16_224_miil", 0, func(c config.Model) bool { return c.NumClasses == 1000 && !c.QKVBias }},
		{"deit_base_patch16_384", 0, func(c config.Model) bool { return c.ImgSize == 384 && !c.Distilled }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := Default.Get(tt.name)
			if !ok {
				t.Fatalf("%s not registered", tt.name)
			}
			if tt.params != 0 {
				if got := e.Config.NumParams(); got != tt.params {
					t.Errorf("NumParams = %d, want %d", got, tt.params)
				}
			}
			if tt.check != nil && !tt.check(e.Config) {
				t.Errorf("unexpected config %+v", e.Config)
			}
		})
	}

	sam, _ := Default.Get("vit_base_patch16_224_sam")
	if !strings.HasSuffix(sam.URL, "/vit_base_patch16_sam_224.zip") {
		t.Errorf("sam weights URL = %s", sam.URL)
	}
	deit, _ := Default.Get("deit_small_patch16_224")
	if deit.Preprocess.Mean != imageproc.ImageNetDefaultMean || deit.Preprocess.CropPct != 0.875 {
		t.Errorf("deit preprocess = %+v", deit.Preprocess)
	}
	vit384, _ := Default.Get("vit_base_patch16_384")
	if vit384.Preprocess.CropPct != 1 || vit384.Preprocess.Mean != imageproc.InceptionDefaultMean {
		t.Errorf("vit 384 preprocess = %+v", vit384.Preprocess)
	}
}

func TestList(t *testing.T) {
	deit, err := Default.List("deit_*distilled*")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"deit_base_distilled_patch16_224",
		"deit_base_distilled_patch16_384",
		"deit_small_distilled_patch16_224",
		"deit_tiny_distilled_patch16_224",
	}
	if diff := cmp.Diff(want, deit); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
	in21k, _ := Default.List("*_in21k")
	if len(in21k) != 10 {
		t.Errorf("expected 10 in21k models, got %d: %v", len(in21k), in21k)
	}
	pre, _ := Default.ListPretrained("vit_*")
	all, _ := Default.List("vit_*")
	if len(all)-len(pre) != 4 {
		t.Errorf("expected 4 vit models without weights, got %d", len(all)-len(pre))
	}
	if _, err := Default.List("[bad"); err == nil {
		t.Error("expected a pattern error")
	}
}

func tinyEntry(name, url string) Entry {
	c := config.Default()
	c.ImgSize, c.PatchSize, c.EmbedDim, c.Depth, c.NumHeads, c.NumClasses = 32, 16, 16, 1, 2, 3
	return Entry{Name: name, Config: c, URL: url, Preprocess: imageproc.DefaultOptions(32)}
}

func TestRegisterErrors(t *testing.T) {
	r := New()
	if err := r.Register(tinyEntry("a", "")); err != nil {
		t.Fatal(err)
	}
	err := r.Register(tinyEntry("a", ""))
	var rerr *Error
	if !errors.As(err, &rerr) || !errors.Is(err, ErrAlreadyRegistered) || rerr.Op != "register" {
		t.Errorf("expected duplicate registration error, got %v", err)
	}
	bad := tinyEntry("b", "")
	bad.Config.NumHeads = 5
	if err := r.Register(bad); err == nil {
		t.Error("expected invalid config to be rejected")
	}
	if err := r.Register(tinyEntry("", "")); err == nil {
		t.Error("expected empty name to be rejected")
	}
}

func TestCreate(t *testing.T) {
	r := New()
	r.MustRegister(tinyEntry("tiny", ""))
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.ModelsCreated.WithLabelValues("tiny", "false"))
	m, err := r.Create(ctx, "tiny", WithOverrides(func(c *config.Model) { c.NumClasses = 7 }))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.Name != "tiny" || m.Config().NumClasses != 7 {
		t.Errorf("unexpected model %s with %d classes", m.Name, m.Config().NumClasses)
	}
	if d := testutil.ToFloat64(metrics.ModelsCreated.WithLabelValues("tiny", "false")) - before; d != 1 {
		t.Errorf("models created delta = %v, want 1", d)
	}
	if e, _ := r.Get("tiny"); e.Config.NumClasses != 3 {
		t.Error("overrides must not modify the registered entry")
	}

	if _, err := r.Create(ctx, "missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := r.Create(ctx, "tiny", WithPretrained(true)); !errors.Is(err, ErrNoPretrainedWeights) {
		t.Errorf("expected ErrNoPretrainedWeights, got %v", err)
	}
}

func saveWeights(t *testing.T, name string) (*vit.VisionTransformer, string) {
	t.Helper()
	e := tinyEntry(name, "")
	e.Config.Seed = 42
	src, err := vit.New(e.Config)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	if err := checkpoint.Save(path, src.StateDict()); err != nil {
		t.Fatal(err)
	}
	return src, path
}

func TestCreateWithWeightsFile(t *testing.T) {
	src, path := saveWeights(t, "tiny")
	r := New()
	r.MustRegister(tinyEntry("tiny", ""))

	m, err := r.Create(context.Background(), "tiny", WithWeightsFile(path))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if diff := cmp.Diff(src.PosEmbed.Data(), m.PosEmbed.Data()); diff != "" {
		t.Error("weights were not loaded from the file")
	}

	_, err = r.Create(context.Background(), "tiny", WithWeightsFile(path), WithOverrides(func(c *config.Model) { c.NumClasses = 9 }))
	var lerr *vit.LoadError
	if !errors.As(err, &lerr) {
		t.Errorf("expected a head mismatch, got %v", err)
	}
	if _, err := r.Create(context.Background(), "tiny", WithWeightsFile(path),
		WithOverrides(func(c *config.Model) { c.NumClasses = 9 }),
		WithLoadOptions(vit.LoadOptions{SkipMismatchedHead: true})); err != nil {
		t.Errorf("fine-tune style load failed: %v", err)
	}
}

func TestCreatePretrainedFromHub(t *testing.T) {
	src, path := saveWeights(t, "tiny")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("tiny/tiny.safetensors")
	w.Write(data)
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mirror/tiny.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	r := New()
	r.MustRegister(tinyEntry("tiny", DefaultBaseURL+"/tiny.zip"))
	r.SetBaseURL(srv.URL + "/mirror")
	if e, _ := r.Get("tiny"); e.URL != srv.URL+"/mirror/tiny.zip" {
		t.Fatalf("base URL not applied: %s", e.URL)
	}

	client := hub.NewClient(t.TempDir())
	var progressed bool
	client.Progress = func(hub.Progress) { progressed = true }
	m, err := r.Create(context.Background(), "tiny", WithPretrained(true), WithHub(client), WithProgress(true))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if diff := cmp.Diff(src.Head.Weight.Data(), m.Head.Weight.Data()); diff != "" {
		t.Error("pretrained head not loaded")
	}
	if !progressed {
		t.Error("client progress callback should be kept")
	}
}
