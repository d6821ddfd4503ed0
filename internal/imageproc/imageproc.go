// Package imageproc turns encoded images into normalized model input.
package imageproc

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	InceptionDefaultMean = [3]float32{0.5, 0.5, 0.5}
	InceptionDefaultSTD  = [3]float32{0.5, 0.5, 0.5}
	IdentityMean         = [3]float32{0, 0, 0}
	IdentitySTD          = [3]float32{1, 1, 1}
)

const DefaultCropPct = 0.875

// Options describes the eval transform a checkpoint was trained with.
type Options struct {
	ImgSize int        `json:"img_size"`
	CropPct float64    `json:"crop_pct"`
	Mean    [3]float32 `json:"mean"`
	Std     [3]float32 `json:"std"`
}

// DefaultOptions is the ImageNet eval transform at the given size.
func DefaultOptions(imgSize int) Options {
	return Options{ImgSize: imgSize, CropPct: DefaultCropPct, Mean: ImageNetDefaultMean, Std: ImageNetDefaultSTD}
}

func (o Options) Validate() error {
	if o.ImgSize <= 0 {
		return fmt.Errorf("invalid img_size: %d (must be positive)", o.ImgSize)
	}
	if o.CropPct <= 0 || o.CropPct > 1 {
		return fmt.Errorf("invalid crop_pct: %v (must be in (0, 1])", o.CropPct)
	}
	for i, s := range o.Std {
		if s == 0 {
			return fmt.Errorf("invalid std[%d]: 0", i)
		}
	}
	return nil
}

// ScaleSize is the length the shorter image side is resized to before
// cropping.
func (o Options) ScaleSize() int {
	return int(math.Floor(float64(o.ImgSize) / o.CropPct))
}

// Decode reads a JPEG, PNG, GIF, BMP or WebP image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return img, format, nil
}

// Composite flattens transparency onto a white background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// ResizeShorter scales img so its shorter side is size, keeping the aspect
// ratio, with Catmull-Rom interpolation.
func ResizeShorter(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var nw, nh int
	if w <= h {
		nw, nh = size, int(float64(size)*float64(h)/float64(w))
	} else {
		nw, nh = int(float64(size)*float64(w)/float64(h)), size
	}
	if nw == w && nh == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Rect, img, b, draw.Src, nil)
	return dst
}

// CenterCrop cuts a size x size square from the middle of img.
func CenterCrop(img image.Image, size int) (image.Image, error) {
	b := img.Bounds()
	if b.Dx() < size || b.Dy() < size {
		return nil, fmt.Errorf("cannot crop %dx%d image to %d", b.Dx(), b.Dy(), size)
	}
	x0 := b.Min.X + int(math.Round(float64(b.Dx()-size)/2))
	y0 := b.Min.Y + int(math.Round(float64(b.Dy()-size)/2))
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Point{x0, y0}, draw.Src)
	return dst, nil
}

// Normalize writes img as channel-first (pixel/255 - mean) / std into dst,
// which must hold 3*W*H values.
func Normalize(dst []float32, img image.Image, mean, std [3]float32) {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			dst[i] = (float32(r>>8)/255 - mean[0]) / std[0]
			dst[plane+i] = (float32(g>>8)/255 - mean[1]) / std[1]
			dst[2*plane+i] = (float32(bl>>8)/255 - mean[2]) / std[2]
			i++
		}
	}
}

// Transform applies resize, center crop and normalization, returning a
// [3, ImgSize, ImgSize] tensor.
func Transform(img image.Image, opts Options) (*tensor.Tensor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cropped, err := CenterCrop(ResizeShorter(Composite(img), opts.ScaleSize()), opts.ImgSize)
	if err != nil {
		return nil, err
	}
	out := tensor.New(3, opts.ImgSize, opts.ImgSize)
	Normalize(out.Data(), cropped, opts.Mean, opts.Std)
	return out, nil
}

// Batch transforms every image and stacks them into [B, 3, H, W].
func Batch(imgs []image.Image, opts Options) (*tensor.Tensor, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("empty image batch")
	}
	out := tensor.New(len(imgs), 3, opts.ImgSize, opts.ImgSize)
	for i, img := range imgs {
		t, err := Transform(img, opts)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		copy(out.Sub(i).Data(), t.Data())
	}
	return out, nil
}

// Load decodes and transforms a single image into a [1, 3, H, W] batch.
func Load(r io.Reader, opts Options) (*tensor.Tensor, error) {
	img, _, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Batch([]image.Image{img}, opts)
}
