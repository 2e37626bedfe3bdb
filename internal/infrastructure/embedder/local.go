package embedder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder

	"github.com/leyvacars/similarity-api/internal/domain"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

const (
	// LocalModelName identifies vectors produced by Local
	LocalModelName = "pixel-grid-v1"

	sampleSize   = 64
	gridCells    = 8
	levelsPerCh  = 4
	histogramLen = levelsPerCh * levelsPerCh * levelsPerCh
	gridLen      = gridCells * gridCells * 3

	// LocalDimensions is the length of every vector Local returns
	LocalDimensions = histogramLen + gridLen

	maxPixels = 50_000_000
)

// Local is an in-process feature extractor. It resamples the image to a fixed
// size and describes it with a coarse RGB histogram plus a grid of mean colors.
type Local struct {
	model string
}

// NewLocal creates a local extractor; an empty model name uses LocalModelName
func NewLocal(model string) *Local {
	if model == "" {
		model = LocalModelName
	}
	return &Local{model: model}
}

// Model returns the model identifier
func (l *Local) Model() string { return l.model }

// Dimensions returns the vector length
func (l *Local) Dimensions() int { return LocalDimensions }

// Extract decodes img and computes its descriptor
func (l *Local) Extract(ctx context.Context, img *domain.Image) (domain.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s image has no pixels", domain.ErrDecode, format)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d %s image is too large", domain.ErrDecode, cfg.Width, cfg.Height, format)
	}

	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	return describe(src), nil
}

// describe is a pure function of the pixels, so identical bytes give identical vectors
func describe(src image.Image) domain.Vector {
	// transparent areas are flattened onto white like a product photo background
	dst := image.NewRGBA(image.Rect(0, 0, sampleSize, sampleSize))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	vec := make(domain.Vector, LocalDimensions)
	hist := vec[:histogramLen]
	grid := vec[histogramLen:]

	cellSize := sampleSize / gridCells
	pixels := float32(sampleSize * sampleSize)
	cellPixels := float32(cellSize * cellSize * 255)

	for y := 0; y < sampleSize; y++ {
		for x := 0; x < sampleSize; x++ {
			off := dst.PixOffset(x, y)
			r, g, b := dst.Pix[off], dst.Pix[off+1], dst.Pix[off+2]

			bin := int(r)*levelsPerCh/256*levelsPerCh*levelsPerCh +
				int(g)*levelsPerCh/256*levelsPerCh +
				int(b)*levelsPerCh/256
			hist[bin] += 1 / pixels

			cell := (y/cellSize*gridCells + x/cellSize) * 3
			grid[cell] += float32(r) / cellPixels
			grid[cell+1] += float32(g) / cellPixels
			grid[cell+2] += float32(b) / cellPixels
		}
	}

	return normalize(vec)
}
