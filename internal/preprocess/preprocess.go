// Package preprocess decodes and normalizes images into the CHW tensor
// format the vision encoder expects (§4.2).
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/webp"

	"github.com/kraklabs/embedpipe/internal/pipelineerr"
)

const (
	// Size is the fixed square edge length the vision encoder expects.
	Size = 224
	// Channels is always 3 (RGB).
	Channels = 3
)

// clipMean and clipStd are the fixed ImageNet-for-CLIP normalization
// constants from §4.2 — not the general ImageNet constants.
var clipMean = [Channels]float32{0.48145466, 0.45782750, 0.40821073}
var clipStd = [Channels]float32{0.26862954, 0.26130258, 0.27577711}

// Tensor is a CHW float32 tensor: Data has length Channels*Size*Size, laid
// out channel-major (all of R, then all of G, then all of B).
type Tensor struct {
	Data []float32
}

// FromPath decodes, resizes, and normalizes the image at path.
func FromPath(path string) (Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: open %s: %v", pipelineerr.ErrImageUnreadable, path, err)
	}
	defer f.Close()
	return FromReader(f)
}

// FromBytes decodes, resizes, and normalizes in-memory image bytes.
func FromBytes(data []byte) (Tensor, error) {
	return FromReader(bytes.NewReader(data))
}

// FromReader is the shared decode/resize/normalize path.
func FromReader(r io.Reader) (Tensor, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %v", pipelineerr.ErrImageUnsupported, err)
	}
	_ = format

	resized := image.NewRGBA(image.Rect(0, 0, Size, Size))
	// Bilinear resize to exactly Size x Size — aspect ratio is NOT
	// preserved, matching the CLIP preprocessing convention (§4.2).
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	return normalize(resized), nil
}

// normalize maps each channel as (p/255 - mean) / std into a CHW tensor.
func normalize(img *image.RGBA) Tensor {
	data := make([]float32, Channels*Size*Size)
	plane := Size * Size

	for y := 0; y < Size; y++ {
		rowOff := y * img.Stride
		for x := 0; x < Size; x++ {
			i := rowOff + x*4
			r := float32(img.Pix[i]) / 255.0
			g := float32(img.Pix[i+1]) / 255.0
			b := float32(img.Pix[i+2]) / 255.0

			idx := y*Size + x
			data[0*plane+idx] = (r - clipMean[0]) / clipStd[0]
			data[1*plane+idx] = (g - clipMean[1]) / clipStd[1]
			data[2*plane+idx] = (b - clipMean[2]) / clipStd[2]
		}
	}
	return Tensor{Data: data}
}
