// Package fingerprint computes perceptual hashes of camera frames so that
// frames showing an unchanged scene can be skipped before face extraction.
package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Hash holds the 64-bit perceptual and difference hashes of an image.
type Hash struct {
	PHash uint64
	DHash uint64
}

func (h Hash) String() string {
	return fmt.Sprintf("%016x:%016x", h.PHash, h.DHash)
}

// Compute decodes an image and hashes it.
func Compute(imageData []byte) (Hash, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return Hash{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return Hash{PHash: computePHash(img), DHash: computeDHash(img)}, nil
}

// HammingDistance counts the differing bits of two 64-bit hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Distance is the larger of the pHash and dHash distances, so two frames are
// only considered equal when both hashes agree.
func Distance(a, b Hash) int {
	return max(HammingDistance(a.PHash, b.PHash), HammingDistance(a.DHash, b.DHash))
}

// Same reports whether two frames are within maxDistance bits.
func Same(a, b Hash, maxDistance int) bool {
	return Distance(a, b) <= maxDistance
}

// computePHash is a DCT hash over a 32x32 grayscale thumbnail.
func computePHash(img image.Image) uint64 {
	gray := toGrayscale(resizeImage(img, 32, 32))
	dct := computeDCT(gray)

	// top-left 8x8 block without the DC term, padded from the next row
	lowFreq := make([]float64, 0, 64)
	for u := range 8 {
		for v := range 8 {
			if u == 0 && v == 0 {
				continue
			}
			lowFreq = append(lowFreq, dct[u][v])
		}
	}
	lowFreq = append(lowFreq, dct[8][0])

	median := computeMedian(lowFreq)
	var hash uint64
	for i, v := range lowFreq {
		if v > median {
			hash |= 1 << (63 - i)
		}
	}
	return hash
}

// computeDHash compares horizontally adjacent pixels of a 9x8 thumbnail.
func computeDHash(img image.Image) uint64 {
	gray := toGrayscale(resizeImage(img, 9, 8))

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if gray[x][y] > gray[x+1][y] {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

func resizeImage(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// toGrayscale returns BT.601 luma indexed [x][y].
func toGrayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	gray := make([][]float64, bounds.Dx())
	for x := range gray {
		gray[x] = make([]float64, bounds.Dy())
		for y := range gray[x] {
			r, g, b, _ := img.At(x, y).RGBA()
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}

// computeDCT is a square DCT-II.
func computeDCT(gray [][]float64) [][]float64 {
	size := len(gray)
	cosTable := make([][]float64, size)
	for i := range cosTable {
		cosTable[i] = make([]float64, size)
		for j := range size {
			cosTable[i][j] = math.Cos(math.Pi * float64(i) * (2*float64(j) + 1) / (2 * float64(size)))
		}
	}

	dct := make([][]float64, size)
	for u := range size {
		dct[u] = make([]float64, size)
		for v := range size {
			var sum float64
			for x := range size {
				for y := range size {
					sum += gray[x][y] * cosTable[u][x] * cosTable[v][y]
				}
			}
			dct[u][v] = sum
		}
	}
	return dct
}

func computeMedian(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
