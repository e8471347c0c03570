package fingerprint

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     uint64
		expected int
	}{
		{"identical", 0x0, 0x0, 0},
		{"completely different", 0xFFFFFFFFFFFFFFFF, 0x0, 64},
		{"one bit different", 0x1, 0x0, 1},
		{"four bits different", 0xF, 0x0, 4},
		{"alternating", 0xAAAAAAAAAAAAAAAA, 0x5555555555555555, 64},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HammingDistance(tc.a, tc.b); got != tc.expected {
				t.Errorf("HammingDistance(%x, %x) = %d; want %d", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestSame(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Hash
		max      int
		expected bool
	}{
		{"identical", Hash{1, 2}, Hash{1, 2}, 0, true},
		{"phash within", Hash{0x0, 0}, Hash{0x7, 0}, 3, true},
		{"phash outside", Hash{0x0, 0}, Hash{0xF, 0}, 3, false},
		{"dhash outside", Hash{0, 0x0}, Hash{0, 0xFF}, 4, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Same(tc.a, tc.b, tc.max); got != tc.expected {
				t.Errorf("Same(%v, %v, %d) = %v; want %v", tc.a, tc.b, tc.max, got, tc.expected)
			}
		})
	}
}

func TestCompute_Consistent(t *testing.T) {
	data := encodeJPEG(createGradientImage(120, 90))

	h1, err := Compute(data)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	h2, err := Compute(data)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("same frame hashed differently: %v vs %v", h1, h2)
	}
}

func TestCompute_DifferentScenes(t *testing.T) {
	gradient, err := Compute(encodeJPEG(createGradientImage(120, 90)))
	if err != nil {
		t.Fatal(err)
	}
	split, err := Compute(encodeJPEG(createSplitImage(120, 90)))
	if err != nil {
		t.Fatal(err)
	}
	if Same(gradient, split, 4) {
		t.Errorf("different scenes reported as same, distance %d", Distance(gradient, split))
	}
}

func TestCompute_InvalidImage(t *testing.T) {
	if _, err := Compute([]byte("not an image")); err == nil {
		t.Error("expected error for invalid image data")
	}
}

func TestComputeMedian(t *testing.T) {
	tests := []struct {
		values   []float64
		expected float64
	}{
		{[]float64{3, 1, 2}, 2},
		{[]float64{4, 1, 3, 2}, 2.5},
		{[]float64{5}, 5},
	}
	for _, tc := range tests {
		if got := computeMedian(tc.values); got != tc.expected {
			t.Errorf("computeMedian(%v) = %v; want %v", tc.values, got, tc.expected)
		}
	}
}

func createGradientImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			gray := uint8(x * 255 / width)
			img.Set(x, y, color.RGBA{gray, gray, gray, 255})
		}
	}
	return img
}

// createSplitImage is bright on the left and dark on the right.
func createSplitImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			c := color.RGBA{230, 230, 230, 255}
			if x >= width/2 {
				c = color.RGBA{20, 20, 20, 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func encodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}
