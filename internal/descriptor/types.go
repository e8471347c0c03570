package descriptor

// Face is a single face detected by the embedding service.
type Face struct {
	Index      int       `json:"face_index"`
	Dim        int       `json:"dim"`
	Descriptor []float32 `json:"embedding"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore   float64   `json:"det_score"`
}

// FaceResponse is the body returned by the /embed/face endpoint.
type FaceResponse struct {
	FacesCount int    `json:"faces_count"`
	Faces      []Face `json:"faces"`
	Model      string `json:"model"`
}

// Area returns the bounding box area in pixels, or 0 for a malformed box.
func (f Face) Area() float64 {
	if len(f.BBox) != 4 {
		return 0
	}
	w := f.BBox[2] - f.BBox[0]
	h := f.BBox[3] - f.BBox[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}
