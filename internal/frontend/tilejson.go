package frontend

// TileJSON is the subset of the TileJSON 2.0.0 schema the frontend
// advertises for a layer at "<base>/tile-layer.json".
type TileJSON struct {
	TileJSON    string   `json:"tilejson"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Attribution string   `json:"attribution,omitempty"`
	Scheme      string   `json:"scheme"`
	Tiles       []string `json:"tiles"`
	MinZoom     uint32   `json:"minzoom"`
	MaxZoom     uint32   `json:"maxzoom"`
	Bounds      [4]float64 `json:"bounds"`
	Center      [3]float64 `json:"center,omitempty"`
}

// buildTileJSON assembles the document for a layer, rooted at host
// (scheme + authority, no trailing slash).
func buildTileJSON(l Layer, host string) TileJSON {
	ext := l.Ext
	if ext == "" {
		ext = "png"
	}
	return TileJSON{
		TileJSON:    "2.0.0",
		Name:        l.Name,
		Description: l.Description,
		Attribution: l.Attribution,
		Scheme:      "xyz",
		Tiles:       []string{host + l.BaseURI + "{z}/{x}/{y}." + ext},
		MinZoom:     l.MinZoom,
		MaxZoom:     l.MaxZoom,
		Bounds:      [4]float64{-180, -85.05112878, 180, 85.05112878},
	}
}
