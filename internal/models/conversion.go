package models

import "time"

// ConversionStatus tracks whether a conversion's generated assets are
// still present on disk.
const (
	ConversionActive  = "active"
	ConversionExpired = "expired"
)

// Conversion records one upload and the assets generated from it.
type Conversion struct {
	ID             int64     `json:"id"`
	UniqueName     string    `json:"unique_name"`
	OriginalName   string    `json:"original_name"`
	MimeType       string    `json:"mime_type"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Size           int64     `json:"size"`
	ImagePath      string    `json:"image_path"`
	DepthPath      string    `json:"depth_path"`
	ModelPath      string    `json:"model_path"`
	PointCloudPath string    `json:"point_cloud_path"`
	Summary        string    `json:"summary,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// AssetPaths lists every file that belongs to the conversion.
func (c *Conversion) AssetPaths() []string {
	return []string{c.ImagePath, c.DepthPath, c.ModelPath, c.PointCloudPath}
}
