package domain

import "time"

// ModelInfo describes one installed model as reported by a backend's
// enumeration endpoint.
type ModelInfo struct {
	Name       string       `json:"name"`
	Size       int64        `json:"size,omitempty"`
	Digest     string       `json:"digest,omitempty"`
	ModifiedAt time.Time    `json:"modifiedAt,omitempty"`
	Details    ModelDetails `json:"details,omitempty"`
}

type ModelDetails struct {
	Family            string `json:"family,omitempty"`
	ParameterSize     string `json:"parameterSize,omitempty"`
	QuantizationLevel string `json:"quantizationLevel,omitempty"`
}

// LoadedModel is a backend's report of a model currently resident in VRAM.
// ExpiresAt is the backend's own keep-alive deadline; selection uses it to
// avoid servers about to evict the model we want.
type LoadedModel struct {
	Name      string    `json:"name"`
	VRAMBytes int64     `json:"vramBytes,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Digest    string    `json:"digest,omitempty"`
}
