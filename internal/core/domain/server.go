package domain

import "time"

// ServerType names the primary API family a backend speaks.
type ServerType string

const (
	ServerTypeOllama ServerType = "ollama"
	ServerTypeOpenAI ServerType = "openai"
)

// Server is one registered model-serving backend. MaxConcurrency of zero
// means maintenance: the server stays registered and probed but receives no
// traffic.
type Server struct {
	ID               string        `json:"id"`
	Name             string        `json:"name,omitempty"`
	URL              string        `json:"url"`
	Type             ServerType    `json:"type"`
	Healthy          bool          `json:"healthy"`
	LastResponseTime time.Duration `json:"lastResponseTimeMs,omitempty"`

	Models       []string      `json:"models,omitempty"`
	LoadedModels []LoadedModel `json:"loadedModels,omitempty"`

	MaxConcurrency int `json:"maxConcurrency"`

	SupportsPrimary bool `json:"supportsPrimary,omitempty"`
	SupportsCompat  bool `json:"supportsCompat,omitempty"`

	APIKey string `json:"apiKey,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) InMaintenance() bool {
	return s.MaxConcurrency == 0
}

func (s *Server) HasModel(name string) bool {
	for _, m := range s.Models {
		if m == name {
			return true
		}
	}
	return false
}

// GetLoadedModel returns the resident-model record for name, or nil when the
// model is not currently loaded.
func (s *Server) GetLoadedModel(name string) *LoadedModel {
	for i := range s.LoadedModels {
		if s.LoadedModels[i].Name == name {
			return &s.LoadedModels[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s *Server) Clone() *Server {
	clone := *s
	clone.Models = append([]string(nil), s.Models...)
	clone.LoadedModels = append([]LoadedModel(nil), s.LoadedModels...)
	return &clone
}

// ServerSpec is the admission form for Add. A nil MaxConcurrency takes the
// configured default; an explicit zero registers the server in maintenance.
type ServerSpec struct {
	ID             string
	Name           string
	URL            string
	Type           ServerType
	MaxConcurrency *int
	APIKey         string
}

// ServerPatch updates a server in place; nil fields are left untouched.
type ServerPatch struct {
	Name           *string
	MaxConcurrency *int
	APIKey         *string
	Healthy        *bool
}

// Ban excludes one (server, model) pair from selection. A zero ExpiresAt
// never expires.
type Ban struct {
	ServerID  string    `json:"serverId"`
	Model     string    `json:"model"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (b Ban) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}
