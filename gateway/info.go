package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/HealthNoteLabs/HealthNote-Relay/event"
)

// Software identification advertised in the information document.
const (
	softwareName    = "github.com/HealthNoteLabs/HealthNote-Relay"
	softwareVersion = "0.2.0"
)

// InfoDocument is the relay metadata served to plain HTTP requests on
// the root path.
type InfoDocument struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Pubkey         string         `json:"pubkey"`
	Contact        string         `json:"contact"`
	Software       string         `json:"software"`
	Version        string         `json:"version"`
	SupportedKinds []int          `json:"supported_kinds"`
	Limitation     InfoLimitation `json:"limitation"`
}

// InfoLimitation advertises the relay's query bounds.
type InfoLimitation struct {
	DefaultLimit int `json:"default_limit"`
	MaxLimit     int `json:"max_limit"`
}

func (s *Server) serveInfoDocument(w http.ResponseWriter, _ *http.Request) {
	doc := InfoDocument{
		Name:           s.config.Name,
		Description:    s.config.Description,
		Pubkey:         s.config.IdentityPubkey,
		Contact:        s.config.Contact,
		Software:       softwareName,
		Version:        softwareVersion,
		SupportedKinds: event.SupportedKinds(),
		Limitation: InfoLimitation{
			DefaultLimit: s.config.DefaultLimit,
			MaxLimit:     s.config.MaxLimit,
		},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = json.NewEncoder(w).Encode(doc)
}
