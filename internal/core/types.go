package core

import (
	"strings"
	"time"
)

// Camera é o descritor de uma câmera configurada. Depois do Init do driver
// ele não é mais alterado.
type Camera struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	Address  string `json:"address" yaml:"address"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	UseTLS   bool   `json:"use_tls,omitempty" yaml:"use_tls,omitempty"`

	// Protocol é o transporte RTSP preferido ("tcp" ou "udp").
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	// Quality seleciona o stream principal ("high") ou o sub-stream ("low").
	Quality string `json:"quality,omitempty" yaml:"quality,omitempty"`
	Channel int    `json:"channel,omitempty" yaml:"channel,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`

	TimeoutMS  int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	CacheTTLMS int `json:"cache_ttl_ms,omitempty" yaml:"cache_ttl_ms,omitempty"`

	// Prescale aplicado nos snapshots (0 = tamanho original).
	Width  int `json:"width,omitempty" yaml:"width,omitempty"`
	Height int `json:"height,omitempty" yaml:"height,omitempty"`

	ArgsPrefix []string `json:"args_prefix,omitempty" yaml:"args_prefix,omitempty"`
	ArgsSuffix []string `json:"args_suffix,omitempty" yaml:"args_suffix,omitempty"`

	// Source referencia o estado externo usado pelo driver "linked".
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled trata a ausência do campo como habilitada.
func (c Camera) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Timeout devolve o timeout configurado ou o default global.
func (c Camera) Timeout(def time.Duration) time.Duration {
	if c.TimeoutMS > 0 {
		return time.Duration(c.TimeoutMS) * time.Millisecond
	}
	return def
}

func (c Camera) CacheTTL() time.Duration {
	if c.CacheTTLMS <= 0 {
		return 0
	}
	return time.Duration(c.CacheTTLMS) * time.Millisecond
}

// HighQuality considera "high" quando nada foi configurado.
func (c Camera) HighQuality() bool {
	q := strings.ToLower(strings.TrimSpace(c.Quality))
	return q == "" || q == "high" || q == "main"
}

// Result é o que um driver devolve para o roteador HTTP.
type Result struct {
	Body        []byte
	ContentType string
}

const ContentTypeJPEG = "image/jpeg"
