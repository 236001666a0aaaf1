package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sua-org/camfeed/internal/core"
)

// CameraFile é o YAML de câmeras:
//
//	defaults:
//	  kind: hikvision
//	  timeout_ms: 8000
//	cameras:
//	  - name: portao
//	    address: 10.0.0.5
//	    password: enc:...
type CameraFile struct {
	Defaults Defaults      `yaml:"defaults,omitempty"`
	Cameras  []core.Camera `yaml:"cameras"`
}

// Defaults preenche campos vazios de cada câmera.
type Defaults struct {
	Kind       string `yaml:"kind,omitempty"`
	Protocol   string `yaml:"protocol,omitempty"`
	Quality    string `yaml:"quality,omitempty"`
	TimeoutMS  int    `yaml:"timeout_ms,omitempty"`
	CacheTTLMS int    `yaml:"cache_ttl_ms,omitempty"`
}

func (d Defaults) apply(cam core.Camera) core.Camera {
	if cam.Kind == "" {
		cam.Kind = d.Kind
	}
	if cam.Protocol == "" {
		cam.Protocol = d.Protocol
	}
	if cam.Quality == "" {
		cam.Quality = d.Quality
	}
	if cam.TimeoutMS == 0 {
		cam.TimeoutMS = d.TimeoutMS
	}
	if cam.CacheTTLMS == 0 {
		cam.CacheTTLMS = d.CacheTTLMS
	}
	return cam
}

// LoadCameras lê o arquivo de câmeras. Arquivo ausente devolve lista vazia.
func LoadCameras(path string) ([]core.Camera, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cameras file: %w", err)
	}
	cams, err := ParseCameras(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cams, nil
}

// ParseCameras decodifica o YAML, aplica os defaults e recusa nomes
// repetidos ou campos desconhecidos.
func ParseCameras(data []byte) ([]core.Camera, error) {
	var file CameraFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, core.WrapError(core.KindInvalidConfiguration, "", err)
	}

	seen := make(map[string]bool, len(file.Cameras))
	out := make([]core.Camera, 0, len(file.Cameras))
	for i, cam := range file.Cameras {
		cam.Name = strings.TrimSpace(cam.Name)
		if cam.Name == "" {
			return nil, core.NewError(core.KindInvalidConfiguration, "", "camera #%d has no name", i+1)
		}
		if seen[cam.Name] {
			return nil, core.NewError(core.KindInvalidConfiguration, cam.Name, "duplicate camera name")
		}
		seen[cam.Name] = true
		out = append(out, file.Defaults.apply(cam))
	}
	return out, nil
}

func marshalCameras(cams []core.Camera) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(CameraFile{Cameras: cams}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CameraWriter persiste no arquivo as câmeras recebidas em tempo de execução.
type CameraWriter struct {
	path string
	mu   sync.Mutex
}

// NewCameraWriter devolve nil quando path é vazio; Sync de um writer nil não faz nada.
func NewCameraWriter(path string) *CameraWriter {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return &CameraWriter{path: path}
}

// Sync grava cams se a lista mudou. Devolve true quando escreveu.
func (w *CameraWriter) Sync(cams []core.Camera) (bool, error) {
	if w == nil {
		return false, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, err := LoadCameras(w.path); err == nil && sameCameras(existing, cams) {
		return false, nil
	}
	data, err := marshalCameras(cams)
	if err != nil {
		return false, fmt.Errorf("marshal cameras: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return false, fmt.Errorf("create cameras dir: %w", err)
	}
	// escreve ao lado e renomeia para nunca deixar o arquivo pela metade
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return false, fmt.Errorf("write cameras file: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return false, fmt.Errorf("replace cameras file: %w", err)
	}
	return true, nil
}

func sameCameras(a, b []core.Camera) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
