// Package state publica o indicador de streaming e o último frame de cada
// câmera, e lê/escreve valores de estado de outros subsistemas.
package state

import (
	"context"
	"strconv"
	"sync"
)

// Publisher recebe o que o motor de streaming quer tornar visível.
type Publisher interface {
	SetStreaming(ctx context.Context, camera string, on bool) error
	// PublishFrame é o slot de último frame para quem só faz polling.
	PublishFrame(ctx context.Context, camera string, frame []byte) error
}

// Store é o estado externo consultado pelo driver linked. Chave ausente
// devolve "" sem erro.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Backend junta as duas pontas.
type Backend interface {
	Publisher
	Store
	Close() error
}

func boolString(on bool) string {
	return strconv.FormatBool(on)
}

// Memory guarda tudo em mapas. Usado quando nenhum broker foi configurado e
// nos testes.
type Memory struct {
	mu        sync.Mutex
	values    map[string]string
	streaming map[string]bool
	frames    map[string][]byte
	counts    map[string]int
	history   map[string][]bool
}

func NewMemory() *Memory {
	return &Memory{
		values:    make(map[string]string),
		streaming: make(map[string]bool),
		frames:    make(map[string][]byte),
		counts:    make(map[string]int),
		history:   make(map[string][]bool),
	}
}

func (m *Memory) SetStreaming(_ context.Context, camera string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming[camera] = on
	m.history[camera] = append(m.history[camera], on)
	return nil
}

func (m *Memory) PublishFrame(_ context.Context, camera string, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[camera] = append([]byte(nil), frame...)
	m.counts[camera]++
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Streaming(camera string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming[camera]
}

// StreamingHistory devolve todas as transições publicadas para camera.
func (m *Memory) StreamingHistory(camera string) []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.history[camera]...)
}

// Frame devolve o último frame publicado e quantos foram publicados.
func (m *Memory) Frame(camera string) ([]byte, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[camera], m.counts[camera]
}
