package stream

import (
	"os"
	"strconv"
	"time"
)

// Config reúne os parâmetros de sessão que antes eram constantes.
type Config struct {
	// FrameInterval é o intervalo mínimo entre frames entregues.
	FrameInterval time.Duration
	// IdleTimeout derruba a sessão que ficou esse tempo sem frame.
	IdleTimeout time.Duration
	// WidthTolerance: mudanças de largura menores que isso não reiniciam o processo.
	WidthTolerance int
	FPS            int
	// SettleDelay é a pausa entre parar e reabrir ao trocar de largura.
	SettleDelay  time.Duration
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FrameInterval:  300 * time.Millisecond,
		IdleTimeout:    10 * time.Second,
		WidthTolerance: 100,
		FPS:            2,
		SettleDelay:    2 * time.Second,
		ProbeTimeout:   10 * time.Second,
	}
}

// ConfigFromEnv parte dos defaults e aplica STREAM_*.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.FrameInterval = time.Duration(getenvInt("STREAM_FRAME_INTERVAL_MS", int(cfg.FrameInterval/time.Millisecond))) * time.Millisecond
	cfg.IdleTimeout = time.Duration(getenvInt("STREAM_IDLE_TIMEOUT_SECONDS", int(cfg.IdleTimeout/time.Second))) * time.Second
	cfg.WidthTolerance = getenvInt("STREAM_WIDTH_TOLERANCE", cfg.WidthTolerance)
	cfg.FPS = getenvInt("STREAM_FPS", cfg.FPS)
	cfg.SettleDelay = time.Duration(getenvInt("STREAM_RESTART_SETTLE_MS", int(cfg.SettleDelay/time.Millisecond))) * time.Millisecond
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FrameInterval <= 0 {
		c.FrameInterval = def.FrameInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.WidthTolerance <= 0 {
		c.WidthTolerance = def.WidthTolerance
	}
	if c.FPS <= 0 {
		c.FPS = def.FPS
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	return c
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			return x
		}
	}
	return def
}
