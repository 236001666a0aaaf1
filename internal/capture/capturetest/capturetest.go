// Package capturetest cria binários falsos de ffmpeg para os testes.
package capturetest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// JPEG gera uma imagem válida w x h.
func JPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// Fake é um ffmpeg de mentira. Cada execução anexa os argumentos em Calls.
type Fake struct {
	Path  string
	calls string
}

// Script escreve um shell script executável. O corpo recebe $OUT com o último
// argumento (o arquivo de saída) e $CALLS com o arquivo de registro.
func Script(t testing.TB, body string) *Fake {
	t.Helper()
	dir := t.TempDir()
	f := &Fake{
		Path:  filepath.Join(dir, "ffmpeg"),
		calls: filepath.Join(dir, "calls.log"),
	}
	script := "#!/bin/sh\n" +
		"CALLS=" + shellQuote(f.calls) + "\n" +
		"echo \"$*\" >> \"$CALLS\"\n" +
		"for OUT; do :; done\n" +
		body + "\n"
	if err := os.WriteFile(f.Path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return f
}

// Copying devolve um fake que grava data no arquivo de saída.
func Copying(t testing.TB, data []byte) *Fake {
	t.Helper()
	return CopyingAfter(t, data, 0)
}

// CopyingAfter espera delay antes de gravar, para sobrepor chamadas.
func CopyingAfter(t testing.TB, data []byte, delay time.Duration) *Fake {
	t.Helper()
	src := filepath.Join(t.TempDir(), "fixture.jpg")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	body := "cp " + shellQuote(src) + " \"$OUT\""
	if delay > 0 {
		body = fmt.Sprintf("sleep %.3f\n%s", delay.Seconds(), body)
	}
	return Script(t, body)
}

// Calls devolve uma linha por execução.
func (f *Fake) Calls(t testing.TB) []string {
	t.Helper()
	data, err := os.ReadFile(f.calls)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read calls: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
