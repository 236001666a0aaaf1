package stream

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Process é o ffmpeg contínuo de uma sessão.
type Process interface {
	Stdout() io.Reader
	Kill() error
	// Wait só deve ser chamado depois de Stdout chegar ao EOF.
	Wait() error
}

type Launcher interface {
	Launch(ctx context.Context, args []string) (Process, error)
}

// ExecLauncher roda o binário de verdade.
type ExecLauncher struct {
	Binary string
}

func (l ExecLauncher) Launch(_ context.Context, args []string) (Process, error) {
	binary := l.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	// o processo vive além da requisição que abriu a sessão
	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stream command: %w", err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailBuffer
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
	}
	return err
}

// tailBuffer guarda só os últimos max bytes do stderr.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
