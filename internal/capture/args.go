package capture

import (
	"fmt"
	"strconv"
)

// SnapshotArgs monta os argumentos do ffmpeg para um único frame gravado em out.
// A ordem é fixa.
func SnapshotArgs(src Source, out string, width, height int) []string {
	args := []string{"-y"}
	args = append(args, src.ArgsPrefix...)
	if src.IsRTSP() {
		args = append(args, "-rtsp_transport", src.TransportMode())
	}
	args = append(args, "-i", src.URL(), "-loglevel", "error")
	if filter := ScaleFilter(width, height); filter != "" {
		args = append(args, "-vf", filter)
	}
	args = append(args, "-frames:v", "1")
	args = append(args, src.ArgsSuffix...)
	return append(args, out)
}

// StreamOptions controla o processo contínuo de MJPEG.
type StreamOptions struct {
	FPS    int
	Width  int
	Height int
}

// StreamArgs monta os argumentos do processo contínuo que escreve MJPEG no stdout.
func StreamArgs(src Source, opts StreamOptions) []string {
	fps := opts.FPS
	if fps <= 0 {
		fps = 2
	}
	args := []string{"-loglevel", "error"}
	args = append(args, src.ArgsPrefix...)
	if src.IsRTSP() {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", src.URL(),
		"-an",
	)
	if filter := ScaleFilter(opts.Width, opts.Height); filter != "" {
		args = append(args, "-vf", filter)
	}
	return append(args,
		"-r", strconv.Itoa(fps),
		"-f", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

// ScaleFilter devolve "" quando nenhuma dimensão foi pedida. Dimensão ausente
// vira -2 para o ffmpeg manter a proporção com valor par.
func ScaleFilter(width, height int) string {
	switch {
	case width > 0 && height > 0:
		return fmt.Sprintf("scale=%d:%d", width, height)
	case width > 0:
		return fmt.Sprintf("scale=%d:-2", width)
	case height > 0:
		return fmt.Sprintf("scale=-2:%d", height)
	}
	return ""
}

// HeightForWidth calcula a altura par para width mantendo a proporção ratio (w/h).
func HeightForWidth(width int, ratio float64) int {
	if width <= 0 || ratio <= 0 {
		return 0
	}
	h := int(float64(width)/ratio + 0.5)
	if h%2 != 0 {
		h++
	}
	return h
}
