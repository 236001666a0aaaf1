package capture

import (
	"fmt"
	"regexp"
	"strings"
)

// MaskPlaceholder substitui a senha em tudo que vai para log.
const MaskPlaceholder = "******"

// Source é a descrição de conexão que o ffmpeg recebe. Drivers constroem
// a partir do core.Camera.
type Source struct {
	Camera    string
	Scheme    string
	Host      string
	Port      int
	Path      string
	Username  string
	Password  string
	Transport string

	ArgsPrefix []string
	ArgsSuffix []string
}

func (s Source) IsRTSP() bool {
	scheme := strings.ToLower(s.Scheme)
	return scheme == "" || scheme == "rtsp" || scheme == "rtsps"
}

// Address é host[:port], usado também para nomear o arquivo temporário.
func (s Source) Address() string {
	if s.Port > 0 {
		return fmt.Sprintf("%s:%d", s.Host, s.Port)
	}
	return s.Host
}

// URL monta a URL com credenciais inline, já escapadas.
func (s Source) URL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "rtsp"
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if s.Username != "" {
		b.WriteString(EscapeCredential(s.Username))
		if s.Password != "" {
			b.WriteByte(':')
			b.WriteString(EscapeCredential(s.Password))
		}
		b.WriteByte('@')
	}
	b.WriteString(s.Address())
	if s.Path != "" {
		if !strings.HasPrefix(s.Path, "/") {
			b.WriteByte('/')
		}
		b.WriteString(s.Path)
	}
	return b.String()
}

// TransportMode devolve tcp quando nada foi configurado.
func (s Source) TransportMode() string {
	t := strings.ToLower(strings.TrimSpace(s.Transport))
	if t == "udp" || t == "http" || t == "udp_multicast" {
		return t
	}
	return "tcp"
}

// EscapeCredential faz percent-encoding de tudo fora de A-Z a-z 0-9 - _ . ~
// (inclui ! ' ( ) * que o encodeURIComponent deixaria passar).
func EscapeCredential(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

// MaskPassword esconde a senha, crua ou escapada, numa linha de comando.
func MaskPassword(line, password string) string {
	if password == "" {
		return line
	}
	if escaped := EscapeCredential(password); escaped != password {
		line = strings.ReplaceAll(line, escaped, MaskPlaceholder)
	}
	return strings.ReplaceAll(line, password, MaskPlaceholder)
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// ScratchName gera o nome fixo do arquivo de saída para um endereço.
func ScratchName(address string) string {
	name := nonAlnum.ReplaceAllString(address, "_")
	if name == "" {
		name = "camera"
	}
	return name + ".jpg"
}
