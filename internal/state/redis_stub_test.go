package state

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// redisStub responde o mínimo do protocolo RESP2 para GET/SET/PUBLISH.
type redisStub struct {
	ln       net.Listener
	mu       sync.Mutex
	kv       map[string]string
	ttl      map[string]string
	messages []string
}

func startRedisStub(t *testing.T) *redisStub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &redisStub{ln: ln, kv: make(map[string]string), ttl: make(map[string]string)}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *redisStub) Addr() string { return s.ln.Addr().String() }

func (s *redisStub) value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok
}

func (s *redisStub) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *redisStub) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		s.dispatch(w, args)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *redisStub) dispatch(w *bufio.Writer, args []string) {
	if len(args) == 0 {
		fmt.Fprint(w, "-ERR empty command\r\n")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		fmt.Fprint(w, "+PONG\r\n")
	case "CLIENT", "SELECT", "AUTH":
		fmt.Fprint(w, "+OK\r\n")
	case "SET":
		s.kv[args[1]] = args[2]
		if len(args) >= 5 {
			s.ttl[args[1]] = strings.ToUpper(args[3]) + " " + args[4]
		}
		fmt.Fprint(w, "+OK\r\n")
	case "GET":
		v, ok := s.kv[args[1]]
		if !ok {
			fmt.Fprint(w, "$-1\r\n")
			return
		}
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case "PUBLISH":
		s.messages = append(s.messages, args[1]+" "+args[2])
		fmt.Fprint(w, ":0\r\n")
	default:
		fmt.Fprintf(w, "-ERR unknown command '%s'\r\n", args[0])
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected line %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(header, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}
