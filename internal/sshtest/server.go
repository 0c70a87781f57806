// Package sshtest runs an in-process SSH server for tests. Exec requests
// are served by a tiny in-memory shell that understands the commands the
// plugin deployer sends to a MOD device: ls, mkdir -p, cat >, rm -rf.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	User     = "root"
	Password = "mod"
)

// Fault overrides every command starting with Prefix. With NoExit set the
// channel is closed without an exit-status message; with Hang set the
// command never finishes until the client closes the channel; otherwise
// Stderr is written and ExitStatus returned.
//
// Early makes the server answer the way sshd does for a command that never
// reads stdin: exit-status, EOF and close right after the exec reply,
// without waiting for the client to finish writing.
type Fault struct {
	Prefix     string
	Stderr     string
	ExitStatus int
	NoExit     bool
	Hang       bool
	Early      bool
}

// Server is an SSH server backed by an in-memory filesystem.
type Server struct {
	Addr string

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	commands []string
	faults   []Fault

	listener net.Listener
	conns    []net.Conn
	done     chan struct{}
}

// NewServer starts a server on 127.0.0.1 accepting User/Password and
// registers its shutdown with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(password) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		files:    make(map[string][]byte),
		dirs:     map[string]bool{".": true},
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, netConn)
			s.mu.Unlock()
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Host and Port split Addr for building endpoints.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(p)
	return port
}

// Dial opens an authenticated client connection and closes it on cleanup.
func (s *Server) Dial(t testing.TB) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", s.Addr, &ssh.ClientConfig{
		User:            User,
		Auth:            []ssh.AuthMethod{ssh.Password(Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	<-s.done
}

// AddFault registers a failing command prefix.
func (s *Server) AddFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// Commands returns every exec command received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// File returns the content stored at path.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

// Files returns every stored file path, sorted.
func (s *Server) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasDir reports whether path exists as a directory.
func (s *Server) HasDir(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[path]
}

// PutFile stores a file and creates its parent directories.
func (s *Server) PutFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(parent(path))
	s.files[path] = data
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		if req.WantReply {
			req.Reply(true, nil)
		}
		cmd := payload.Command
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		fault, faulted := s.faultFor(cmd)
		s.mu.Unlock()

		if faulted && fault.Hang {
			ssh.DiscardRequests(requests)
			return
		}
		go ssh.DiscardRequests(requests)

		if faulted && fault.Early {
			io.WriteString(ch.Stderr(), fault.Stderr)
			sendExitStatus(ch, fault.ExitStatus)
			ch.CloseWrite()
			return
		}
		if faulted {
			io.Copy(io.Discard, ch)
			if fault.NoExit {
				return
			}
			io.WriteString(ch.Stderr(), fault.Stderr)
			sendExitStatus(ch, fault.ExitStatus)
			return
		}

		stdout, stderr, status := s.exec(cmd, ch)
		io.WriteString(ch, stdout)
		io.WriteString(ch.Stderr(), stderr)
		ch.CloseWrite()
		sendExitStatus(ch, status)
		return
	}
}

func sendExitStatus(ch ssh.Channel, status int) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(status))
	ch.SendRequest("exit-status", false, payload)
}

func (s *Server) faultFor(cmd string) (Fault, bool) {
	for _, f := range s.faults {
		if strings.HasPrefix(cmd, f.Prefix) {
			return f, true
		}
	}
	return Fault{}, false
}

// exec runs one command line against the in-memory filesystem. stdin is
// only consumed by "cat >".
func (s *Server) exec(cmd string, stdin io.Reader) (stdout, stderr string, status int) {
	args := splitArgs(cmd)
	if len(args) == 0 {
		return "", "", 0
	}

	switch {
	case args[0] == "cat" && len(args) == 3 && args[1] == ">":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Sprintf("cat: read stdin: %v\n", err), 1
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.dirs[parent(args[2])] {
			return "", fmt.Sprintf("sh: can't create %s: nonexistent directory\n", args[2]), 1
		}
		s.files[args[2]] = data
		return "", "", 0

	case args[0] == "mkdir" && len(args) == 3 && args[1] == "-p":
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, isFile := s.files[args[2]]; isFile {
			return "", fmt.Sprintf("mkdir: can't create directory '%s': File exists\n", args[2]), 1
		}
		s.mkdirAll(args[2])
		return "", "", 0

	case args[0] == "rm" && len(args) == 3 && args[1] == "-rf":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removeAll(args[2])
		return "", "", 0

	case args[0] == "ls":
		dir := "."
		for _, a := range args[1:] {
			if !strings.HasPrefix(a, "-") {
				dir = a
			}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.dirs[dir] {
			return "", fmt.Sprintf("ls: %s: No such file or directory\n", dir), 1
		}
		return s.list(dir), "", 0

	case args[0] == "echo":
		return strings.Join(args[1:], " ") + "\n", "", 0

	case args[0] == "exit" && len(args) == 2:
		code, _ := strconv.Atoi(args[1])
		return "", "", code
	}

	return "", fmt.Sprintf("sh: %s: not found\n", args[0]), 127
}

func (s *Server) mkdirAll(dir string) {
	dir = clean(dir)
	for dir != "." && dir != "/" && dir != "" {
		s.dirs[dir] = true
		dir = parent(dir)
	}
}

func (s *Server) removeAll(path string) {
	path = clean(path)
	prefix := path + "/"
	for p := range s.files {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.files, p)
		}
	}
	for d := range s.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(s.dirs, d)
		}
	}
}

func (s *Server) list(dir string) string {
	prefix := dir + "/"
	if dir == "." {
		prefix = ""
	}
	seen := make(map[string]bool)
	var names []string
	add := func(p string) {
		if !strings.HasPrefix(p, prefix) || p == dir {
			return
		}
		rest := p[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") || seen[rest] {
			return
		}
		seen[rest] = true
		names = append(names, rest)
	}
	for p := range s.files {
		add(p)
	}
	for d := range s.dirs {
		add(d)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, "\n") + "\n"
}

func clean(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

func parent(p string) string {
	p = clean(p)
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "."
	}
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// splitArgs splits a command line into words, honouring single quotes and
// the '\'' escape produced by shell quoting.
func splitArgs(cmd string) []string {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		inQuote bool
	)
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case inQuote && c == '\'':
			inQuote = false
		case inQuote:
			cur.WriteByte(c)
		case c == '\'':
			inQuote, inWord = true, true
		case c == '\\' && i+1 < len(cmd):
			i++
			cur.WriteByte(cmd[i])
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args
}
