// Package sshsession opens authenticated SSH connections to a MOD device.
//
// A Session is created per top-level operation and closed explicitly; it is
// never pooled. Every command runs on its own channel (see sshexec), so one
// Session may be shared by concurrent tasks.
package sshsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dmplugins/plugin-manager/internal/metrics"
	"github.com/dmplugins/plugin-manager/internal/sshexec"
)

const (
	DefaultPort    = 22
	defaultTimeout = 5 * time.Second
)

var (
	// ErrNoConnection means the device could not be reached: dial failure,
	// timeout or cancelled context. Callers treat it as "device offline".
	ErrNoConnection = errors.New("no connection to device")
	ErrAuthFailed   = errors.New("ssh authentication failed")
	ErrHandshake    = errors.New("ssh handshake failed")
)

// Endpoint is the address and credentials of a device.
type Endpoint struct {
	Host           string
	Port           int
	User           string
	Password       string
	ConnectTimeout time.Duration
}

func (e Endpoint) addr() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

func (e Endpoint) timeout() time.Duration {
	if e.ConnectTimeout <= 0 {
		return defaultTimeout
	}
	return e.ConnectTimeout
}

// Session is an authenticated connection.
type Session struct {
	addr   string
	client *ssh.Client
	once   sync.Once
	err    error
}

// Connect dials the endpoint and authenticates with its password. Dial and
// handshake share the endpoint's connect timeout. The device host key is not
// verified: the MOD device sits on a fixed USB network address and
// regenerates its key on reflashing.
func Connect(ctx context.Context, ep Endpoint) (*Session, error) {
	addr := ep.addr()
	timeout := ep.timeout()

	cfg := &ssh.ClientConfig{
		User: ep.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(ep.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.ObserveConnect("no_connection")
		log.Printf("[ssh] dial %s failed: %v", addr, err)
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNoConnection, addr, err)
	}

	// Bound the handshake by the same timeout and abort it on ctx cancel.
	netConn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	cancelled := !stop()
	if err != nil {
		netConn.Close()
		err = classifyHandshake(err, cancelled || ctx.Err() != nil)
		switch {
		case errors.Is(err, ErrNoConnection):
			metrics.ObserveConnect("no_connection")
		case errors.Is(err, ErrAuthFailed):
			metrics.ObserveConnect("auth_failed")
		default:
			metrics.ObserveConnect("error")
		}
		log.Printf("[ssh] handshake with %s failed: %v", addr, err)
		return nil, err
	}
	if cancelled {
		sshConn.Close()
		metrics.ObserveConnect("no_connection")
		return nil, fmt.Errorf("%w: %v", ErrNoConnection, ctx.Err())
	}
	netConn.SetDeadline(time.Time{})

	metrics.ObserveConnect("ok")
	log.Printf("[ssh] connected to %s as %s", addr, ep.User)
	return &Session{addr: addr, client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func classifyHandshake(err error, cancelled bool) error {
	var netErr net.Error
	switch {
	case cancelled:
		return fmt.Errorf("%w: handshake aborted: %v", ErrNoConnection, err)
	case errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(err.Error(), "i/o timeout"):
		return fmt.Errorf("%w: handshake timed out: %v", ErrNoConnection, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrHandshake, err)
}

// Client exposes the underlying connection.
func (s *Session) Client() *ssh.Client {
	return s.client
}

// Addr is the host:port the session is connected to.
func (s *Session) Addr() string {
	return s.addr
}

// Execute runs command on a new channel. See sshexec.Execute.
func (s *Session) Execute(ctx context.Context, command string, stdin []byte) (*sshexec.Result, error) {
	return sshexec.Execute(ctx, s.client, command, stdin)
}

// Run runs command and classifies its exit status. See sshexec.Run.
func (s *Session) Run(ctx context.Context, command string, stdin []byte) (string, error) {
	return sshexec.Run(ctx, s.client, command, stdin)
}

// Disconnect closes the connection. Calling it more than once is safe; only
// the first call's error is returned.
//
// x/crypto/ssh has no API for sending SSH_MSG_DISCONNECT, so this closes the
// transport directly. Open channels are torn down with it; the device sees
// the TCP connection end.
func (s *Session) Disconnect() error {
	s.once.Do(func() {
		s.err = s.client.Close()
		log.Printf("[ssh] disconnected from %s", s.addr)
	})
	return s.err
}
