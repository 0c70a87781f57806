// Package sshexec runs one remote command per SSH "session" channel.
//
// Execute opens a fresh channel for every command, streams optional stdin
// bytes to the remote process, and drains the three kinds of channel
// traffic until the channel closes: stdout data, extended (stderr) data,
// and the exit-status / exit-signal requests. A channel that closes without
// reporting an exit status yields ErrCommandDidntExit, which is a protocol
// failure and never an exit code.
//
// Because stdin is binary-safe, Execute doubles as a file upload primitive:
// "cat > path" with the file content as stdin writes the file on the remote
// side (see package sshfiles).
package sshexec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dmplugins/plugin-manager/internal/logutil"
	"github.com/dmplugins/plugin-manager/internal/metrics"
)

// slowCommand is the threshold above which a command is logged as slow.
const slowCommand = 500 * time.Millisecond

// ErrCommandDidntExit is returned when the channel closed before the remote
// side reported an exit status.
var ErrCommandDidntExit = errors.New("the executed command didn't send an exit code")

// Result is the outcome of one remote command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	// ExitSignal is set when the process was killed by a signal. ExitStatus
	// is -1 in that case unless the server also sent a status.
	ExitSignal string
}

// Success reports a zero exit status without a signal.
func (r *Result) Success() bool {
	return r.ExitStatus == 0 && r.ExitSignal == ""
}

// CommandError is a command that ran but exited unsuccessfully. Stderr
// carries the remote error output.
type CommandError struct {
	Command    string
	ExitStatus int
	Signal     string
	Stderr     string
}

func (e *CommandError) Error() string {
	detail := string(bytes.TrimSpace([]byte(e.Stderr)))
	if e.Signal != "" {
		return fmt.Sprintf("command %q killed by signal %s: %s", logutil.Label(e.Command, 80), e.Signal, detail)
	}
	if detail == "" {
		return fmt.Sprintf("command %q exited %d", logutil.Label(e.Command, 80), e.ExitStatus)
	}
	return fmt.Sprintf("command error: %s", detail)
}

// ChannelOpener is satisfied by *ssh.Client.
type ChannelOpener interface {
	OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error)
}

// Runner runs a command and classifies its exit status. It is implemented
// by sshsession.Session.
type Runner interface {
	Run(ctx context.Context, command string, stdin []byte) (string, error)
}

type execMsg struct {
	Command string
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

type exitInfo struct {
	status    int
	hasStatus bool
	signal    string
}

// Execute runs command on a new channel of conn and waits for it to exit.
// A non-zero exit status is reported in the Result, not as an error; use
// Run for success/failure classification. Cancelling ctx closes the channel.
func Execute(ctx context.Context, conn ChannelOpener, command string, stdin []byte) (*Result, error) {
	start := time.Now()
	label := logutil.Label(command, 80)

	res, err := execute(ctx, conn, command, stdin)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrCommandDidntExit):
		metrics.ObserveCommand("no_exit", elapsed, len(stdin))
	case err != nil:
		metrics.ObserveCommand("transport_error", elapsed, len(stdin))
	case res.Success():
		metrics.ObserveCommand("ok", elapsed, len(stdin))
	default:
		metrics.ObserveCommand("exit_nonzero", elapsed, len(stdin))
	}

	if elapsed > slowCommand {
		if len(stdin) > 0 {
			log.Printf("[sshexec] SLOW stdin command (%s, %d bytes): %s", elapsed, len(stdin), label)
		} else {
			log.Printf("[sshexec] SLOW command (%s): %s", elapsed, label)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", label, err)
	}
	return res, nil
}

func execute(ctx context.Context, conn ChannelOpener, command string, stdin []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, reqs, err := conn.OpenChannel("session", nil)
	if err != nil {
		return nil, fmt.Errorf("open ssh channel: %w", err)
	}
	defer ch.Close()

	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	statusCh := make(chan exitInfo, 1)
	go func() {
		var info exitInfo
		for req := range reqs {
			switch req.Type {
			case "exit-status":
				if len(req.Payload) >= 4 {
					info.status = int(binary.BigEndian.Uint32(req.Payload))
					info.hasStatus = true
				}
			case "exit-signal":
				var msg exitSignalMsg
				if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
					info.signal = msg.Signal
				}
			}
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
		statusCh <- info
	}()

	ok, err := ch.SendRequest("exec", true, ssh.Marshal(&execMsg{Command: command}))
	if err != nil {
		return nil, fmt.Errorf("send exec request: %w", err)
	}
	if !ok {
		return nil, errors.New("exec request rejected by server")
	}

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdout, ch)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, ch.Stderr())
	}()

	// Commands that ignore stdin may exit and close the channel before
	// stdin is written or closed; the remote side then answers with io.EOF.
	var writeErr error
	if len(stdin) > 0 {
		if _, err := ch.Write(stdin); err != nil {
			writeErr = fmt.Errorf("write stdin: %w", err)
		}
	}
	if writeErr == nil {
		if err := ch.CloseWrite(); err != nil && !errors.Is(err, io.EOF) {
			writeErr = fmt.Errorf("close stdin: %w", err)
		}
	}

	done := make(chan exitInfo, 1)
	go func() {
		wg.Wait()
		done <- <-statusCh
	}()

	var info exitInfo
	select {
	case info = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !info.hasStatus && info.signal == "" {
		if writeErr != nil {
			return nil, writeErr
		}
		return nil, ErrCommandDidntExit
	}

	res := &Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitStatus: info.status,
		ExitSignal: info.signal,
	}
	if !info.hasStatus {
		res.ExitStatus = -1
	}
	// The exit status is authoritative once observed. A stdin error only
	// matters when the command never reported how it ended.
	if writeErr != nil {
		log.Printf("[sshexec] %s exited %d before reading all stdin: %v", logutil.Label(command, 80), res.ExitStatus, writeErr)
	}
	return res, nil
}

// Run executes command and classifies the outcome: exit status 0 returns
// stdout, anything else returns a *CommandError carrying stderr. Transport
// and protocol failures are returned unchanged from Execute.
func Run(ctx context.Context, conn ChannelOpener, command string, stdin []byte) (string, error) {
	res, err := Execute(ctx, conn, command, stdin)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return res.Stdout, &CommandError{
			Command:    command,
			ExitStatus: res.ExitStatus,
			Signal:     res.ExitSignal,
			Stderr:     res.Stderr,
		}
	}
	return res.Stdout, nil
}
