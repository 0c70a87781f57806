package sshfiles

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/dmplugins/plugin-manager/internal/sshexec"
	"github.com/dmplugins/plugin-manager/internal/sshtest"
)

func newFiles(t *testing.T) (*ShellFiles, *sshtest.Server) {
	srv := sshtest.NewServer(t)
	client := srv.Dial(t)
	return New(runnerFunc(func(ctx context.Context, cmd string, stdin []byte) (string, error) {
		return sshexec.Run(ctx, client, cmd, stdin)
	})), srv
}

// runnerFunc adapts a function to sshexec.Runner.
type runnerFunc func(ctx context.Context, cmd string, stdin []byte) (string, error)

func (f runnerFunc) Run(ctx context.Context, cmd string, stdin []byte) (string, error) {
	return f(ctx, cmd, stdin)
}

func TestWriteFile_MakeDirFirst(t *testing.T) {
	files, srv := newFiles(t)
	ctx := context.Background()

	if err := files.MakeDir(ctx, ".lv2/dm-LFO.lv2/modgui"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if !srv.HasDir(".lv2") || !srv.HasDir(".lv2/dm-LFO.lv2") {
		t.Error("mkdir -p should create parents")
	}

	data := []byte{0x7f, 'E', 'L', 'F', 0x00, 0xff}
	if err := files.WriteFile(ctx, ".lv2/dm-LFO.lv2/modgui/lfo.so", data); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, ok := srv.File(".lv2/dm-LFO.lv2/modgui/lfo.so")
	if !ok || !bytes.Equal(got, data) {
		t.Errorf("file = %v, %v", got, ok)
	}
}

func TestWriteFile_MissingParentFails(t *testing.T) {
	files, _ := newFiles(t)

	err := files.WriteFile(context.Background(), "nowhere/file.ttl", []byte("x"))
	var cmdErr *sshexec.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
}

func TestRemoveAll(t *testing.T) {
	files, srv := newFiles(t)
	srv.PutFile(".lv2/dm-LFO.lv2/manifest.ttl", []byte("m"))
	srv.PutFile(".lv2/dm-Stutter.lv2/manifest.ttl", []byte("s"))

	if err := files.RemoveAll(context.Background(), ".lv2/dm-LFO.lv2"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, ok := srv.File(".lv2/dm-LFO.lv2/manifest.ttl"); ok {
		t.Error("bundle file still present")
	}
	if _, ok := srv.File(".lv2/dm-Stutter.lv2/manifest.ttl"); !ok {
		t.Error("sibling bundle removed")
	}
	// Missing path is fine.
	if err := files.RemoveAll(context.Background(), ".lv2/dm-LFO.lv2"); err != nil {
		t.Errorf("RemoveAll missing: %v", err)
	}
}

func TestRemoveAll_RefusesRoot(t *testing.T) {
	files, srv := newFiles(t)
	for _, p := range []string{"", ".", "/", "  ", "~"} {
		if err := files.RemoveAll(context.Background(), p); err == nil {
			t.Errorf("RemoveAll(%q) should fail", p)
		}
	}
	if n := len(srv.Commands()); n != 0 {
		t.Errorf("no command should reach the device, got %d", n)
	}
}

func TestList(t *testing.T) {
	files, srv := newFiles(t)
	srv.PutFile(".lv2/dm-LFO.lv2/manifest.ttl", nil)
	srv.PutFile(".lv2/dm-Stutter.lv2/manifest.ttl", nil)
	srv.PutFile(".lv2/readme", nil)

	got, err := files.List(context.Background(), ".lv2")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"dm-LFO.lv2", "dm-Stutter.lv2", "readme"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}

	if _, err := files.List(context.Background(), "missing"); err == nil {
		t.Error("expected error listing a missing directory")
	}
}

func TestShellQuote(t *testing.T) {
	files, srv := newFiles(t)
	path := "it's a dir/f $x"
	if err := files.MakeDir(context.Background(), "it's a dir"); err != nil {
		t.Fatal(err)
	}
	if err := files.WriteFile(context.Background(), path, []byte("q")); err != nil {
		t.Fatal(err)
	}
	if _, ok := srv.File(path); !ok {
		t.Errorf("quoted path not written; commands: %v", srv.Commands())
	}

	if got := shellQuote("a'b"); got != `'a'\''b'` {
		t.Errorf("shellQuote = %s", got)
	}
}
