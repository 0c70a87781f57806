package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

type member struct {
	name string
	body string
	dir  bool
	link string
}

var releaseMembers = []member{
	{name: "dm-LFO-moddwarf-new/", dir: true},
	{name: "dm-LFO-moddwarf-new/dm-LFO.lv2/", dir: true},
	{name: "dm-LFO-moddwarf-new/dm-LFO.lv2/manifest.ttl", body: "manifest"},
	{name: "dm-LFO-moddwarf-new/dm-LFO.lv2/modgui/icon.html", body: "<div/>"},
	{name: "dm-LFO-moddwarf-new/dm-LFO.lv2x/decoy.ttl", body: "decoy"},
	{name: "dm-LFO-moddwarf-new/README.md", body: "readme"},
}

func writeZip(t *testing.T, path string, members []member) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatal(err)
		}
		if !m.dir {
			w.Write([]byte(m.body))
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func tarBytes(t *testing.T, members []member) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Mode: 0o644, Size: int64(len(m.body)), Typeflag: tar.TypeReg}
		switch {
		case m.dir:
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0o755, 0
		case m.link != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeSymlink, m.link, 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			tw.Write([]byte(m.body))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeTarGz(t *testing.T, path string, members []member) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(tarBytes(t, members))
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func paths(files []File) []string {
	var out []string
	for _, f := range files {
		out = append(out, f.Path)
	}
	sort.Strings(out)
	return out
}

func TestExtractMatching_AllFormats(t *testing.T) {
	writers := map[string]func(*testing.T, string, []member){
		"zip": writeZip,
		"tar": func(t *testing.T, p string, m []member) {
			if err := os.WriteFile(p, tarBytes(t, m), 0o644); err != nil {
				t.Fatal(err)
			}
		},
		"tar.gz": writeTarGz,
	}
	for name, write := range writers {
		t.Run(name, func(t *testing.T) {
			// Every format is stored as ".zip" the way release assets are named.
			archivePath := filepath.Join(t.TempDir(), "dm-LFO-moddwarf-new.zip")
			write(t, archivePath, releaseMembers)

			files, err := ExtractMatching(archivePath, Stem(archivePath)+"/dm-LFO.lv2")
			if err != nil {
				t.Fatalf("ExtractMatching: %v", err)
			}
			got := paths(files)
			want := []string{"dm-LFO.lv2/manifest.ttl", "dm-LFO.lv2/modgui/icon.html"}
			if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
				t.Fatalf("paths = %v, want %v", got, want)
			}
			for _, f := range files {
				if f.Path == "dm-LFO.lv2/manifest.ttl" && string(f.Data) != "manifest" {
					t.Errorf("manifest data = %q", f.Data)
				}
			}
		})
	}
}

func TestExtractMatching_NoMatch(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "dm-LFO-moddwarf-new.zip")
	writeZip(t, archivePath, releaseMembers)

	files, err := ExtractMatching(archivePath, "dm-LFO-moddwarf-new/dm-Stutter.lv2")
	if err != nil {
		t.Fatalf("ExtractMatching: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files, got %v", paths(files))
	}
}

func TestExtractAll(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "dm-Stutter-vst-and-clap-ubuntu.zip")
	writeZip(t, archivePath, []member{
		// No explicit directory members: ancestors must be created.
		{name: "dm-Stutter-vst-and-clap-ubuntu/dm-Stutter.vst3/Contents/x86_64-linux/dm-Stutter.so", body: "elf"},
		{name: "dm-Stutter-vst-and-clap-ubuntu/dm-Stutter.clap", body: "clap"},
		{name: "dm-Stutter-vst-and-clap-ubuntu/empty/", dir: true},
	})

	if err := ExtractAll(archivePath); err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	scratch := ScratchDir(archivePath)
	if scratch != filepath.Join(dir, "dm-Stutter-vst-and-clap-ubuntu") {
		t.Errorf("ScratchDir = %q", scratch)
	}
	data, err := os.ReadFile(filepath.Join(scratch, "dm-Stutter.vst3", "Contents", "x86_64-linux", "dm-Stutter.so"))
	if err != nil || string(data) != "elf" {
		t.Errorf("nested file = %q, %v", data, err)
	}
	if info, err := os.Stat(filepath.Join(scratch, "empty")); err != nil || !info.IsDir() {
		t.Errorf("empty dir not created: %v", err)
	}
}

func TestExtractAll_SkipsUnsafeAndLinks(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "work")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(dir, "evil.tar")
	data := tarBytes(t, []member{
		{name: "../escape.txt", body: "bad"},
		{name: "/abs.txt", body: "bad"},
		{name: "evil/../../escape2.txt", body: "bad"},
		{name: "evil/link", link: "/etc/passwd"},
		{name: "evil/ok.txt", body: "good"},
	})
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ExtractAll(archivePath); err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	for _, p := range []string{filepath.Join(root, "escape.txt"), filepath.Join(root, "escape2.txt"), filepath.Join(dir, "evil", "link")} {
		if _, err := os.Lstat(p); err == nil {
			t.Errorf("%s should not exist", p)
		}
	}
	if got, err := os.ReadFile(filepath.Join(dir, "evil", "ok.txt")); err != nil || string(got) != "good" {
		t.Errorf("safe entry = %q, %v", got, err)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	p := filepath.Join(t.TempDir(), "not-an-archive.zip")
	if err := os.WriteFile(p, []byte("<html>404 Not Found</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ExtractAll(p); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ExtractAll = %v, want ErrUnsupported", err)
	}
	if _, err := ExtractMatching(p, "x/y"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ExtractMatching = %v, want ErrUnsupported", err)
	}
}

func TestMissingArchive(t *testing.T) {
	err := ExtractAll(filepath.Join(t.TempDir(), "missing.zip"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"a/b.txt":     "a/b.txt",
		"./a/b":       "a/b",
		"a\\b\\c.dll": "a/b/c.dll",
		"a/./b/../c":  "a/c",
		"dir/":        "dir",
	}
	for in, want := range tests {
		got, ok := cleanName(in)
		if !ok || got != want {
			t.Errorf("cleanName(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", ".", "./", "/etc/passwd", "../x", "a/../../x"} {
		if _, ok := cleanName(bad); ok {
			t.Errorf("cleanName(%q) should be rejected", bad)
		}
	}
}
