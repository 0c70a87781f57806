// Package archive reads plugin release archives.
//
// Release assets are zip files, gzip-compressed tarballs or plain tarballs;
// the format is detected from the leading magic bytes rather than the file
// name, since assets named ".zip" have been published as tar streams.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/dmplugins/plugin-manager/internal/logutil"
)

// ErrUnsupported is returned for files that are neither zip nor tar.
var ErrUnsupported = errors.New("unsupported archive format")

// File is a regular file read from an archive. Path is slash-separated.
type File struct {
	Path string
	Data []byte
}

type kind int

const (
	kindTar kind = iota
	kindGzip
	kindZip
)

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

// entry is the format-independent view of an archive member.
type entry struct {
	name string
	mode fs.FileMode
	dir  bool
}

// ScratchDir is the folder ExtractAll produces for release archives whose
// members live under a top-level folder named like the archive:
// "/tmp/x/dm-LFO-vst-and-clap-ubuntu.zip" -> "/tmp/x/dm-LFO-vst-and-clap-ubuntu".
func ScratchDir(archivePath string) string {
	return strings.TrimSuffix(archivePath, filepath.Ext(archivePath))
}

// Stem is the archive file name without directory and extension.
func Stem(archivePath string) string {
	return filepath.Base(ScratchDir(archivePath))
}

// ExtractAll extracts every member into the directory containing the
// archive. Missing ancestor directories are created; files keep their
// recorded permission bits, falling back to 0644.
func ExtractAll(archivePath string) error {
	destDir := filepath.Dir(archivePath)
	var files, dirs int
	err := walk(archivePath, func(e entry, r io.Reader) error {
		target := filepath.Join(destDir, filepath.FromSlash(e.name))
		if e.dir {
			dirs++
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			return nil
		}
		files++
		return writeFile(target, r, e.mode)
	})
	if err != nil {
		return err
	}
	log.Printf("[archive] extracted %s: %d files, %d directories", filepath.Base(archivePath), files, dirs)
	return nil
}

// ExtractMatching reads into memory the regular files stored below prefix
// (a slash-separated directory inside the archive). Returned paths are
// relative to the parent of prefix, so prefix "stem/dm-LFO.lv2" yields
// paths like "dm-LFO.lv2/manifest.ttl".
func ExtractMatching(archivePath, prefix string) ([]File, error) {
	prefix = path.Clean(strings.TrimPrefix(filepath.ToSlash(prefix), "./"))
	base := path.Dir(prefix)

	var out []File
	err := walk(archivePath, func(e entry, r io.Reader) error {
		if e.dir || !strings.HasPrefix(e.name, prefix+"/") {
			return nil
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read %s: %w", e.name, err)
		}
		rel := e.name
		if base != "." {
			rel = strings.TrimPrefix(e.name, base+"/")
		}
		out = append(out, File{Path: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(target), err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return f.Close()
}

// cleanName normalises a member name and reports whether it is safe to
// materialise below the destination directory.
func cleanName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", false
	}
	clean := path.Clean(name)
	if clean == "." || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", false
	}
	return clean, true
}

func detect(f *os.File) (kind, error) {
	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, err
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return kindZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return kindGzip, nil
	}
	return kindTar, nil
}

// walk calls fn for every safe directory and regular file member in
// archive order. Unsafe names, links and special files are skipped.
func walk(archivePath string, fn func(entry, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	k, err := detect(f)
	if err != nil {
		return fmt.Errorf("read archive %s: %w", archivePath, err)
	}

	switch k {
	case kindZip:
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return walkZip(f, info.Size(), archivePath, fn)
	case kindGzip:
		gz, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsupported, archivePath, err)
		}
		defer gz.Close()
		return walkTar(gz, archivePath, fn)
	}
	return walkTar(bufio.NewReader(f), archivePath, fn)
}

func walkZip(r io.ReaderAt, size int64, archivePath string, fn func(entry, io.Reader) error) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnsupported, archivePath, err)
	}
	for _, zf := range zr.File {
		name, ok := cleanName(zf.Name)
		if !ok {
			log.Printf("[archive] skipping unsafe entry %q in %s", logutil.SanitizeForLog(zf.Name), filepath.Base(archivePath))
			continue
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(zf.Name, "/"):
			if err := fn(entry{name: name, mode: mode, dir: true}, nil); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("open %s in %s: %w", name, archivePath, err)
			}
			err = fn(entry{name: name, mode: mode}, rc)
			rc.Close()
			if err != nil {
				return err
			}
		default:
			log.Printf("[archive] skipping special entry %q (%s)", logutil.SanitizeForLog(zf.Name), mode.Type())
		}
	}
	return nil
}

func walkTar(r io.Reader, archivePath string, fn func(entry, io.Reader) error) error {
	tr := tar.NewReader(r)
	first := true
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if first {
				return fmt.Errorf("%w: %s: %v", ErrUnsupported, archivePath, err)
			}
			return fmt.Errorf("read archive %s: %w", archivePath, err)
		}
		first = false

		name, ok := cleanName(hdr.Name)
		if !ok {
			log.Printf("[archive] skipping unsafe entry %q in %s", logutil.SanitizeForLog(hdr.Name), filepath.Base(archivePath))
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = fn(entry{name: name, mode: hdr.FileInfo().Mode(), dir: true}, nil)
		case tar.TypeReg:
			err = fn(entry{name: name, mode: hdr.FileInfo().Mode()}, tr)
		default:
			log.Printf("[archive] skipping special entry %q (type %c)", logutil.SanitizeForLog(hdr.Name), hdr.Typeflag)
		}
		if err != nil {
			return err
		}
	}
}
