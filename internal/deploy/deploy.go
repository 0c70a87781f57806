// Package deploy installs and uninstalls one plugin bundle in one format.
//
// Every call runs a Task to completion or rolls back what it created. Local
// formats (VST3, CLAP) are copied into a plugin folder on this machine; MOD
// Audio bundles are written file by file to the device through a
// sshfiles.FileWriter.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmplugins/plugin-manager/internal/archive"
	"github.com/dmplugins/plugin-manager/internal/events"
	"github.com/dmplugins/plugin-manager/internal/logutil"
	"github.com/dmplugins/plugin-manager/internal/metrics"
	"github.com/dmplugins/plugin-manager/internal/plugins"
	"github.com/dmplugins/plugin-manager/internal/sshfiles"
)

var (
	// ErrEmptyBundle means the release archive holds no files for the
	// requested bundle.
	ErrEmptyBundle = errors.New("archive contains no files for the bundle")
	ErrInvalidName = errors.New("invalid plugin name")
	ErrNotLocal    = errors.New("format is not installed locally")
)

type Operation string

const (
	Install   Operation = "install"
	Uninstall Operation = "uninstall"
)

// Fetcher downloads a URL to a file. Implemented by download.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

// Task is one plugin operation in one format.
type Task struct {
	ID        string
	Operation Operation
	Plugin    string
	Format    plugins.Format
	Platform  plugins.Platform
	Bundle    plugins.Bundle

	// WorkDir is private to the task and removed when it ends, so tasks
	// downloading the same archive never share files.
	WorkDir     string
	ArchivePath string
	ScratchDir  string
	Destination string
}

// Deployer runs deployment tasks.
type Deployer struct {
	Fetcher Fetcher
	// BaseURL is the release account root, e.g. https://github.com/davemollen.
	BaseURL string
	// GOOS selects the local release asset. Defaults to runtime.GOOS.
	GOOS string
	// TempDir holds task work directories. Defaults to os.TempDir().
	TempDir string
	Events  events.Sink
}

func New(fetcher Fetcher, baseURL, tempDir string, sink events.Sink) *Deployer {
	if sink == nil {
		sink = events.Discard
	}
	return &Deployer{
		Fetcher: fetcher,
		BaseURL: baseURL,
		GOOS:    runtime.GOOS,
		TempDir: tempDir,
		Events:  sink,
	}
}

// InstallLocal downloads the combined VST3/CLAP release of name, extracts
// it and copies the bundle for format into folder, replacing any previous
// copy. On failure the temporary archive, the scratch folder and a
// destination bundle written by this call are removed, in that order.
func (d *Deployer) InstallLocal(ctx context.Context, name string, format plugins.Format, folder string) error {
	if !format.IsLocal() {
		return fmt.Errorf("%w: %s", ErrNotLocal, format)
	}
	bundle, err := d.bundle(name, format, folder)
	if err != nil {
		return err
	}
	suffix, err := plugins.LocalSuffix(d.goos())
	if err != nil {
		return err
	}

	task := d.newTask(Install, bundle, "")
	return d.run(ctx, task, func(t *Task) error {
		t.ArchivePath = filepath.Join(t.WorkDir, plugins.ArchiveName(name, suffix))
		t.ScratchDir = archive.ScratchDir(t.ArchivePath)
		t.Destination = bundle.Path()

		var destTouched bool
		err := func() error {
			if err := d.download(ctx, name, suffix, t.ArchivePath); err != nil {
				return err
			}
			if err := archive.ExtractAll(t.ArchivePath); err != nil {
				return fmt.Errorf("extract %s: %w", filepath.Base(t.ArchivePath), err)
			}
			src := filepath.Join(t.ScratchDir, bundle.BundleName)
			info, err := os.Stat(src)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("%w: %s not found in %s", ErrEmptyBundle, bundle.BundleName, filepath.Base(t.ArchivePath))
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := os.MkdirAll(folder, 0o755); err != nil {
				return fmt.Errorf("create plugin folder: %w", err)
			}
			destTouched = true
			if err := os.RemoveAll(t.Destination); err != nil {
				return fmt.Errorf("remove previous %s: %w", bundle.BundleName, err)
			}
			return copyTree(src, t.Destination)
		}()
		if err != nil {
			rollbackLocal(t, destTouched)
			return err
		}

		removeLogged(t.ArchivePath)
		removeLogged(t.ScratchDir)
		return nil
	})
}

// InstallRemote downloads the MOD release of name for platform and writes
// every file of its LV2 bundle below .lv2 on the device. Files already
// written are left in place when a later write fails.
func (d *Deployer) InstallRemote(ctx context.Context, name string, platform plugins.Platform, fw sshfiles.FileWriter) error {
	suffix, err := plugins.PlatformSuffix(platform)
	if err != nil {
		return err
	}
	bundle, err := d.bundle(name, plugins.ModAudio, "")
	if err != nil {
		return err
	}

	task := d.newTask(Install, bundle, platform)
	return d.run(ctx, task, func(t *Task) error {
		t.ArchivePath = filepath.Join(t.WorkDir, plugins.ArchiveName(name, suffix))
		t.Destination = bundle.Path()
		defer removeLogged(t.ArchivePath)

		if err := d.download(ctx, name, suffix, t.ArchivePath); err != nil {
			return err
		}
		files, err := archive.ExtractMatching(t.ArchivePath, archive.Stem(t.ArchivePath)+"/"+bundle.BundleName)
		if err != nil {
			return fmt.Errorf("extract %s: %w", filepath.Base(t.ArchivePath), err)
		}
		if len(files) == 0 {
			return fmt.Errorf("%w: %s not found in %s", ErrEmptyBundle, bundle.BundleName, filepath.Base(t.ArchivePath))
		}

		made := make(map[string]bool)
		for _, f := range files {
			remote := plugins.RemoteRoot + "/" + f.Path
			dir := path.Dir(remote)
			if !made[dir] {
				if err := fw.MakeDir(ctx, dir); err != nil {
					return err
				}
				made[dir] = true
			}
			if err := fw.WriteFile(ctx, remote, f.Data); err != nil {
				return err
			}
		}
		log.Printf("[deploy] wrote %d files of %s to the device", len(files), bundle.BundleName)
		return nil
	})
}

// UninstallLocal removes the bundle of name from folder. A bundle that is
// not installed is an error wrapping fs.ErrNotExist.
func (d *Deployer) UninstallLocal(ctx context.Context, name string, format plugins.Format, folder string) error {
	if !format.IsLocal() {
		return fmt.Errorf("%w: %s", ErrNotLocal, format)
	}
	bundle, err := d.bundle(name, format, folder)
	if err != nil {
		return err
	}

	task := d.newTask(Uninstall, bundle, "")
	return d.run(ctx, task, func(t *Task) error {
		t.Destination = bundle.Path()
		if _, err := os.Lstat(t.Destination); err != nil {
			return fmt.Errorf("uninstall %s: %w", bundle.BundleName, err)
		}
		if err := os.RemoveAll(t.Destination); err != nil {
			return fmt.Errorf("uninstall %s: %w", bundle.BundleName, err)
		}
		return nil
	})
}

// UninstallRemote removes .lv2/<name>.lv2 from the device.
func (d *Deployer) UninstallRemote(ctx context.Context, name string, fw sshfiles.FileWriter) error {
	bundle, err := d.bundle(name, plugins.ModAudio, "")
	if err != nil {
		return err
	}

	task := d.newTask(Uninstall, bundle, "")
	return d.run(ctx, task, func(t *Task) error {
		t.Destination = bundle.Path()
		return fw.RemoveAll(ctx, t.Destination)
	})
}

func (d *Deployer) bundle(name string, format plugins.Format, folder string) (plugins.Bundle, error) {
	if err := validName(name); err != nil {
		return plugins.Bundle{}, err
	}
	return plugins.NewBundle(name, format, folder)
}

// validName rejects names that would escape the plugin folder once joined
// into a path or a remote command.
func validName(name string) error {
	switch {
	case strings.TrimSpace(name) == "",
		name == "." || name == "..",
		strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (d *Deployer) goos() string {
	if d.GOOS == "" {
		return runtime.GOOS
	}
	return d.GOOS
}

func (d *Deployer) sink() events.Sink {
	if d.Events == nil {
		return events.Discard
	}
	return d.Events
}

func (d *Deployer) newTask(op Operation, bundle plugins.Bundle, platform plugins.Platform) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Operation: op,
		Plugin:    bundle.Name,
		Format:    bundle.Format,
		Platform:  platform,
		Bundle:    bundle,
	}
}

// run wraps a task body with its work directory, events and metrics.
func (d *Deployer) run(ctx context.Context, t *Task, body func(*Task) error) error {
	start := time.Now()
	d.publish(t, events.Started, "")

	err := ctx.Err()
	if err == nil && t.Operation == Install {
		t.WorkDir = filepath.Join(d.tempRoot(), "plugman-"+t.ID)
		if err = os.MkdirAll(t.WorkDir, 0o700); err != nil {
			err = fmt.Errorf("create work dir: %w", err)
		} else {
			defer os.RemoveAll(t.WorkDir)
		}
	}
	if err == nil {
		err = body(t)
	}

	elapsed := time.Since(start)
	metrics.ObserveOperation(string(t.Operation), string(t.Format), elapsed, err)
	if err != nil {
		err = fmt.Errorf("%s %s (%s): %w", t.Operation, t.Plugin, t.Format, err)
		d.publish(t, events.Failed, err.Error())
		return err
	}
	d.publish(t, events.Finished, elapsed.Round(time.Millisecond).String())
	return nil
}

func (d *Deployer) publish(t *Task, typ events.Type, detail string) {
	d.sink().Publish(events.Event{
		TaskID:    t.ID,
		Operation: string(t.Operation),
		Plugin:    t.Plugin,
		Format:    string(t.Format),
		Platform:  string(t.Platform),
		Type:      typ,
		Detail:    detail,
	})
}

func (d *Deployer) tempRoot() string {
	if d.TempDir != "" {
		return d.TempDir
	}
	return os.TempDir()
}

func (d *Deployer) download(ctx context.Context, name, suffix, dest string) error {
	url := plugins.ReleaseURL(d.BaseURL, name, suffix)
	if _, err := d.Fetcher.Fetch(ctx, url, dest); err != nil {
		return fmt.Errorf("download %s: %w", plugins.ArchiveName(name, suffix), err)
	}
	return nil
}

func rollbackLocal(t *Task, destTouched bool) {
	log.Printf("[deploy] rolling back %s %s (%s)", t.Operation, logutil.SanitizeForLog(t.Plugin), t.Format)
	removeLogged(t.ArchivePath)
	removeLogged(t.ScratchDir)
	if destTouched {
		removeLogged(t.Destination)
	}
}

func removeLogged(p string) {
	if p == "" {
		return
	}
	if err := os.RemoveAll(p); err != nil {
		log.Printf("[deploy] cleanup %s: %v", p, err)
	}
}

// copyTree copies the directory src to dst, creating dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case entry.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if err := copyFile(p, target, info.Mode().Perm()); err != nil {
				return err
			}
		}
		return nil
	})
}

// copyFile is replaced in tests to fail partway through a bundle.
var copyFile = copyRegular

func copyRegular(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
