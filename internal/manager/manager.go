// Package manager is the upward interface of the plugin manager: listing,
// installing and uninstalling plugins across all formats at once.
//
// Each call splits its work into three classes (VST3, CLAP, MOD Audio) that
// run concurrently. Within a class every plugin is one deploy task, fanned
// out with bounded concurrency. The MOD Audio class opens one SSH session
// for all its tasks; an unreachable device is reported through
// ModIsConnected rather than as an error, and the local classes still run.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/dmplugins/plugin-manager/internal/catalog"
	"github.com/dmplugins/plugin-manager/internal/deploy"
	"github.com/dmplugins/plugin-manager/internal/fanout"
	"github.com/dmplugins/plugin-manager/internal/logutil"
	"github.com/dmplugins/plugin-manager/internal/plugins"
	"github.com/dmplugins/plugin-manager/internal/sshexec"
	"github.com/dmplugins/plugin-manager/internal/sshfiles"
	"github.com/dmplugins/plugin-manager/internal/sshsession"
)

// ErrNoPlatform is returned when MOD Audio plugins are installed without a
// device platform.
var ErrNoPlatform = errors.New("a MOD platform (Duo, DuoX or Dwarf) is required to install MOD Audio plugins")

// Device is an open connection to the MOD device.
type Device interface {
	sshexec.Runner
	Disconnect() error
}

// Dialer opens a Device. Errors wrapping sshsession.ErrNoConnection mean
// the device is offline.
type Dialer func(ctx context.Context) (Device, error)

// SessionDialer dials ep with sshsession.Connect.
func SessionDialer(ep sshsession.Endpoint) Dialer {
	return func(ctx context.Context) (Device, error) {
		s, err := sshsession.Connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// PluginList is the plugin listing returned to the front-end.
type PluginList struct {
	VST3     []string                      `json:"VST3"`
	CLAP     []string                      `json:"CLAP"`
	ModAudio map[plugins.Platform][]string `json:"MOD Audio"`
	// ModIsConnected is true when the device was reached while building
	// the list.
	ModIsConnected bool `json:"modIsConnected"`
}

func newPluginList() *PluginList {
	return &PluginList{
		VST3:     []string{},
		CLAP:     []string{},
		ModAudio: map[plugins.Platform][]string{},
	}
}

// Outcome reports device connectivity after an install or uninstall.
// ModIsConnected is nil when the device was not needed.
type Outcome struct {
	ModIsConnected *bool `json:"modIsConnected,omitempty"`
}

// Manager ties the catalog, the deployer and the device together.
type Manager struct {
	Catalog  *catalog.Catalog
	Deployer *deploy.Deployer
	Dial     Dialer
	// Limit bounds the tasks in flight per format class; <= 0 is unbounded.
	Limit int
	// GOOS and Home resolve default local plugin folders.
	GOOS string
	Home string
}

func New(cat *catalog.Catalog, dep *deploy.Deployer, dial Dialer, limit int) *Manager {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("[manager] no home directory: %v", err)
	}
	return &Manager{
		Catalog:  cat,
		Deployer: dep,
		Dial:     dial,
		Limit:    limit,
		GOOS:     runtime.GOOS,
		Home:     home,
	}
}

// ListInstallable returns the catalog entries for formats (all when empty).
// platform narrows the MOD Audio list; empty lists every platform. The
// device is not contacted.
func (m *Manager) ListInstallable(ctx context.Context, formats []plugins.Format, platform plugins.Platform) (*PluginList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := newPluginList()
	for _, f := range normalizeFormats(formats) {
		switch f {
		case plugins.VST3:
			list.VST3 = m.Catalog.Local(f)
		case plugins.CLAP:
			list.CLAP = m.Catalog.Local(f)
		case plugins.ModAudio:
			list.ModAudio = m.Catalog.Remote(platform)
		}
	}
	return list, nil
}

// ListInstalled reports which catalog plugins are installed. Local formats
// are checked by bundle existence in the resolved folder; MOD Audio by
// listing .lv2 on the device.
func (m *Manager) ListInstalled(ctx context.Context, formats []plugins.Format, folders plugins.Folders, platform plugins.Platform) (*PluginList, error) {
	list := newPluginList()
	var errs []error
	for _, f := range normalizeFormats(formats) {
		switch f {
		case plugins.VST3, plugins.CLAP:
			found, err := m.installedLocal(f, folders)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if f == plugins.VST3 {
				list.VST3 = found
			} else {
				list.CLAP = found
			}
		case plugins.ModAudio:
			connected, err := m.withDevice(ctx, func(dev Device) error {
				names, err := sshfiles.New(dev).List(ctx, plugins.RemoteRoot)
				if err != nil {
					return err
				}
				onDevice := make(map[string]bool, len(names))
				for _, n := range names {
					onDevice[n] = true
				}
				for p, candidates := range m.Catalog.Remote(platform) {
					found := []string{}
					for _, name := range candidates {
						if b, err := plugins.BundleName(name, plugins.ModAudio); err == nil && onDevice[b] {
							found = append(found, name)
						}
					}
					list.ModAudio[p] = found
				}
				return nil
			})
			list.ModIsConnected = connected
			if err != nil {
				errs = append(errs, fmt.Errorf("list MOD Audio plugins: %w", err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) installedLocal(format plugins.Format, folders plugins.Folders) ([]string, error) {
	folder, err := folders.Resolve(format, m.GOOS, m.Home)
	if err != nil {
		return nil, err
	}
	found := []string{}
	for _, name := range m.Catalog.Local(format) {
		b, err := plugins.NewBundle(name, format, folder)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(b.Path()); err == nil {
			found = append(found, name)
		}
	}
	return found, nil
}

// Install installs the selected plugins. MOD Audio plugins are built for
// platform, which must be set when any are selected.
func (m *Manager) Install(ctx context.Context, sel plugins.Selection, folders plugins.Folders, platform plugins.Platform) (*Outcome, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if len(sel.Names(plugins.ModAudio)) > 0 {
		if platform == "" {
			return nil, ErrNoPlatform
		}
		if _, err := plugins.ParsePlatform(string(platform)); err != nil {
			return nil, err
		}
	}
	m.warnUnlisted(sel, platform)

	return m.runClasses(ctx, sel, "install",
		func(ctx context.Context, name string, format plugins.Format, folder string) error {
			return m.Deployer.InstallLocal(ctx, name, format, folder)
		},
		func(ctx context.Context, name string, fw sshfiles.FileWriter) error {
			return m.Deployer.InstallRemote(ctx, name, platform, fw)
		},
		folders)
}

// Uninstall removes the selected plugins.
func (m *Manager) Uninstall(ctx context.Context, sel plugins.Selection, folders plugins.Folders) (*Outcome, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return m.runClasses(ctx, sel, "uninstall",
		func(ctx context.Context, name string, format plugins.Format, folder string) error {
			return m.Deployer.UninstallLocal(ctx, name, format, folder)
		},
		func(ctx context.Context, name string, fw sshfiles.FileWriter) error {
			return m.Deployer.UninstallRemote(ctx, name, fw)
		},
		folders)
}

// warnUnlisted logs plugins that are not in the catalog. They are still
// installed; the release host decides whether an archive exists.
func (m *Manager) warnUnlisted(sel plugins.Selection, platform plugins.Platform) {
	for _, f := range plugins.AllFormats {
		for _, name := range sel.Names(f) {
			if !m.Catalog.Contains(f, platform, name) {
				log.Printf("[manager] %s is not in the %s catalog", logutil.SanitizeForLog(name), f)
			}
		}
	}
}

type localTask func(ctx context.Context, name string, format plugins.Format, folder string) error
type remoteTask func(ctx context.Context, name string, fw sshfiles.FileWriter) error

func (m *Manager) runClasses(ctx context.Context, sel plugins.Selection, op string, local localTask, remote remoteTask, folders plugins.Folders) (*Outcome, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		outcome Outcome
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, format := range []plugins.Format{plugins.VST3, plugins.CLAP} {
		format := format // per-iteration copy (go 1.21 loop semantics)
		names := sel.Names(format)
		if len(names) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			folder, err := folders.Resolve(format, m.GOOS, m.Home)
			if err != nil {
				fail(err)
				return
			}
			log.Printf("[manager] %s %d %s plugin(s) in %s", op, len(names), format, folder)
			err = fanout.Run(ctx, m.Limit, names, func(ctx context.Context, name string) error {
				return local(ctx, name, format, folder)
			})
			if err != nil {
				fail(err)
			}
		}()
	}

	if names := sel.Names(plugins.ModAudio); len(names) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("[manager] %s %d MOD Audio plugin(s)", op, len(names))
			connected, err := m.withDevice(ctx, func(dev Device) error {
				fw := sshfiles.New(dev)
				return fanout.Run(ctx, m.Limit, names, func(ctx context.Context, name string) error {
					return remote(ctx, name, fw)
				})
			})
			mu.Lock()
			outcome.ModIsConnected = &connected
			mu.Unlock()
			if err != nil {
				fail(err)
			}
		}()
	}

	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return &outcome, err
	}
	return &outcome, nil
}

// withDevice opens one device connection for fn. An offline device yields
// connected=false and no error.
func (m *Manager) withDevice(ctx context.Context, fn func(Device) error) (connected bool, err error) {
	if m.Dial == nil {
		return false, nil
	}
	dev, err := m.Dial(ctx)
	if err != nil {
		if errors.Is(err, sshsession.ErrNoConnection) {
			log.Printf("[manager] MOD device not connected: %v", err)
			return false, nil
		}
		return false, err
	}
	defer dev.Disconnect()
	return true, fn(dev)
}

func normalizeFormats(formats []plugins.Format) []plugins.Format {
	if len(formats) == 0 {
		return plugins.AllFormats
	}
	return formats
}

// ParseFormats parses a comma-separated format list such as
// "VST3,CLAP,MOD Audio". An empty string selects every format.
func ParseFormats(s string) ([]plugins.Format, error) {
	var out []plugins.Format
	seen := make(map[plugins.Format]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		f, err := plugins.ParseFormat(part)
		if err != nil {
			return nil, err
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return formatIndex(out[i]) < formatIndex(out[j]) })
	return out, nil
}

func formatIndex(f plugins.Format) int {
	for i, g := range plugins.AllFormats {
		if g == f {
			return i
		}
	}
	return len(plugins.AllFormats)
}
