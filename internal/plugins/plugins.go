// Package plugins describes the installable plugin formats and maps a plugin
// name to its bundle name, local destination folder and release archive.
//
// Every function in this package is pure: the operating system and home
// directory are passed in by the caller so the mapping can be tested for
// all platforms from any host.
package plugins

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnknownFormat   = errors.New("unknown plugin format")
	ErrUnknownPlatform = errors.New("unknown MOD platform")
	ErrNoPluginFolder  = errors.New("could not find a plugin folder for this operating system and plugin format")
	ErrUnknownOS       = errors.New("unknown operating system")
)

// Format is a plugin format. The string values match the keys used by the
// front-end and the catalog files.
type Format string

const (
	VST3     Format = "VST3"
	CLAP     Format = "CLAP"
	ModAudio Format = "MOD Audio"
)

// AllFormats lists the known formats in display order.
var AllFormats = []Format{VST3, CLAP, ModAudio}

// ParseFormat accepts the display name or a lowercase alias ("vst3", "clap",
// "mod", "lv2").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vst3":
		return VST3, nil
	case "clap":
		return CLAP, nil
	case "mod audio", "mod", "modaudio", "lv2":
		return ModAudio, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// IsLocal reports whether bundles of this format are installed on the local
// filesystem rather than on the MOD device.
func (f Format) IsLocal() bool {
	return f == VST3 || f == CLAP
}

// Platform is a MOD Audio device model.
type Platform string

const (
	Duo   Platform = "Duo"
	DuoX  Platform = "DuoX"
	Dwarf Platform = "Dwarf"
)

// AllPlatforms lists the known MOD platforms.
var AllPlatforms = []Platform{Duo, DuoX, Dwarf}

// ParsePlatform is strict: platform names are matched exactly.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case Duo, DuoX, Dwarf:
		return Platform(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// BundleName returns the on-disk or on-device folder name of a plugin.
func BundleName(name string, format Format) (string, error) {
	switch format {
	case VST3:
		return name + ".vst3", nil
	case CLAP:
		return name + ".clap", nil
	case ModAudio:
		return name + ".lv2", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
}

// DefaultFolder returns the standard plugin folder for a local format on the
// given GOOS. home is the user's home directory.
func DefaultFolder(format Format, goos, home string) (string, error) {
	switch format {
	case VST3, CLAP:
	case ModAudio:
		return "", fmt.Errorf("%w: %s bundles are installed on the device", ErrNoPluginFolder, format)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
	}

	switch goos {
	case "darwin":
		if home == "" {
			return "", ErrNoPluginFolder
		}
		return filepath.Join(home, "Library", "Audio", "Plug-Ins", string(format)), nil
	case "windows":
		return "C:/Program Files/Common Files/" + string(format), nil
	case "linux":
		if home == "" {
			return "", ErrNoPluginFolder
		}
		return filepath.Join(home, "."+strings.ToLower(string(format))), nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrNoPluginFolder, format, goos)
}

// Folders holds optional per-format overrides of the local plugin folder.
type Folders map[Format]string

// Resolve returns the override for format when set, otherwise the default
// folder for goos.
func (f Folders) Resolve(format Format, goos, home string) (string, error) {
	if dir := strings.TrimSpace(f[format]); dir != "" {
		return dir, nil
	}
	return DefaultFolder(format, goos, home)
}

// LocalSuffix is the release asset suffix for the combined VST3/CLAP build
// of the given GOOS.
func LocalSuffix(goos string) (string, error) {
	switch goos {
	case "darwin":
		return "vst-and-clap-macos", nil
	case "windows":
		return "vst-and-clap-windows", nil
	case "linux":
		return "vst-and-clap-ubuntu", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownOS, goos)
}

// PlatformSuffix is the release asset suffix of a MOD platform build.
func PlatformSuffix(p Platform) (string, error) {
	switch p {
	case Dwarf:
		return "moddwarf-new", nil
	case Duo:
		return "modduo-new", nil
	case DuoX:
		return "modduox-new", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, string(p))
}

// ArchiveName is the release asset file name, e.g. "dm-LFO-moddwarf-new.zip".
func ArchiveName(name, suffix string) string {
	return name + "-" + suffix + ".zip"
}

// ReleaseURL builds the "latest release" download URL of an asset.
// base is the account root, e.g. "https://github.com/davemollen".
func ReleaseURL(base, name, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + name + "/releases/latest/download/" + ArchiveName(name, suffix)
}

// Bundle is the resolved descriptor of one plugin in one format.
type Bundle struct {
	Name   string
	Format Format
	// BundleName is the folder name, e.g. "dm-Stutter.vst3".
	BundleName string
	// Folder is the parent directory of the bundle: a local plugin folder or
	// the remote LV2 root.
	Folder string
}

// Path returns the bundle location inside Folder. Remote paths always use
// forward slashes.
func (b Bundle) Path() string {
	if b.Format == ModAudio {
		return b.Folder + "/" + b.BundleName
	}
	return filepath.Join(b.Folder, b.BundleName)
}

// RemoteRoot is the LV2 folder on the MOD device, relative to the login
// user's home directory.
const RemoteRoot = ".lv2"

// NewBundle resolves the descriptor for name in format. folder is ignored
// for ModAudio, which always lives under RemoteRoot.
func NewBundle(name string, format Format, folder string) (Bundle, error) {
	bundleName, err := BundleName(name, format)
	if err != nil {
		return Bundle{}, err
	}
	if format == ModAudio {
		folder = RemoteRoot
	}
	return Bundle{Name: name, Format: format, BundleName: bundleName, Folder: folder}, nil
}

// Selection is a set of plugin names per format.
type Selection map[Format][]string

// Names returns the plugins selected for format, skipping blanks.
func (s Selection) Names(format Format) []string {
	var out []string
	for _, name := range s[format] {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Empty reports whether no plugin is selected in any format.
func (s Selection) Empty() bool {
	for _, f := range AllFormats {
		if len(s.Names(f)) > 0 {
			return false
		}
	}
	return true
}

// Validate rejects format keys that are not known.
func (s Selection) Validate() error {
	for f := range s {
		if _, err := BundleName("x", f); err != nil {
			return err
		}
	}
	return nil
}
