package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/term"

	"github.com/dmplugins/plugin-manager/internal/catalog"
	"github.com/dmplugins/plugin-manager/internal/config"
	"github.com/dmplugins/plugin-manager/internal/deploy"
	"github.com/dmplugins/plugin-manager/internal/devicemon"
	"github.com/dmplugins/plugin-manager/internal/download"
	"github.com/dmplugins/plugin-manager/internal/events"
	"github.com/dmplugins/plugin-manager/internal/handlers"
	"github.com/dmplugins/plugin-manager/internal/logging"
	"github.com/dmplugins/plugin-manager/internal/manager"
	"github.com/dmplugins/plugin-manager/internal/metrics"
	"github.com/dmplugins/plugin-manager/internal/plugins"
	"github.com/dmplugins/plugin-manager/internal/sshsession"
)

const usage = `Usage: plugman <command> [flags]

Commands:
  serve             run the HTTP API
  list-installable  print the plugins available for installation
  list-installed    print the plugins currently installed
  install           install plugins (-vst3, -clap, -mod, -platform)
  uninstall         uninstall plugins (-vst3, -clap, -mod)

Run "plugman <command> -h" for the flags of a command.
`

// cliFlags are shared by the plugin subcommands; each registers the subset
// it uses.
type cliFlags struct {
	vst3, clap, mod string
	formats         string
	platform        string
	vst3Folder      string
	clapFolder      string
	askPassword     bool
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	switch command {
	case "serve":
		config.Load()
		logging.Init()
		defer logging.Close()
		runServer()
	case "list-installable", "list-installed", "install", "uninstall":
		config.Load()
		logging.Init()
		defer logging.Close()
		if err := runCLICommand(command, args); err != nil {
			log.Printf("%s failed: %v", command, err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			logging.Close()
			os.Exit(1)
		}
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

func deviceEndpoint() sshsession.Endpoint {
	return sshsession.Endpoint{
		Host:           config.Cfg.DeviceHost,
		Port:           config.Cfg.DevicePort,
		User:           config.Cfg.DeviceUser,
		Password:       config.Cfg.DevicePassword,
		ConnectTimeout: config.Cfg.ConnectTimeout,
	}
}

func newManager(sink events.Sink) (*manager.Manager, error) {
	cat, err := catalog.Load(config.Cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	dep := deploy.New(download.NewFetcher(config.Cfg.DownloadTimeout), config.Cfg.ReleaseBaseURL, config.Cfg.TempDir, sink)
	return manager.New(cat, dep, manager.SessionDialer(deviceEndpoint()), config.Cfg.MaxConcurrency), nil
}

func runServer() {
	broker := events.NewBroker()
	mgr, err := newManager(broker)
	if err != nil {
		log.Fatalf("Catalog init: %v", err)
	}
	monitor := devicemon.New(mgr.Dial, config.Cfg.DeviceCheckSchedule)
	if err := monitor.Start(); err != nil {
		log.Fatalf("Device monitor: %v", err)
	}

	handlers.Plugins = mgr
	handlers.Monitor = monitor
	handlers.Events = broker

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plugins/installable", handlers.ListInstallable)
		r.Get("/plugins/installed", handlers.ListInstalled)
		r.Post("/plugins/install", handlers.InstallPlugins)
		r.Post("/plugins/uninstall", handlers.UninstallPlugins)

		r.Get("/device/status", handlers.GetDeviceStatus)

		r.Get("/events", handlers.ListEvents)
		r.Get("/events/ws", handlers.StreamEvents)

		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.HTTPAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string, args []string) error {
	var f cliFlags
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	fs.BoolVar(&f.askPassword, "ask-password", false, "Read the device password from the terminal")

	switch command {
	case "list-installable", "list-installed":
		fs.StringVar(&f.formats, "formats", "", `Comma-separated formats (VST3, CLAP, "MOD Audio"); empty lists all`)
		fs.StringVar(&f.platform, "platform", "", "MOD platform: Duo, DuoX or Dwarf; empty lists all")
	case "install", "uninstall":
		fs.StringVar(&f.vst3, "vst3", "", "Comma-separated VST3 plugin names")
		fs.StringVar(&f.clap, "clap", "", "Comma-separated CLAP plugin names")
		fs.StringVar(&f.mod, "mod", "", "Comma-separated MOD Audio plugin names")
		if command == "install" {
			fs.StringVar(&f.platform, "platform", "", "MOD platform: Duo, DuoX or Dwarf")
		}
	}
	if command != "list-installable" {
		fs.StringVar(&f.vst3Folder, "vst3-folder", "", "VST3 plugin folder (default: OS location)")
		fs.StringVar(&f.clapFolder, "clap-folder", "", "CLAP plugin folder (default: OS location)")
	}
	fs.Parse(args)

	if f.askPassword {
		pw, err := readPassword()
		if err != nil {
			return err
		}
		config.Cfg.DevicePassword = pw
	}

	var platform plugins.Platform
	if f.platform != "" {
		p, err := plugins.ParsePlatform(f.platform)
		if err != nil {
			return err
		}
		platform = p
	}
	folders := plugins.Folders{}
	if f.vst3Folder != "" {
		folders[plugins.VST3] = f.vst3Folder
	}
	if f.clapFolder != "" {
		folders[plugins.CLAP] = f.clapFolder
	}

	mgr, err := newManager(events.Discard)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result interface{}
	switch command {
	case "list-installable", "list-installed":
		formats, err := manager.ParseFormats(f.formats)
		if err != nil {
			return err
		}
		if command == "list-installable" {
			result, err = mgr.ListInstallable(ctx, formats, platform)
		} else {
			result, err = mgr.ListInstalled(ctx, formats, folders, platform)
		}
		if err != nil {
			return err
		}
	case "install", "uninstall":
		sel := plugins.Selection{
			plugins.VST3:     splitList(f.vst3),
			plugins.CLAP:     splitList(f.clap),
			plugins.ModAudio: splitList(f.mod),
		}
		if sel.Empty() {
			return errors.New("no plugins selected: use -vst3, -clap or -mod")
		}
		var out *manager.Outcome
		if command == "install" {
			out, err = mgr.Install(ctx, sel, folders, platform)
		} else {
			out, err = mgr.Uninstall(ctx, sel, folders)
		}
		if err != nil {
			return err
		}
		result = out
	}
	return printJSON(result)
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("-ask-password needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "Device password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
