package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	// MOD device endpoint
	DeviceHost     string        `envconfig:"DEVICE_HOST" default:"192.168.51.1"`
	DevicePort     int           `envconfig:"DEVICE_PORT" default:"22"`
	DeviceUser     string        `envconfig:"DEVICE_USER" default:"root"`
	DevicePassword string        `envconfig:"DEVICE_PASSWORD" default:"mod"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// Release downloads
	ReleaseBaseURL  string        `envconfig:"RELEASE_BASE_URL" default:"https://github.com/davemollen"`
	DownloadTimeout time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"5m"`
	TempDir         string        `envconfig:"TEMP_DIR" default:""`

	CatalogPath    string `envconfig:"CATALOG_PATH" default:""`
	MaxConcurrency int    `envconfig:"MAX_CONCURRENCY" default:"4"`

	HTTPAddr            string `envconfig:"HTTP_ADDR" default:":8000"`
	LogPath             string `envconfig:"LOG_PATH" default:""`
	DeviceCheckSchedule string `envconfig:"DEVICE_CHECK_SCHEDULE" default:"@every 30s"`
}

var Cfg Settings

// Load reads PLUGMAN_* environment variables into Cfg.
func Load() {
	if err := Process(&Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Process fills s from the environment without touching Cfg.
func Process(s *Settings) error {
	return envconfig.Process("PLUGMAN", s)
}
