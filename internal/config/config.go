// Package config loads the agent configuration from a TOML file and watches
// it for changes so routing rules can be swapped without a restart.
package config

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

var ErrInvalidInput = errors.New("invalid input")

const reloadDebounce = 300 * time.Millisecond

// Duration accepts Go duration strings ("45s", "5m") in TOML values.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Route maps a request prefix onto a gateway strategy class.
type Route struct {
	Class   string   `toml:"class"`
	Methods []string `toml:"methods"`
	Prefix  string   `toml:"prefix"`
}

type Config struct {
	Listen      string `toml:"listen"`
	UpstreamURL string `toml:"upstream_url"`
	DataDir     string `toml:"data_dir"`
	VersionTag  string `toml:"version_tag"`
	CachePrefix string `toml:"cache_prefix"`

	ChangelogDSN string `toml:"changelog_dsn"`
	DeviceID     string `toml:"device_id"`
	CloudToken   string `toml:"cloud_token"`

	RetryCap      int      `toml:"retry_cap"`
	DebounceDelay Duration `toml:"debounce_delay"`
	SyncInterval  Duration `toml:"sync_interval"`

	AssignmentCadence Duration `toml:"assignment_cadence"`
	InvitationCadence Duration `toml:"invitation_cadence"`

	Routes []Route `toml:"routes"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:      ":8970",
		DataDir:     "data",
		VersionTag:  "dev",
		CachePrefix: "caresync",
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return Config{}, ErrInvalidInput
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return errors.New("upstream_url is required")
	}
	for _, route := range c.Routes {
		if strings.TrimSpace(route.Class) == "" || strings.TrimSpace(route.Prefix) == "" {
			return errors.New("every route needs a class and a prefix")
		}
	}
	return nil
}

// Watch re-loads path on file changes and hands each valid result to
// onReload. Events are debounced because editors and deploy tools write a
// config file in several bursts; an unparsable intermediate state is logged
// and skipped, keeping the last good configuration active.
func Watch(ctx context.Context, path string, logger *log.Logger, onReload func(Config)) error {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: atomic replaces (rename over the
	// target) would otherwise detach the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		var pending *time.Timer
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, func() {
					cfg, err := Load(path)
					if err != nil {
						logger.Printf("config reload of %s failed, keeping previous: %v", path, err)
						return
					}
					logger.Printf("config reloaded from %s", path)
					onReload(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("config watcher error: %v", err)
			}
		}
	}()
	return nil
}
