package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caresync/syncagent/internal/bridge"
	"github.com/caresync/syncagent/internal/cachestore"
	"github.com/caresync/syncagent/internal/changelog"
	"github.com/caresync/syncagent/internal/cloud"
	"github.com/caresync/syncagent/internal/config"
	"github.com/caresync/syncagent/internal/gateway"
	"github.com/caresync/syncagent/internal/notify"
	"github.com/caresync/syncagent/internal/outbox"
	"github.com/caresync/syncagent/internal/syncer"
)

func main() {
	cfg, cfgPath, err := loadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	cache, err := cachestore.NewStore(cachestore.Options{
		Dir:        cfg.DataDir,
		Prefix:     cfg.CachePrefix,
		VersionTag: cfg.VersionTag,
	})
	if err != nil {
		log.Fatalf("failed to initialize cache store: %v", err)
	}
	queue, err := outbox.NewQueue(filepath.Join(cfg.DataDir, "offline-queue.json"), nil)
	if err != nil {
		log.Fatalf("failed to initialize offline queue: %v", err)
	}
	dsn := cfg.ChangelogDSN
	if dsn == "" {
		dsn = "sqlite://" + filepath.Join(cfg.DataDir, "changes.db")
	}
	tracker, err := changelog.Open(dsn, cfg.DeviceID, nil)
	if err != nil {
		log.Fatalf("failed to initialize change log: %v", err)
	}
	defer tracker.Close()

	a := &agent{
		version: cfg.VersionTag,
		cache:   cache,
		queue:   queue,
		tracker: tracker,
		logger:  log.Default(),
	}
	a.hub = bridge.NewHub(a, nil)

	gw, err := gateway.New(gateway.Options{
		UpstreamURL: cfg.UpstreamURL,
		Cache:       cache,
		Queue:       queue,
		OnOnline:    func(online bool) { a.orchestrator.SetOnline(online) },
		OnQueued: func(pending int) {
			a.hub.Broadcast(bridge.Make(bridge.TypeOfflineQueueUpdated, bridge.QueueStatusData{
				PendingCount: pending,
				Degraded:     queue.Degraded(),
			}))
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize gateway: %v", err)
	}
	a.gateway = gw
	gw.SetRules(gatewayRules(cfg.Routes))

	cloudClient := cloud.NewHTTPClient(cloud.HTTPClientOptions{
		BaseURL:  cfg.UpstreamURL,
		Token:    cfg.CloudToken,
		DeviceID: tracker.DeviceID(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	initialOnline := cloudClient.Health(probeCtx) == nil
	probeCancel()

	orchestrator, err := syncer.NewOrchestrator(syncer.Options{
		Tracker:       tracker,
		Queue:         queue,
		Cloud:         cloudClient,
		Replay:        gw.Replay,
		Bus:           a.hub,
		RetryCap:      cfg.RetryCap,
		DebounceDelay: cfg.DebounceDelay.Std(),
		SyncInterval:  cfg.SyncInterval.Std(),
		InitialOnline: initialOnline,
	})
	if err != nil {
		log.Fatalf("failed to initialize orchestrator: %v", err)
	}
	a.orchestrator = orchestrator
	var stateMu sync.Mutex
	var lastState syncer.State
	orchestrator.Subscribe(func(s syncer.State) {
		stateMu.Lock()
		defer stateMu.Unlock()
		if s.IsOnline != lastState.IsOnline {
			log.Printf("connectivity changed: online=%v pending=%d queued=%d", s.IsOnline, s.PendingChanges, s.QueuedRequests)
		}
		if s.SyncError != "" && s.SyncError != lastState.SyncError {
			log.Printf("sync error: %s (pending=%d stalled=%d)", s.SyncError, s.PendingChanges, s.Stalled)
		}
		lastState = s
	})

	dispatcher, err := notify.New(notify.Options{
		Dir:               cfg.DataDir,
		Bus:               a.hub,
		Contexts:          a.hub,
		AssignmentCadence: cfg.AssignmentCadence.Std(),
		InvitationCadence: cfg.InvitationCadence.Std(),
	})
	if err != nil {
		log.Fatalf("failed to initialize notification dispatcher: %v", err)
	}
	a.dispatcher = dispatcher

	if err := cache.DeleteStaleTiers(); err != nil {
		log.Printf("failed to delete stale cache tiers: %v", err)
	}
	a.hub.Broadcast(bridge.Make(bridge.TypeAgentActivated, bridge.AgentActivatedData{Version: cfg.VersionTag}))

	if cfgPath != "" {
		err := config.Watch(ctx, cfgPath, nil, func(next config.Config) {
			gw.SetRules(gatewayRules(next.Routes))
		})
		if err != nil {
			log.Printf("config watch disabled: %v", err)
		}
	}

	go orchestrator.Run(ctx)
	go dispatcher.Run(ctx)
	if initialOnline {
		orchestrator.TriggerSync()
	}

	log.Printf("syncagent %s listening on %s, upstream %s, device %s",
		cfg.VersionTag, cfg.Listen, cfg.UpstreamURL, tracker.DeviceID())
	if err := http.ListenAndServe(cfg.Listen, a.routes()); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// loadConfigFromEnv reads the TOML file named by SYNCAGENT_CONFIG (if any)
// and lets individual environment variables override it.
func loadConfigFromEnv() (config.Config, string, error) {
	cfgPath := strings.TrimSpace(os.Getenv("SYNCAGENT_CONFIG"))
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return config.Config{}, "", err
		}
		cfg = loaded
	}
	cfg.Listen = stringEnv("SYNCAGENT_ADDR", cfg.Listen)
	cfg.UpstreamURL = stringEnv("SYNCAGENT_UPSTREAM_URL", cfg.UpstreamURL)
	cfg.DataDir = stringEnv("SYNCAGENT_DATA_DIR", cfg.DataDir)
	cfg.VersionTag = stringEnv("SYNCAGENT_VERSION_TAG", cfg.VersionTag)
	cfg.CachePrefix = stringEnv("SYNCAGENT_CACHE_PREFIX", cfg.CachePrefix)
	cfg.ChangelogDSN = stringEnv("SYNCAGENT_CHANGELOG_DSN", cfg.ChangelogDSN)
	cfg.DeviceID = stringEnv("SYNCAGENT_DEVICE_ID", cfg.DeviceID)
	cfg.CloudToken = stringEnv("SYNCAGENT_CLOUD_TOKEN", cfg.CloudToken)
	cfg.RetryCap = intEnv("SYNCAGENT_RETRY_CAP", cfg.RetryCap)
	cfg.DebounceDelay = config.Duration(durationEnv("SYNCAGENT_DEBOUNCE_DELAY", cfg.DebounceDelay.Std()))
	cfg.SyncInterval = config.Duration(durationEnv("SYNCAGENT_SYNC_INTERVAL", cfg.SyncInterval.Std()))
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		cfg.UpstreamURL = "http://127.0.0.1:8080"
	}
	return cfg, cfgPath, nil
}

func gatewayRules(routes []config.Route) []gateway.Rule {
	rules := make([]gateway.Rule, 0, len(routes))
	for _, route := range routes {
		rules = append(rules, gateway.Rule{
			Class:   route.Class,
			Methods: route.Methods,
			Prefix:  route.Prefix,
		})
	}
	return rules
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
