// Package gateway fronts the cloud endpoint for foreground contexts. Every
// request passes through here and gets one of five strategies depending on
// its class; no failure may escape this boundary as a transport error,
// because that would break every request for the origin.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caresync/syncagent/internal/cachestore"
	"github.com/caresync/syncagent/internal/outbox"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	ClassNavigation = "navigation"
	ClassAPIRead    = "api-read"
	ClassMutation   = "mutation"
	ClassStatic     = "static"
	ClassDefault    = "default"
)

const servedFromCacheHeader = "X-Served-From-Cache"

// Rule maps requests onto a strategy class; rules are evaluated in order
// before the built-in heuristics and can be hot-reloaded.
type Rule struct {
	Class   string
	Methods []string
	Prefix  string
}

func (r Rule) matches(method, requestPath string) bool {
	if r.Prefix != "" && !strings.HasPrefix(requestPath, r.Prefix) {
		return false
	}
	if len(r.Methods) == 0 {
		return true
	}
	for _, candidate := range r.Methods {
		if strings.EqualFold(candidate, method) {
			return true
		}
	}
	return false
}

var staticExtensions = map[string]struct{}{
	".js": {}, ".css": {}, ".map": {}, ".png": {}, ".jpg": {}, ".jpeg": {},
	".gif": {}, ".svg": {}, ".ico": {}, ".webp": {}, ".woff": {}, ".woff2": {},
	".ttf": {}, ".otf": {}, ".eot": {},
}

const offlinePage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>Your work is saved on this device and will sync automatically when the connection returns.</p>
</body>
</html>`

type Options struct {
	UpstreamURL string
	Cache       *cachestore.Store
	Queue       *outbox.Queue
	HTTPClient  *http.Client
	Logger      *log.Logger
	// OnOnline receives connectivity observations from upstream attempts.
	OnOnline func(online bool)
	// OnQueued fires after a mutation lands in the offline queue.
	OnQueued func(pending int)
}

type Gateway struct {
	upstream *url.URL
	client   *http.Client
	cache    *cachestore.Store
	queue    *outbox.Queue
	logger   *log.Logger
	onOnline func(bool)
	onQueued func(int)
	rules    atomic.Value // []Rule
}

func New(opts Options) (*Gateway, error) {
	upstream, err := url.Parse(strings.TrimSpace(opts.UpstreamURL))
	if err != nil {
		return nil, err
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, ErrInvalidInput
	}
	if opts.Cache == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	g := &Gateway{
		upstream: upstream,
		client:   client,
		cache:    opts.Cache,
		queue:    opts.Queue,
		logger:   logger,
		onOnline: opts.OnOnline,
		onQueued: opts.OnQueued,
	}
	g.rules.Store([]Rule{})
	return g, nil
}

// SetRules swaps the routing rules; in-flight requests keep the set they
// started with.
func (g *Gateway) SetRules(rules []Rule) {
	g.rules.Store(append([]Rule(nil), rules...))
}

func (g *Gateway) classify(r *http.Request) string {
	requestPath := r.URL.Path
	for _, rule := range g.rules.Load().([]Rule) {
		if rule.matches(r.Method, requestPath) {
			return rule.Class
		}
	}
	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead
	if strings.HasPrefix(requestPath, "/api/") {
		if isRead {
			return ClassAPIRead
		}
		return ClassMutation
	}
	if _, ok := staticExtensions[strings.ToLower(path.Ext(requestPath))]; ok || strings.HasPrefix(requestPath, "/assets/") {
		return ClassStatic
	}
	if isRead && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ClassNavigation
	}
	if !isRead {
		return ClassMutation
	}
	return ClassDefault
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch g.classify(r) {
	case ClassNavigation:
		g.handleNavigation(w, r)
	case ClassAPIRead:
		g.handleAPIRead(w, r)
	case ClassMutation:
		g.handleMutation(w, r)
	case ClassStatic:
		g.handleStatic(w, r)
	default:
		g.handleDefault(w, r)
	}
}

// handleNavigation is network-first: a live response refreshes the dynamic
// tier; otherwise the cached app shell is served, and a synthesized minimal
// page is the last resort.
func (g *Gateway) handleNavigation(w http.ResponseWriter, r *http.Request) {
	snapshot, err := g.proxy(r, nil)
	if err == nil {
		if snapshot.Status < 400 {
			g.cache.Tier(cachestore.ClassDynamic).Put(snapshot)
		}
		writeSnapshot(w, snapshot, nil)
		return
	}
	shellTier := g.cache.Tier(cachestore.ClassShell)
	if entry, ok := shellTier.Match(http.MethodGet, r.URL.RequestURI()); ok {
		writeSnapshot(w, entry, map[string]string{servedFromCacheHeader: "true"})
		return
	}
	if entry, ok := shellTier.Match(http.MethodGet, "/"); ok {
		writeSnapshot(w, entry, map[string]string{servedFromCacheHeader: "true"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(offlinePage))
}

// handleAPIRead is network-first with write-through; a cached copy served
// offline is tagged so the foreground can tell it may be stale.
func (g *Gateway) handleAPIRead(w http.ResponseWriter, r *http.Request) {
	snapshot, err := g.proxy(r, nil)
	if err == nil {
		if snapshot.Status >= 200 && snapshot.Status < 300 {
			g.cache.Tier(cachestore.ClassAPI).Put(snapshot)
		}
		writeSnapshot(w, snapshot, nil)
		return
	}
	if entry, ok := g.cache.Tier(cachestore.ClassAPI).Match(r.Method, r.URL.RequestURI()); ok {
		writeSnapshot(w, entry, map[string]string{servedFromCacheHeader: "true"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"offline": true, "cached": false})
}

// handleMutation captures the body before the network attempt (bodies are
// single-read); a transport failure queues the request for replay and the
// caller gets a synthesized 202 so the foreground can proceed optimistically.
func (g *Gateway) handleMutation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable request body"})
		return
	}
	snapshot, err := g.proxy(r, body)
	if err == nil {
		writeSnapshot(w, snapshot, nil)
		return
	}
	g.queue.Enqueue(r.Method, r.URL.RequestURI(), flattenHeader(r.Header), string(body))
	g.logger.Printf("queued offline %s %s", r.Method, r.URL.RequestURI())
	if g.onQueued != nil {
		g.onQueued(g.queue.Count())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"offline": true, "queued": true})
}

// handleStatic is cache-first with a fire-and-forget refetch to keep the
// dynamic tier warm.
func (g *Gateway) handleStatic(w http.ResponseWriter, r *http.Request) {
	tier := g.cache.Tier(cachestore.ClassDynamic)
	if entry, ok := tier.Match(r.Method, r.URL.RequestURI()); ok {
		refresh := r.Clone(context.Background())
		go func() {
			snapshot, err := g.proxy(refresh, nil)
			if err == nil && snapshot.Status < 400 {
				tier.Put(snapshot)
			}
		}()
		writeSnapshot(w, entry, map[string]string{servedFromCacheHeader: "true"})
		return
	}
	snapshot, err := g.proxy(r, nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"offline": true, "cached": false})
		return
	}
	if snapshot.Status < 400 {
		tier.Put(snapshot)
	}
	writeSnapshot(w, snapshot, nil)
}

// handleDefault is network-first, caches successes and propagates failures
// without a synthesized fallback.
func (g *Gateway) handleDefault(w http.ResponseWriter, r *http.Request) {
	snapshot, err := g.proxy(r, nil)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	if r.Method == http.MethodGet && snapshot.Status >= 200 && snapshot.Status < 300 {
		g.cache.Tier(cachestore.ClassDynamic).Put(snapshot)
	}
	writeSnapshot(w, snapshot, nil)
}

// Replay re-issues a queued mutation against the upstream and reports the
// status, for the orchestrator's outbox drain.
func (g *Gateway) Replay(ctx context.Context, m outbox.Mutation) (int, error) {
	target, err := g.resolve(m.URL)
	if err != nil {
		return 0, err
	}
	var bodyReader io.Reader
	if m.Body != "" {
		bodyReader = strings.NewReader(m.Body)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, target, bodyReader)
	if err != nil {
		return 0, err
	}
	for key, value := range m.Header {
		req.Header.Set(key, value)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.reportOnline(false)
		return 0, err
	}
	g.reportOnline(true)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Warm fetches urls into the cache so the shell and its assets are
// available before the first offline visit.
func (g *Gateway) Warm(ctx context.Context, urls []string) {
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		target, err := g.resolve(raw)
		if err != nil {
			g.logger.Printf("cannot warm %q: %v", raw, err)
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			continue
		}
		snapshot, err := g.doProxy(req, raw)
		if err != nil || snapshot.Status >= 400 {
			g.logger.Printf("warm fetch of %q failed: err=%v", raw, err)
			continue
		}
		class := cachestore.ClassDynamic
		if ext := strings.ToLower(path.Ext(raw)); ext == "" || ext == ".html" {
			class = cachestore.ClassShell
		}
		g.cache.Tier(class).Put(snapshot)
	}
}

func (g *Gateway) resolve(requestURI string) (string, error) {
	parsed, err := url.Parse(requestURI)
	if err != nil {
		return "", err
	}
	return g.upstream.ResolveReference(parsed).String(), nil
}

func (g *Gateway) proxy(r *http.Request, body []byte) (cachestore.Entry, error) {
	target, err := g.resolve(r.URL.RequestURI())
	if err != nil {
		return cachestore.Entry{}, err
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bodyReader)
	if err != nil {
		return cachestore.Entry{}, err
	}
	copyHeader(req.Header, r.Header)
	return g.doProxy(req, r.URL.RequestURI())
}

func (g *Gateway) doProxy(req *http.Request, cacheKey string) (cachestore.Entry, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		g.reportOnline(false)
		return cachestore.Entry{}, err
	}
	g.reportOnline(true)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	return cachestore.Entry{
		Method:   req.Method,
		URL:      cacheKey,
		Status:   resp.StatusCode,
		Header:   flattenHeader(resp.Header),
		Body:     payload,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (g *Gateway) reportOnline(online bool) {
	if g.onOnline != nil {
		g.onOnline(online)
	}
}

var hopByHopHeaders = map[string]struct{}{
	"Connection": {}, "Keep-Alive": {}, "Proxy-Authenticate": {},
	"Proxy-Authorization": {}, "Te": {}, "Trailer": {},
	"Transfer-Encoding": {}, "Upgrade": {},
}

func copyHeader(dst http.Header, src http.Header) {
	for key, values := range src {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func flattenHeader(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	flat := make(map[string]string, len(header))
	for key, values := range header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		if len(values) > 0 {
			flat[key] = values[0]
		}
	}
	return flat
}

func writeSnapshot(w http.ResponseWriter, entry cachestore.Entry, extra map[string]string) {
	for key, value := range entry.Header {
		w.Header().Set(key, value)
	}
	for key, value := range extra {
		w.Header().Set(key, value)
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
