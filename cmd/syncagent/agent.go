package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/caresync/syncagent/internal/bridge"
	"github.com/caresync/syncagent/internal/cachestore"
	"github.com/caresync/syncagent/internal/changelog"
	"github.com/caresync/syncagent/internal/gateway"
	"github.com/caresync/syncagent/internal/notify"
	"github.com/caresync/syncagent/internal/outbox"
	"github.com/caresync/syncagent/internal/syncer"
)

// agent ties the stores, the gateway, the orchestrator and the dispatcher
// together and answers foreground bridge commands.
type agent struct {
	version      string
	cache        *cachestore.Store
	queue        *outbox.Queue
	tracker      *changelog.Tracker
	gateway      *gateway.Gateway
	orchestrator *syncer.Orchestrator
	dispatcher   *notify.Dispatcher
	hub          *bridge.Hub
	logger       *log.Logger
}

func (a *agent) queueStatus() bridge.Message {
	return bridge.Make(bridge.TypeQueueStatus, bridge.QueueStatusData{
		PendingCount: a.queue.Count(),
		Degraded:     a.queue.Degraded(),
	})
}

func (a *agent) HandleCommand(ctx context.Context, msg bridge.Message) []bridge.Message {
	switch msg.Type {
	case bridge.TypeSkipWaiting:
		// Kept for protocol compatibility; activation is immediate here.
		return []bridge.Message{bridge.Make(bridge.TypeAgentActivated, bridge.AgentActivatedData{Version: a.version})}
	case bridge.TypeCacheURLs:
		var data bridge.CacheURLsData
		if err := bridge.DecodeData(msg, &data); err != nil {
			return []bridge.Message{bridge.Make(bridge.TypeError, bridge.ErrorData{Message: err.Error()})}
		}
		go a.gateway.Warm(context.Background(), data.URLs)
		return nil
	case bridge.TypeClearCache:
		a.cache.Clear()
		return nil
	case bridge.TypeTriggerSync:
		a.orchestrator.TriggerSync()
		return nil
	case bridge.TypeGetQueueStatus:
		return []bridge.Message{a.queueStatus()}
	case bridge.TypeClearOfflineQueue:
		a.queue.Clear()
		return []bridge.Message{bridge.Make(bridge.TypeOfflineQueueCleared, nil), a.queueStatus()}
	case bridge.TypeRetryStalled:
		if _, err := a.orchestrator.RetryStalled(ctx); err != nil {
			return []bridge.Message{bridge.Make(bridge.TypeError, bridge.ErrorData{Message: err.Error()})}
		}
		return nil
	default:
		return []bridge.Message{bridge.Make(bridge.TypeError, bridge.ErrorData{Message: "unsupported command " + string(msg.Type)})}
	}
}

// routes builds the agent's HTTP surface: the bridge, the local control
// endpoints and, for everything else, the gateway.
func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/sync/state", a.handleSyncState)
	mux.HandleFunc("/local/changes", a.handleTrackChange)
	mux.HandleFunc("/push", a.handlePush)
	mux.HandleFunc("/notify/ack", a.handleNotifyAck)
	mux.Handle("/", a.gateway)
	return mux
}

func (a *agent) handleSyncState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, a.orchestrator.State())
}

type trackChangeRequest struct {
	Table    string          `json:"tableName"`
	RecordID string          `json:"recordId"`
	Op       string          `json:"operation"`
	Data     json.RawMessage `json:"data"`
}

// handleTrackChange records a local domain mutation on behalf of the
// foreground. It answers 202 even when the durable backend has degraded:
// the record is held in memory and the caller must stay unblocked.
func (a *agent) handleTrackChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req trackChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unparsable change"})
		return
	}
	op := changelog.Operation(strings.ToLower(strings.TrimSpace(req.Op)))
	switch op {
	case changelog.OpCreate, changelog.OpUpdate, changelog.OpDelete:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported operation"})
		return
	}
	id, err := a.tracker.TrackChange(r.Context(), req.Table, req.RecordID, op, req.Data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	a.orchestrator.NotifyChange()
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (a *agent) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable payload"})
		return
	}
	rec := a.dispatcher.HandlePush(payload)
	a.logger.Printf("push ingested: kind=%s id=%s", rec.Kind, rec.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": rec.ID, "kind": rec.Kind})
}

func (a *agent) handleNotifyAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing notification id"})
		return
	}
	a.dispatcher.Acknowledge(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
