// Package bridge carries the typed message protocol between the agent and
// its foreground contexts, and the websocket hub that broadcasts to them.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

type Type string

// Foreground-to-agent commands.
const (
	TypeSkipWaiting       Type = "SKIP_WAITING"
	TypeCacheURLs         Type = "CACHE_URLS"
	TypeClearCache        Type = "CLEAR_CACHE"
	TypeTriggerSync       Type = "TRIGGER_SYNC"
	TypeGetQueueStatus    Type = "GET_QUEUE_STATUS"
	TypeClearOfflineQueue Type = "CLEAR_OFFLINE_QUEUE"
	TypeRetryStalled      Type = "RETRY_STALLED"
)

// Agent-to-foreground broadcasts and replies.
const (
	TypeAgentActivated      Type = "AGENT_ACTIVATED"
	TypeQueueStatus         Type = "QUEUE_STATUS"
	TypeOfflineQueueUpdated Type = "OFFLINE_QUEUE_UPDATED"
	TypeOfflineQueueCleared Type = "OFFLINE_QUEUE_CLEARED"
	TypeSyncCompleted       Type = "SYNC_COMPLETED"
	TypeSyncRequired        Type = "SYNC_REQUIRED"
	TypeSyncState           Type = "SYNC_STATE"
	TypeNotify              Type = "NOTIFY"
	TypeError               Type = "ERROR"
)

var knownTypes = map[Type]struct{}{
	TypeSkipWaiting: {}, TypeCacheURLs: {}, TypeClearCache: {}, TypeTriggerSync: {},
	TypeGetQueueStatus: {}, TypeClearOfflineQueue: {}, TypeRetryStalled: {},
	TypeAgentActivated: {}, TypeQueueStatus: {}, TypeOfflineQueueUpdated: {},
	TypeOfflineQueueCleared: {}, TypeSyncCompleted: {}, TypeSyncRequired: {},
	TypeSyncState: {}, TypeNotify: {}, TypeError: {},
}

// Message is the wire envelope; Data holds the per-type payload.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type CacheURLsData struct {
	URLs []string `json:"urls"`
}

type QueueStatusData struct {
	PendingCount int  `json:"pendingCount"`
	Degraded     bool `json:"degraded,omitempty"`
}

type SyncCompletedData struct {
	Synced    int `json:"synced"`
	Rejected  int `json:"rejected,omitempty"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	Stalled   int `json:"stalled,omitempty"`
}

type SyncRequiredData struct {
	Timestamp time.Time `json:"timestamp"`
}

type AgentActivatedData struct {
	Version string `json:"version"`
}

type NotifyData struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Link      string `json:"link,omitempty"`
	Vibration []int  `json:"vibration,omitempty"`
}

type SyncStateData struct {
	IsOnline       bool       `json:"isOnline"`
	PendingChanges int        `json:"pendingChanges"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	IsSyncing      bool       `json:"isSyncing"`
	SyncError      string     `json:"syncError,omitempty"`
	QueuedRequests int        `json:"queuedRequests"`
	Stalled        int        `json:"stalled,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// messageSchema is enforced on every inbound frame before decoding, so a
// malformed foreground payload cannot reach the command dispatcher.
const messageSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {"type": ["object", "array", "null"]}
	},
	"additionalProperties": false
}`

var compiledMessageSchema = mustCompileMessageSchema()

func mustCompileMessageSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchema))
	if err != nil {
		panic(fmt.Sprintf("bridge message schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bridge-message.json", doc); err != nil {
		panic(fmt.Sprintf("bridge message schema: %v", err))
	}
	return compiler.MustCompile("bridge-message.json")
}

// Decode validates a raw frame against the message schema and rejects types
// outside the closed set.
func Decode(raw []byte) (Message, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := compiledMessageSchema.Validate(instance); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Make builds a message with a marshalled payload. Payload types are the
// closed structs above, so marshalling cannot fail at runtime.
func Make(messageType Type, payload any) Message {
	if payload == nil {
		return Message{Type: messageType}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("bridge payload for %s: %v", messageType, err))
	}
	return Message{Type: messageType, Data: data}
}

// DecodeData unmarshals a message payload into the variant struct for its
// type; the caller picks the struct in an exhaustive switch.
func DecodeData(msg Message, out any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
