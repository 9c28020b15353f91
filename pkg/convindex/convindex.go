// Package convindex implements the ConversationIndex (C10): a pure
// EventBus subscriber that maintains a last-write-wins map from
// (work session, agent pair) to the A2A conversation id currently in use
// between them, so a later message between the same pair can be routed
// onto the same conversation instead of starting a new one.
//
// Grounded on the teacher's pkg/session/session.go key-prefix convention
// (stable, sortable composite keys) for the routeKey shape, and
// pkg/eventbus's subscriber contract for how a write-only consumer hooks
// into the bus. Persistence goes through pkg/atomicstore, same as every
// other durable record in this module.
package convindex

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentmesh/coordinator/pkg/atomicstore"
	"github.com/agentmesh/coordinator/pkg/eventbus"
)

const fileName = "a2a-conversation-index.json"
const subscribedEventRole = "conversation.main"

var subscribedEventTypes = []string{"a2a.send", "a2a.response", "a2a.complete"}

// Entry is one routeKey's current conversation binding.
type Entry struct {
	ConversationID string `json:"conversationID"`
	UpdatedAt      int64  `json:"updatedAt"`
}

type fileFormat struct {
	Version   int              `json:"version"`
	UpdatedAt int64            `json:"updatedAt"`
	Entries   map[string]Entry `json:"entries"`
}

// Index writes the conversation map to <stateDir>/a2a-conversation-index.json
// and answers GetA2AConversationID reads.
type Index struct {
	stateDir string
	lockDir  string
}

// New binds an Index to a state directory.
func New(stateDir string) *Index {
	return &Index{stateDir: stateDir, lockDir: filepath.Join(stateDir, ".locks")}
}

func (idx *Index) path() string {
	return filepath.Join(idx.stateDir, fileName)
}

// RouteKey builds the sorted, order-insensitive key for a work session and
// an agent pair.
func RouteKey(workSessionID, agentA, agentB string) string {
	pair := []string{agentA, agentB}
	sort.Strings(pair)
	return workSessionID + "::" + strings.Join(pair, "|")
}

// Subscribe registers the index as a listener on bus for the three A2A
// lifecycle event types it cares about, returning an unsubscribe func.
func (idx *Index) Subscribe(bus *eventbus.Bus) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(subscribedEventTypes))
	for _, t := range subscribedEventTypes {
		unsubs = append(unsubs, bus.Subscribe(t, idx.handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (idx *Index) handle(ctx context.Context, event eventbus.Event) error {
	role, _ := event.Data["eventRole"].(string)
	if role != subscribedEventRole {
		return nil
	}
	workSessionID, _ := event.Data["workSessionID"].(string)
	conversationID, _ := event.Data["conversationID"].(string)
	if workSessionID == "" || conversationID == "" {
		return nil
	}
	fromAgent, _ := event.Data["fromAgent"].(string)
	toAgent, _ := event.Data["toAgent"].(string)

	routeKey := RouteKey(workSessionID, fromAgent, toAgent)
	return idx.record(routeKey, conversationID, event.TsMs)
}

func (idx *Index) record(routeKey, conversationID string, tsMs int64) error {
	lockID := "conversation-index"
	return atomicstore.ReadModifyWrite(idx.path(), idx.lockDir, lockID, nil, func(current []byte) ([]byte, error) {
		doc := loadOrInit(current)

		existing, ok := doc.Entries[routeKey]
		if ok && existing.UpdatedAt >= tsMs {
			return json.MarshalIndent(doc, "", "  ")
		}

		doc.Entries[routeKey] = Entry{ConversationID: conversationID, UpdatedAt: tsMs}
		if tsMs > doc.UpdatedAt {
			doc.UpdatedAt = tsMs
		}
		return json.MarshalIndent(doc, "", "  ")
	})
}

func loadOrInit(current []byte) fileFormat {
	var doc fileFormat
	if len(current) > 0 {
		if err := json.Unmarshal(current, &doc); err == nil && doc.Entries != nil {
			return doc
		}
	}
	return fileFormat{Version: 1, Entries: make(map[string]Entry)}
}

// GetA2AConversationID reads the current conversation id bound to routeKey.
// Returns false if the index file has never been written or the key is
// absent.
func (idx *Index) GetA2AConversationID(routeKey string) (string, bool) {
	data, err := os.ReadFile(idx.path())
	if err != nil {
		return "", false
	}
	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	entry, ok := doc.Entries[routeKey]
	if !ok {
		return "", false
	}
	return entry.ConversationID, true
}
