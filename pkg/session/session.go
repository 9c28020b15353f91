// Package session implements the ephemeral coordination session store and
// its SessionReaper (C13): a durable map from composite session keys to
// last-touched timestamps, swept on a throttle for both TTL expiry and a
// per-agent cap.
//
// Grounded on the teacher's pkg/session/session.go: the colon-delimited,
// scope-prefixed composite key convention (KeyPrefixApp/User/Temp) is
// repurposed here from "chat session state scoping" to "coordination
// session classification" (channel vs a2a vs cron-run), and the
// Service-style Get/Create/Delete shape is rebuilt as a file-backed store
// over pkg/atomicstore instead of an in-memory map, since this module's
// sessions must survive a process restart.
package session

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/atomicstore"
)

var log = obslog.For("sessionreaper")

const fileName = "sessions.json"

// Kind classifies a session key for TTL/cap purposes.
type Kind string

const (
	KindChannel Kind = "channel"
	KindA2A     Kind = "a2a"
	KindCron    Kind = "cron"
)

// Entry is one session's last-touched record.
type Entry struct {
	Key       string    `json:"key"`
	AgentID   string    `json:"agentId"`
	Kind      Kind      `json:"kind"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type fileFormat struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Config parametrizes retention and cap sweeps; DefaultConfig matches the
// spec's documented defaults.
type Config struct {
	RetentionMs    time.Duration // cron-run entries
	A2ATTLMs       time.Duration // a2a-conversation entries
	MaxPerAgent    int           // a2a entries per agent
	MinSweepPeriod time.Duration // throttle
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetentionMs:    24 * time.Hour,
		A2ATTLMs:       time.Hour,
		MaxPerAgent:    16,
		MinSweepPeriod: 5 * time.Minute,
	}
}

// Store owns <stateDir>/sessions.json.
type Store struct {
	stateDir string
	lockDir  string
	cfg      Config

	mu        sync.Mutex
	lastSweep time.Time
}

// New binds a Store to a state directory with DefaultConfig.
func New(stateDir string) *Store {
	return NewWithConfig(stateDir, DefaultConfig())
}

// NewWithConfig binds a Store to a state directory with an explicit
// Config, e.g. one loaded from pkg/config.SessionConfig.
func NewWithConfig(stateDir string, cfg Config) *Store {
	return &Store{stateDir: stateDir, lockDir: filepath.Join(stateDir, ".locks"), cfg: cfg}
}

func (s *Store) path() string {
	return filepath.Join(s.stateDir, fileName)
}

// ClassifyKey parses a composite session key of the form
// "agent:<id>:a2a:<conversationID>", "agent:<id>:cron:<jobID>:run:<uuid>",
// or "agent:<id>:<channel>:...", returning the owning agent id and kind.
func ClassifyKey(key string) (agentID string, kind Kind) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	agentID = parts[1]
	switch parts[2] {
	case "a2a":
		return agentID, KindA2A
	case "cron":
		return agentID, KindCron
	default:
		return agentID, KindChannel
	}
}

// Touch records or refreshes key's last-touched time.
func (s *Store) Touch(key string, now time.Time) error {
	agentID, kind := ClassifyKey(key)
	lockID := "sessions"
	return atomicstore.ReadModifyWrite(s.path(), s.lockDir, lockID, nil, func(current []byte) ([]byte, error) {
		doc := loadOrInit(current)
		doc.Entries[key] = Entry{Key: key, AgentID: agentID, Kind: kind, UpdatedAt: now}
		return json.MarshalIndent(doc, "", "  ")
	})
}

// Delete removes key if present.
func (s *Store) Delete(key string) error {
	lockID := "sessions"
	return atomicstore.ReadModifyWrite(s.path(), s.lockDir, lockID, nil, func(current []byte) ([]byte, error) {
		doc := loadOrInit(current)
		delete(doc.Entries, key)
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

// SweepResult summarizes one Sweep pass.
type SweepResult struct {
	ExpiredCron int
	ExpiredA2A  int
	CappedA2A   int
	Skipped     bool
}

// Sweep runs the TTL and cap sweeps, throttled to at most one real sweep
// per MinSweepPeriod; calls within the throttle window return
// {Skipped: true} without touching the file.
func (s *Store) Sweep(now time.Time) (SweepResult, error) {
	s.mu.Lock()
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < s.cfg.MinSweepPeriod {
		s.mu.Unlock()
		return SweepResult{Skipped: true}, nil
	}
	s.lastSweep = now
	s.mu.Unlock()

	var result SweepResult
	lockID := "sessions"
	err := atomicstore.ReadModifyWrite(s.path(), s.lockDir, lockID, nil, func(current []byte) ([]byte, error) {
		doc := loadOrInit(current)

		for key, e := range doc.Entries {
			switch e.Kind {
			case KindCron:
				if now.Sub(e.UpdatedAt) > s.cfg.RetentionMs {
					delete(doc.Entries, key)
					result.ExpiredCron++
				}
			case KindA2A:
				if now.Sub(e.UpdatedAt) > s.cfg.A2ATTLMs {
					delete(doc.Entries, key)
					result.ExpiredA2A++
				}
			}
		}

		result.CappedA2A += capPerAgent(doc.Entries, s.cfg.MaxPerAgent)

		return json.MarshalIndent(doc, "", "  ")
	})
	if err != nil {
		return result, err
	}
	log.Debug("session sweep complete", "expiredCron", result.ExpiredCron, "expiredA2A", result.ExpiredA2A, "cappedA2A", result.CappedA2A)
	return result, nil
}

// capPerAgent deletes the oldest-by-updatedAt a2a entries for each agent
// until that agent is at maxPerAgent, returning the count deleted.
func capPerAgent(entries map[string]Entry, maxPerAgent int) int {
	byAgent := make(map[string][]Entry)
	for _, e := range entries {
		if e.Kind == KindA2A {
			byAgent[e.AgentID] = append(byAgent[e.AgentID], e)
		}
	}

	deleted := 0
	for _, list := range byAgent {
		if len(list) <= maxPerAgent {
			continue
		}
		sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.Before(list[j].UpdatedAt) })
		excess := len(list) - maxPerAgent
		for i := 0; i < excess; i++ {
			delete(entries, list[i].Key)
			deleted++
		}
	}
	return deleted
}
