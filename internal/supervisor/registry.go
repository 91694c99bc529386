package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentnet-dev/agentnet/pkg/config"
)

// Status of an agent process record. Transitions are monotone except
// running ↔ unhealthy and starting → failed.
type Status string

// Agent process statuses.
const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusUnhealthy Status = "unhealthy"
	StatusFailed    Status = "failed"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
)

// Record is the supervisor's mutable state for one agent. The descriptor
// is immutable; everything else tracks the current process generation.
type Record struct {
	Descriptor config.Descriptor
	Status     Status
	PID        int
	StartedAt  time.Time
	LastError  string
	SocketPath string
	Endpoint   string

	// HealthFailures counts consecutive failed probes.
	HealthFailures int

	// Restarts holds automatic-restart timestamps inside the rolling
	// window; entries older than the window are pruned on access.
	Restarts []time.Time

	process *os.Process
	// exited is closed by the reaper when the current process is gone.
	exited chan struct{}
}

// Exited reports whether the current process generation has terminated.
func (r *Record) Exited() bool {
	if r.exited == nil {
		return true
	}
	select {
	case <-r.exited:
		return true
	default:
		return false
	}
}

// Registry maps agent names to process records and persists a small
// discovery file so a fresh CLI invocation can find agents spawned by an
// earlier process.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	file    string
}

// NewRegistry creates a registry persisting to the given file path; an
// empty path disables persistence.
func NewRegistry(file string) *Registry {
	return &Registry{records: make(map[string]*Record), file: file}
}

// Add stores a record under its descriptor name. Adding a name twice is
// an operator error.
func (g *Registry) Add(rec *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[rec.Descriptor.Name]; exists {
		return fmt.Errorf("agent %q already registered", rec.Descriptor.Name)
	}
	g.records[rec.Descriptor.Name] = rec
	return nil
}

// Get returns the record for a name.
func (g *Registry) Get(name string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return rec, nil
}

// Remove deletes a record and its discovery-file entry; only stopped or
// failed agents may be removed. Without the file-side removal, the next
// Save would merge the forgotten agent right back in.
func (g *Registry) Remove(name string) error {
	g.mu.Lock()
	rec, ok := g.records[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown agent %q", name)
	}
	if rec.Status != StatusStopped && rec.Status != StatusFailed {
		status := rec.Status
		g.mu.Unlock()
		return fmt.Errorf("agent %q is %s; stop it first", name, status)
	}
	delete(g.records, name)
	g.mu.Unlock()

	if g.file == "" {
		return nil
	}
	return RemoveFromDiscovery(g.file, name)
}

// Names returns registered names in insertion-independent sorted order.
func (g *Registry) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.records))
	for name := range g.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiscoveryRecord is the discovery-file shape.
type DiscoveryRecord struct {
	Name       string `json:"name"`
	PID        int    `json:"pid"`
	Port       int    `json:"port"`
	Status     Status `json:"status"`
	SocketPath string `json:"socket_path"`
}

// Save merges this registry's records into the discovery file and writes
// it back atomically (temp file + rename) so readers never observe torn
// JSON. On-disk entries for agents this registry does not hold — agents
// spawned by an earlier invocation — are preserved, never dropped; a CLI
// that starts bob must not erase a still-running alice. See DESIGN.md
// for the locking decision.
func (g *Registry) Save() error {
	if g.file == "" {
		return nil
	}

	g.mu.Lock()
	out := make([]DiscoveryRecord, 0, len(g.records))
	held := make(map[string]bool, len(g.records))
	for _, rec := range g.records {
		out = append(out, DiscoveryRecord{
			Name:       rec.Descriptor.Name,
			PID:        rec.PID,
			Port:       rec.Descriptor.Port,
			Status:     rec.Status,
			SocketPath: rec.SocketPath,
		})
		held[rec.Descriptor.Name] = true
	}
	g.mu.Unlock()

	existing, err := LoadDiscovery(g.file)
	if err != nil {
		return err
	}
	for _, rec := range existing {
		if !held[rec.Name] {
			out = append(out, rec)
		}
	}

	return writeDiscovery(g.file, out)
}

// LoadDiscovery reads a previously saved discovery file.
func LoadDiscovery(file string) ([]DiscoveryRecord, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", file, err)
	}
	var out []DiscoveryRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", file, err)
	}
	return out, nil
}

// RemoveFromDiscovery deletes one agent's entry from a discovery file.
// Used by the stateless CLI after stopping an agent it did not spawn.
// Removing an absent name is a no-op.
func RemoveFromDiscovery(file, name string) error {
	records, err := LoadDiscovery(file)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.Name != name {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return writeDiscovery(file, kept)
}

// writeDiscovery writes discovery records sorted by name, atomically.
func writeDiscovery(file string, records []DiscoveryRecord) error {
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}
