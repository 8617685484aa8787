package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// SnapshotFileName is the progress snapshot kept in the state directory.
const SnapshotFileName = "progress.json"

// DefaultWriteInterval bounds how often progress lines rewrite the snapshot.
const DefaultWriteInterval = time.Second

// NodeProgress is the last known progress of one node.
type NodeProgress struct {
	Node      string    `json:"node"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fraction returns done/total clamped to [0, 1].
func (p NodeProgress) Fraction() float64 {
	if p.Total <= 0 {
		if p.Status != "" {
			return 1
		}
		return 0
	}
	f := float64(p.Done) / float64(p.Total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Snapshot is the persisted view of every tracked node.
type Snapshot struct {
	RunID     string         `json:"run_id,omitempty"`
	Nodes     []NodeProgress `json:"nodes"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Node returns the entry for id.
func (s Snapshot) Node(id string) (NodeProgress, bool) {
	for _, node := range s.Nodes {
		if node.Node == id {
			return node, true
		}
	}
	return NodeProgress{}, false
}

// Tracker aggregates progress reports and finished events and writes them to
// a JSON snapshot read by `status` and `watch`. It is safe for concurrent use.
//
// A node's first report, its last event and every Finish are written at once.
// Progress in between is written at most once per interval.
type Tracker struct {
	path     string
	clock    func() time.Time
	interval time.Duration

	mu      sync.Mutex
	runID   string
	nodes   map[string]NodeProgress
	written time.Time
}

// NewTracker creates a tracker persisting to path. An empty path keeps the
// snapshot in memory only. The entries of an existing snapshot are kept when
// it belongs to runID; an empty runID adopts the snapshot's run.
func NewTracker(path, runID string) *Tracker {
	t := &Tracker{
		path:     path,
		clock:    func() time.Time { return time.Now().UTC() },
		interval: DefaultWriteInterval,
		runID:    runID,
		nodes:    map[string]NodeProgress{},
	}
	if path == "" {
		return t
	}
	snap, err := LoadSnapshot(path)
	if err != nil {
		return t
	}
	if t.runID == "" {
		t.runID = snap.RunID
	}
	if snap.RunID != "" && snap.RunID == t.runID {
		for _, node := range snap.Nodes {
			t.nodes[node.Node] = node
		}
	}
	return t
}

// Reset switches the tracker to runID. Entries of a previous run are
// dropped; resetting to the current run keeps them.
func (t *Tracker) Reset(runID string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.runID == runID {
		t.mu.Unlock()
		return nil
	}
	t.runID = runID
	t.nodes = map[string]NodeProgress{}
	t.mu.Unlock()
	return t.persist()
}

// Report implements module.ProgressReporter.
func (t *Tracker) Report(node string, done, total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	entry := t.nodes[node]
	if entry.Done == done && entry.Total == total && entry.Node != "" {
		t.mu.Unlock()
		return
	}
	now := t.clock()
	due := entry.Node == "" || (total > 0 && done >= total) || now.Sub(t.written) >= t.interval
	entry.Node = node
	entry.Done = done
	entry.Total = total
	entry.UpdatedAt = now
	t.nodes[node] = entry
	t.mu.Unlock()
	if due {
		_ = t.persist()
	}
}

// Finish records the final status of node.
func (t *Tracker) Finish(node, status, message string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	entry := t.nodes[node]
	entry.Node = node
	entry.Status = status
	entry.Message = message
	if status == "completed" && entry.Total > 0 {
		entry.Done = entry.Total
	}
	entry.UpdatedAt = t.clock()
	t.nodes[node] = entry
	t.mu.Unlock()
	return t.persist()
}

// HandleEvent implements EventProcessor for events received over HTTP.
func (t *Tracker) HandleEvent(evt Event) error {
	if t == nil {
		return nil
	}
	if evt.RunID != "" {
		t.mu.Lock()
		if t.runID == "" {
			t.runID = evt.RunID
		}
		mismatch := t.runID != evt.RunID
		t.mu.Unlock()
		if mismatch {
			return nil
		}
	}
	switch evt.Type {
	case TypeProgress:
		p, err := evt.Progress()
		if err != nil {
			return err
		}
		t.Report(evt.Node, p.Done, p.Total)
		return nil
	case TypeFinished:
		p, err := evt.Finished()
		if err != nil {
			return err
		}
		return t.Finish(evt.Node, p.Status, p.Message)
	}
	return fmt.Errorf("eventbridge: unsupported event type %q", evt.Type)
}

// Snapshot returns a copy of the tracked state ordered by node id.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{RunID: t.runID, Nodes: make([]NodeProgress, 0, len(t.nodes))}
	for _, node := range t.nodes {
		snap.Nodes = append(snap.Nodes, node)
		if node.UpdatedAt.After(snap.UpdatedAt) {
			snap.UpdatedAt = node.UpdatedAt
		}
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].Node < snap.Nodes[j].Node })
	return snap
}

func (t *Tracker) persist() error {
	if t.path == "" {
		return nil
	}
	t.mu.Lock()
	snap := t.snapshotLocked()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.mu.Unlock()
		return err
	}
	defer t.mu.Unlock()
	t.written = t.clock()
	return writeFileAtomic(t.path, append(data, '\n'))
}

// LoadSnapshot reads a snapshot written by a tracker. A missing file yields an
// empty snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("eventbridge: parse %s: %w", path, err)
	}
	return snap, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
