package budget

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// UsageRecord is one append-only entry in the usage ledger.
type UsageRecord struct {
	AgentID      string    `json:"agentId"`
	SessionRef   string    `json:"sessionRef,omitempty"`
	ProjectPath  string    `json:"projectPath,omitempty"`
	Timestamp    time.Time `json:"ts"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Model        string    `json:"model"`
	Operation    string    `json:"operation"`
	TaskID       string    `json:"taskId,omitempty"`
	Cost         float64   `json:"cost"`
}

// Ledger is an append-only JSONL usage log bucketed per UTC day.
// The cost stored on disk is informational; reads always re-derive
// cost from the pricing table so price changes apply retroactively.
type Ledger struct {
	dir string

	mu    sync.Mutex
	cache map[string][]UsageRecord
}

// NewLedger creates a ledger rooted at dir, creating it if needed.
func NewLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}
	return &Ledger{dir: dir, cache: make(map[string][]UsageRecord)}, nil
}

// Append writes a record to the current day file.
func (l *Ledger) Append(r UsageRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Timestamp = r.Timestamp.UTC()
	r.Cost = CalculateCost(r.Model, r.InputTokens, r.OutputTokens)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	day := r.Timestamp.Format("2006-01-02")

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.dayPath(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}

	delete(l.cache, day)
	return nil
}

// Records returns all records with a timestamp at or after since, up to now.
func (l *Ledger) Records(since time.Time) ([]UsageRecord, error) {
	since = since.UTC()
	now := time.Now().UTC()

	var out []UsageRecord
	for day := since.Truncate(24 * time.Hour); !day.After(now); day = day.Add(24 * time.Hour) {
		records, err := l.recordsForDay(day.Format("2006-01-02"))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if !r.Timestamp.Before(since) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// AgentRecords returns records for one agent since the given time.
func (l *Ledger) AgentRecords(agentID string, since time.Time) ([]UsageRecord, error) {
	all, err := l.Records(since)
	if err != nil {
		return nil, err
	}
	var out []UsageRecord
	for _, r := range all {
		if r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out, nil
}

// TaskRecords returns every record charged to a task. Task lifetimes do
// not align with budget windows, so this scans all ledger days on disk.
func (l *Ledger) TaskRecords(taskID string) ([]UsageRecord, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger dir: %w", err)
	}
	var out []UsageRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		records, err := l.recordsForDay(strings.TrimSuffix(name, ".log"))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.TaskID == taskID {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (l *Ledger) recordsForDay(day string) ([]UsageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[day]; ok {
		return cached, nil
	}

	f, err := os.Open(l.dayPath(day))
	if os.IsNotExist(err) {
		l.cache[day] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	var records []UsageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r UsageRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn write at the tail must not poison the whole day.
			continue
		}
		r.Cost = CalculateCost(r.Model, r.InputTokens, r.OutputTokens)
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	l.cache[day] = records
	return records, nil
}

func (l *Ledger) dayPath(day string) string {
	return filepath.Join(l.dir, day+".log")
}
