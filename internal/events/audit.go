package events

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// AuditRecord is one line of the append-only result log.
type AuditRecord struct {
	Time       time.Time     `json:"time"`
	Session    string        `json:"session"`
	File       string        `json:"file"`
	Descriptor Descriptor    `json:"descriptor"`
	Response   string        `json:"response"`
	Silent     bool          `json:"silent"`
	Usage      *UsageSummary `json:"usage,omitempty"`
}

// AuditLog appends one JSON line per executed trigger. It is strictly
// best-effort: every failure is swallowed, because logging must never make a
// trigger execution fail.
type AuditLog struct {
	path string
	mu   sync.Mutex
}

func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// Append writes rec as one JSON line. Errors are discarded.
func (l *AuditLog) Append(rec AuditRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = f.Write(append(data, '\n'))
}
