package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SessionState — состояние сессии загрузки.
type SessionState string

const (
	StateCollecting SessionState = "collecting"
	StateMerging    SessionState = "merging"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
)

// ParseSessionState разбирает состояние, сохранённое в хранилище метаданных.
func ParseSessionState(s string) (SessionState, error) {
	switch st := SessionState(strings.ToLower(strings.TrimSpace(s))); st {
	case StateCollecting, StateMerging, StateCompleted, StateFailed:
		return st, nil
	case "":
		return StateCollecting, nil
	default:
		return "", fmt.Errorf("unknown session state %q", s)
	}
}

// ChunkRecord описывает один принятый чанк. Повторная загрузка того же индекса заменяет запись.
type ChunkRecord struct {
	Index      int       `json:"index"`
	Size       int64     `json:"size"`
	StorageRef string    `json:"storage_ref"`
	Sha256     string    `json:"sha256,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// UploadSession агрегирует состояние загрузки одного идентификатора.
type UploadSession struct {
	Identity       string              `json:"identity"`
	ExpectedChunks int                 `json:"expected_chunks,omitempty"`
	Chunks         map[int]ChunkRecord `json:"chunks"`
	State          SessionState        `json:"state"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// NewSession создаёт пустую сессию в состоянии collecting.
func NewSession(id string, now time.Time) UploadSession {
	return UploadSession{
		Identity:  id,
		Chunks:    map[int]ChunkRecord{},
		State:     StateCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone возвращает копию структуры, чтобы не делиться внутренними картами.
func (s UploadSession) Clone() UploadSession {
	out := s
	out.Chunks = make(map[int]ChunkRecord, len(s.Chunks))
	for idx, c := range s.Chunks {
		out.Chunks[idx] = c
	}
	return out
}

// PresentIndices возвращает отсортированный список индексов.
func (s UploadSession) PresentIndices() []int {
	out := make([]int, 0, len(s.Chunks))
	for idx := range s.Chunks {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Size возвращает суммарный размер принятых чанков.
func (s UploadSession) Size() int64 {
	var total int64
	for _, c := range s.Chunks {
		total += c.Size
	}
	return total
}

// Missing возвращает индексы из [0, n), которых нет в сессии.
func (s UploadSession) Missing(n int) []int {
	var out []int
	for i := 0; i < n; i++ {
		if _, ok := s.Chunks[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// CheckComplete проверяет, что набор индексов ровно [0, n), без пропусков и лишних.
func (s UploadSession) CheckComplete(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: expected chunk count is unknown", ErrIncompleteUpload)
	}
	if missing := s.Missing(n); len(missing) > 0 {
		return fmt.Errorf("%w: %d of %d chunks missing, first missing %d", ErrIncompleteUpload, len(missing), n, missing[0])
	}
	if len(s.Chunks) != n {
		for idx := range s.Chunks {
			if idx >= n {
				return fmt.Errorf("%w: chunk %d is outside declared count %d", ErrIncompleteUpload, idx, n)
			}
		}
	}
	return nil
}

// Artifact описывает итоговый файл. Запись остаётся и после удаления сессии.
type Artifact struct {
	Identity    string    `json:"identity"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Chunks      int       `json:"chunks"`
	CompletedAt time.Time `json:"completed_at"`
}
