package storage

import (
	"sync"

	"github.com/example/battery-swap/internal/models"
)

// SwapArchive persists terminal swaps for history queries. Hot swap state
// lives in the key-value store; the archive is the durable record.
type SwapArchive interface {
	Archive(s *models.Swap) error
	History(userID string, limit int) ([]models.Swap, error)
}

type MemoryArchive struct {
	mu    sync.RWMutex
	swaps []models.Swap
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (m *MemoryArchive) Archive(s *models.Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps = append(m.swaps, *s)
	return nil
}

func (m *MemoryArchive) History(userID string, limit int) ([]models.Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Swap, 0, limit)
	for i := len(m.swaps) - 1; i >= 0 && len(out) < limit; i-- {
		if m.swaps[i].UserID == userID {
			out = append(out, m.swaps[i])
		}
	}
	return out, nil
}
