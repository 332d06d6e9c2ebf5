package sensors

import (
	"context"
	"sync"
)

// Reading is a single live sense value
type Reading struct {
	SenseID string `json:"sense_id"`
	Data    any    `json:"data"`
}

// Provider fetches current readings for an Aura's senses
type Provider interface {
	GetSenseData(ctx context.Context, auraID string, senseIDs []string) ([]Reading, error)
}

// Snapshot flattens readings into a sensor id -> value map. Later readings win.
func Snapshot(readings []Reading) map[string]any {
	out := make(map[string]any, len(readings))
	for _, r := range readings {
		if r.SenseID == "" {
			continue
		}
		out[r.SenseID] = r.Data
	}
	return out
}

// StaticProvider serves readings held in memory, keyed per Aura
type StaticProvider struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewStaticProvider creates an empty provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{data: make(map[string]map[string]any)}
}

// Set stores a reading for an Aura
func (p *StaticProvider) Set(auraID, senseID string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data[auraID] == nil {
		p.data[auraID] = make(map[string]any)
	}
	p.data[auraID][senseID] = value
}

// Clear removes a reading
func (p *StaticProvider) Clear(auraID, senseID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data[auraID], senseID)
}

// GetSenseData returns readings for the requested ids that have values, in request order
func (p *StaticProvider) GetSenseData(ctx context.Context, auraID string, senseIDs []string) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	values := p.data[auraID]
	readings := make([]Reading, 0, len(senseIDs))
	for _, id := range senseIDs {
		if v, ok := values[id]; ok {
			readings = append(readings, Reading{SenseID: id, Data: v})
		}
	}
	return readings, nil
}
