package version

import (
	"context"
	"sort"
	"sync"

	xerrors "i-vis/internal/errors"
)

// MemoryStore 在内存中保存版本状态，适用于测试与单机演示。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	known   map[string][]Known
	updates map[string]*Update
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		known:   make(map[string][]Known),
		updates: make(map[string]*Update),
	}
}

func (s *MemoryStore) record(plugin string) *Record {
	rec, ok := s.records[plugin]
	if !ok {
		rec = &Record{Plugin: plugin}
		s.records[plugin] = rec
	}
	return rec
}

// Load 实现 Store 接口。
func (s *MemoryStore) Load(_ context.Context, plugin string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[plugin]; ok {
		return *rec, nil
	}
	return Record{Plugin: plugin}, nil
}

// AddKnown 实现 Store 接口。
func (s *MemoryStore) AddKnown(_ context.Context, k Known) (Known, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.known[k.Plugin]
	for i := range list {
		if list[i].Version == k.Version {
			list[i].CheckedAt = k.CheckedAt
			return list[i], false, nil
		}
	}
	k.Seq = int64(len(list) + 1)
	s.known[k.Plugin] = append(list, k)
	return k, true, nil
}

// Known 实现 Store 接口，按 Seq 升序返回。
func (s *MemoryStore) Known(_ context.Context, plugin string) ([]Known, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Known, len(s.known[plugin]))
	copy(out, s.known[plugin])
	return out, nil
}

// Updates 实现 Store 接口，按开始时间升序返回。
func (s *MemoryStore) Updates(_ context.Context, plugin string) ([]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Update
	for _, u := range s.updates {
		if u.Plugin == plugin {
			out = append(out, *u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// GetUpdate 实现 Store 接口。
func (s *MemoryStore) GetUpdate(_ context.Context, id string) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	if !ok {
		return Update{}, xerrors.Newf(xerrors.CodeNotFound, "update %s not found", id)
	}
	return *u, nil
}

// StartUpdate 实现 Store 接口。
func (s *MemoryStore) StartUpdate(_ context.Context, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(u.Plugin)
	if rec.Pending != "" {
		return ErrInFlight
	}
	rec.Pending = u.Version
	rec.PendingUpdateID = u.ID
	u.Status = StatusOngoing
	s.updates[u.ID] = &u
	return nil
}

// FinishUpdate 实现 Store 接口。
func (s *MemoryStore) FinishUpdate(_ context.Context, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(u.Plugin)
	stored, ok := s.updates[u.ID]
	if !ok || rec.PendingUpdateID != u.ID {
		return ErrStaleUpdate
	}
	stored.Status = u.Status
	stored.Message = u.Message
	stored.FinishedAt = u.FinishedAt

	if u.Status == StatusInstalled {
		if prev, ok := s.updates[rec.InstalledUpdateID]; ok {
			prev.Status = StatusArchived
		}
		rec.Installed = rec.Pending
		rec.InstalledUpdateID = u.ID
		if rec.Chosen == rec.Installed {
			rec.Chosen = ""
		}
	}
	rec.Pending = ""
	rec.PendingUpdateID = ""
	return nil
}

// SetFrozen 实现 Store 接口。
func (s *MemoryStore) SetFrozen(_ context.Context, plugin string, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(plugin).Frozen = frozen
	return nil
}

// SetChosen 实现 Store 接口。
func (s *MemoryStore) SetChosen(_ context.Context, plugin, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(plugin).Chosen = version
	return nil
}

// ClearInstalled 实现 Store 接口。
func (s *MemoryStore) ClearInstalled(_ context.Context, plugin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(plugin)
	if prev, ok := s.updates[rec.InstalledUpdateID]; ok {
		prev.Status = StatusArchived
	}
	rec.Installed = ""
	rec.InstalledUpdateID = ""
	rec.Chosen = ""
	rec.Frozen = false
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
