package job

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "i-vis/internal/errors"
)

// Store 持久化作业状态。
type Store interface {
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 把排队中或可重试的作业置为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	// Finish 以 done 或 skipped 结束作业。
	Finish(ctx context.Context, id string, status Status, out Outcome) error
	// Fail 记录一次失败；final 为 true 时作业不再重试。
	Fail(ctx context.Context, id string, code xerrors.Code, msg string, final bool) error
	List(ctx context.Context, f Filter) ([]*Job, error)
	Count(ctx context.Context, f Filter) (Counts, error)
}

// MemStore 在内存中保存作业，用于测试与不配置数据库的场景。
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemStore 创建空的 MemStore。
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*Job), now: time.Now}
}

func (m *MemStore) Insert(_ context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return xerrors.New(CodeInvalid, "job id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrConflict
	}
	now := m.now().Truncate(time.Second)
	j.QueuedAt, j.UpdatedAt = now, now
	m.jobs[j.ID] = j.clone()
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

func (m *MemStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := claimable(j); err != nil {
		return j.clone(), err
	}
	j.Status = StatusRunning
	j.Attempts++
	j.Error, j.ErrorCode = "", ""
	j.UpdatedAt = m.now().Truncate(time.Second)
	return j.clone(), nil
}

// claimable 与 SQLStore.Claim 的条件更新保持一致。
func claimable(j *Job) error {
	switch {
	case j.Status == StatusRunning:
		return ErrConflict
	case j.Finished():
		return ErrFinished
	case j.Attempts >= j.MaxAttempts:
		return ErrFinished
	}
	return nil
}

func (m *MemStore) Finish(_ context.Context, id string, status Status, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.Outcome = nil
	if !out.empty() {
		j.Outcome = &out
	}
	j.Error, j.ErrorCode = "", ""
	j.UpdatedAt = m.now().Truncate(time.Second)
	return nil
}

func (m *MemStore) Fail(_ context.Context, id string, code xerrors.Code, msg string, final bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusFailed
	j.Error, j.ErrorCode = msg, string(code)
	if final && j.Attempts < j.MaxAttempts {
		j.Attempts = j.MaxAttempts
	}
	j.UpdatedAt = m.now().Truncate(time.Second)
	return nil
}

func (m *MemStore) List(_ context.Context, f Filter) ([]*Job, error) {
	f = f.normalized()
	m.mu.Lock()
	var out []*Job
	for _, j := range m.jobs {
		if f.match(j) {
			out = append(out, j.clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if f.OldestFirst {
			x, y = y, x
		}
		if !x.UpdatedAt.Equal(y.UpdatedAt) {
			return x.UpdatedAt.After(y.UpdatedAt)
		}
		return x.ID > y.ID
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) Count(_ context.Context, f Filter) (Counts, error) {
	f = f.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, j := range m.jobs {
		if f.match(j) {
			c.add(j.Status, 1)
		}
	}
	return c, nil
}

var _ Store = (*MemStore)(nil)
