package job

import (
	"strings"
	"time"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// Filter 选择要列出或统计的作业，零值表示最近的 20 个作业。
type Filter struct {
	Plugin   string
	Statuses []Status
	// Query 对插件名、错误与结果描述做不区分大小写的子串匹配。
	Query       string
	Since       time.Time
	Limit       int
	Offset      int
	OldestFirst bool
}

func (f Filter) normalized() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultLimit
	case f.Limit > maxLimit:
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Plugin = strings.TrimSpace(f.Plugin)
	f.Query = strings.ToLower(strings.TrimSpace(f.Query))
	if len(f.Statuses) > 0 {
		seen := make(map[Status]bool, len(f.Statuses))
		uniq := f.Statuses[:0:0]
		for _, s := range f.Statuses {
			if !seen[s] {
				seen[s] = true
				uniq = append(uniq, s)
			}
		}
		f.Statuses = uniq
	}
	return f
}

func (f Filter) match(j *Job) bool {
	if f.Plugin != "" && j.Plugin != f.Plugin {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && j.UpdatedAt.Before(f.Since.Truncate(time.Second)) {
		return false
	}
	if f.Query != "" {
		text := j.Plugin + " " + j.Error
		if j.Outcome != nil {
			text += " " + j.Outcome.Message
		}
		if !strings.Contains(strings.ToLower(text), f.Query) {
			return false
		}
	}
	return true
}

// Counts 汇总匹配作业的状态分布。
type Counts struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (c *Counts) add(s Status, n int) {
	c.Total += n
	switch s {
	case StatusQueued:
		c.Queued += n
	case StatusRunning:
		c.Running += n
	case StatusDone:
		c.Done += n
	case StatusSkipped:
		c.Skipped += n
	case StatusFailed:
		c.Failed += n
	}
}
