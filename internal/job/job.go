// Package job 把插件升级作为可排队、可重试的作业执行，并持久化每次作业的结果。
package job

import (
	"fmt"
	"strings"
	"time"

	xerrors "i-vis/internal/errors"
)

// Status 是作业的生命周期状态。
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	// StatusSkipped 表示插件无需升级（已是最新或被冻结），不计为失败。
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

var statuses = []Status{StatusQueued, StatusRunning, StatusDone, StatusSkipped, StatusFailed}

// ParseStatus 校验命令行或配置中给出的状态名。
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range statuses {
		if st == known {
			return st, nil
		}
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown job status %q", s))
}

// Options 是一次升级的参数，随作业一起持久化。
type Options struct {
	// Mode 为流水线运行模式：default、pretend、unconditional 或 force。
	Mode        string `json:"mode,omitempty"`
	OmitETL     bool   `json:"omit_etl,omitempty"`
	OnlyExtract bool   `json:"only_extract,omitempty"`
	Resume      bool   `json:"resume,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Outcome 是执行结束后写回作业的结果。
type Outcome struct {
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

func (o Outcome) empty() bool { return o.Version == "" && o.Message == "" }

// Job 是一次排队的插件升级。
type Job struct {
	ID          string    `json:"id"`
	Plugin      string    `json:"plugin"`
	Options     Options   `json:"options"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Finished 报告作业是否不会再被执行。
func (j *Job) Finished() bool {
	if j == nil {
		return false
	}
	switch j.Status {
	case StatusDone, StatusSkipped:
		return true
	case StatusFailed:
		return j.Attempts >= j.MaxAttempts
	}
	return false
}

// Detail 返回面向用户的一行结果或错误描述。
func (j *Job) Detail() string {
	if j.Outcome != nil && j.Outcome.Message != "" {
		return j.Outcome.Message
	}
	return j.Error
}

func (j *Job) clone() *Job {
	c := *j
	if j.Outcome != nil {
		o := *j.Outcome
		c.Outcome = &o
	}
	return &c
}

const (
	CodeNotFound  xerrors.Code = "JOB_NOT_FOUND"
	CodeConflict  xerrors.Code = "JOB_CONFLICT"
	CodeFinished  xerrors.Code = "JOB_FINISHED"
	CodeInvalid   xerrors.Code = "JOB_INVALID"
	CodeEnqueue   xerrors.Code = "JOB_ENQUEUE_FAILED"
	CodeExecution xerrors.Code = "JOB_EXECUTION_FAILED"
)

var (
	ErrNotFound = xerrors.New(CodeNotFound, "upgrade job not found")
	ErrConflict = xerrors.New(CodeConflict, "upgrade job is already claimed or exists")
	// ErrFinished 表示作业已完成或重试次数已用尽，不能再领取。
	ErrFinished = xerrors.New(CodeFinished, "upgrade job is finished")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "upgrade job not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeConflict, xerrors.Attributes{Message: "upgrade job is already claimed or exists", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeFinished, xerrors.Attributes{Message: "upgrade job is finished", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalid, xerrors.Attributes{Message: "invalid upgrade job", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeEnqueue, xerrors.Attributes{
		Message:   "failed to enqueue upgrade job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeExecution, xerrors.Attributes{
		Message:  "upgrade job failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
