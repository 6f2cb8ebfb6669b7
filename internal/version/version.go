// Package version 跟踪每个插件的版本三元组（newest, installed, pending），
// 保证同一插件同时最多只有一个进行中的升级，失败的升级不会改变已安装版本。
package version

import (
	"time"

	xerrors "i-vis/internal/errors"
)

// Known 是 update 记录过的一个远程版本。版本号不透明，先后顺序由 Seq 决定。
type Known struct {
	Plugin      string    `json:"plugin"`
	Version     string    `json:"version"`
	Installable bool      `json:"installable"`
	CheckedAt   time.Time `json:"checked_at"`
	Seq         int64     `json:"seq"`
}

// UpdateStatus 是一次升级尝试的状态。
type UpdateStatus string

const (
	StatusOngoing   UpdateStatus = "ongoing"
	StatusFailed    UpdateStatus = "failed"
	StatusInstalled UpdateStatus = "installed"
	StatusArchived  UpdateStatus = "archived"
)

// Update 记录一次升级尝试。
type Update struct {
	ID         string       `json:"id"`
	Plugin     string       `json:"plugin"`
	Version    string       `json:"version"`
	Status     UpdateStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Record 是插件在存储中的持久状态。
type Record struct {
	Plugin            string
	Installed         string
	Pending           string
	Chosen            string
	Frozen            bool
	InstalledUpdateID string
	PendingUpdateID   string
}

// State 汇总插件的版本状态。
type State struct {
	Plugin       string `json:"plugin"`
	Newest       string `json:"newest,omitempty"`
	Installed    string `json:"installed,omitempty"`
	Pending      string `json:"pending,omitempty"`
	Chosen       string `json:"chosen,omitempty"`
	Frozen       bool   `json:"frozen"`
	NewestSeq    int64  `json:"-"`
	InstalledSeq int64  `json:"-"`
}

// Target 返回下一次升级的目标版本：已选择的版本优先，否则为最新版本。
func (s State) Target() string {
	if s.Chosen != "" {
		return s.Chosen
	}
	return s.Newest
}

// UpToDate 判断已安装版本是否就是目标版本。
func (s State) UpToDate() bool {
	return s.Installed != "" && s.Installed == s.Target()
}

// Updateable 判断插件是否可以升级：未冻结、没有 pending、存在已知版本，并且尚未安装或已安装版本较旧。
func (s State) Updateable() bool {
	if s.Frozen || s.Pending != "" || s.Newest == "" {
		return false
	}
	if s.Installed == "" {
		return true
	}
	if s.Chosen != "" {
		return s.Chosen != s.Installed
	}
	return s.InstalledSeq < s.NewestSeq
}

const (
	CodeInFlight       xerrors.Code = "VERSION_UPGRADE_IN_FLIGHT"
	CodeFrozen         xerrors.Code = "VERSION_FROZEN"
	CodeUnknownVersion xerrors.Code = "VERSION_UNKNOWN"
	CodeNotInstallable xerrors.Code = "VERSION_NOT_INSTALLABLE"
	CodeUpToDate       xerrors.Code = "VERSION_UP_TO_DATE"
	CodeNotInstalled   xerrors.Code = "VERSION_NOT_INSTALLED"
	CodeStaleUpdate    xerrors.Code = "VERSION_STALE_UPDATE"
)

var (
	// ErrInFlight 表示插件已有进行中的升级。
	ErrInFlight = xerrors.New(CodeInFlight, "an upgrade is already in flight")
	// ErrStaleUpdate 表示提交或放弃的升级已不是当前 pending。
	ErrStaleUpdate = xerrors.New(CodeStaleUpdate, "update is no longer pending")
)

func init() {
	xerrors.Register(CodeInFlight, xerrors.Attributes{Message: "an upgrade is already in flight", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeFrozen, xerrors.Attributes{Message: "plugin version is frozen", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUnknownVersion, xerrors.Attributes{Message: "version is not known", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotInstallable, xerrors.Attributes{Message: "version is not installable", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUpToDate, xerrors.Attributes{Message: "plugin is up to date", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotInstalled, xerrors.Attributes{Message: "plugin has no installed version", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeStaleUpdate, xerrors.Attributes{Message: "update is no longer pending", Severity: xerrors.SeverityWarning, Alert: true})
}
