package errors

import (
	"slices"
	"sync"
)

// Code 是 I-VIS 内部统一的错误码。
type Code string

// Severity 决定错误是否进入审计日志以及告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为，单个错误可以用 Option 覆盖。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码，各业务包在 init 中通过 Register 追加自己的错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeFailedPrecondition    Code = "FAILED_PRECONDITION"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeRemoteFailure         Code = "REMOTE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

type codeTable struct {
	mu    sync.RWMutex
	attrs map[Code]Attributes
}

var codes = &codeTable{attrs: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "conflict", Severity: SeverityWarning},
	CodeFailedPrecondition:    {Message: "failed precondition", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeRemoteFailure:         {Message: "remote source failure", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
}}

func (t *codeTable) lookup(code Code) (Attributes, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	attr, ok := t.attrs[code]
	return attr, ok
}

// Register 登记错误码；重复登记时后者覆盖前者。
func Register(code Code, attr Attributes) {
	codes.mu.Lock()
	defer codes.mu.Unlock()
	codes.attrs[code] = attr
}

// Registered 按字典序返回全部已登记的错误码。
func Registered() []Code {
	codes.mu.RLock()
	out := make([]Code, 0, len(codes.attrs))
	for code := range codes.attrs {
		out = append(out, code)
	}
	codes.mu.RUnlock()
	slices.Sort(out)
	return out
}

// AttributesOf 返回错误码的默认行为，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	if attr, ok := codes.lookup(code); ok {
		return attr
	}
	attr, _ := codes.lookup(CodeUnknown)
	return attr
}
