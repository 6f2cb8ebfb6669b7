package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Error 携带错误码、出错插件以及可选的版本和附加字段。
// 默认行为在查询时按错误码从登记表解析，因此包级哨兵错误可以早于 Register 创建。
type Error struct {
	code    Code
	message string
	cause   error
	plugin  string
	version string
	fields  map[string]string

	overrides Attributes
	// overridden 记录 overrides 中哪些字段生效。
	overridden overrideMask
}

type overrideMask uint8

const (
	overrideSeverity overrideMask = 1 << iota
	overrideRetryable
	overrideAlert
)

// Option 调整单个错误。
type Option func(*Error)

// WithPlugin 记录出错的插件。
func WithPlugin(name string) Option {
	return func(e *Error) { e.plugin = name }
}

// WithVersion 记录涉及的插件版本。
func WithVersion(v string) Option {
	return func(e *Error) { e.version = v }
}

// WithMetadata 附加一个键值，"plugin" 与 "version" 分别等同于 WithPlugin 与 WithVersion。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		switch key {
		case "plugin":
			e.plugin = value
		case "version":
			e.version = value
		default:
			if e.fields == nil {
				e.fields = make(map[string]string, 1)
			}
			e.fields[key] = value
		}
	}
}

func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.overrides.Retryable = retryable
		e.overridden |= overrideRetryable
	}
}

func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.overrides.Alert = alert
		e.overridden |= overrideAlert
	}
}

func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.overrides.Severity = sev
		e.overridden |= overrideSeverity
	}
}

// New 创建错误；message 为空时取错误码登记的描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 用错误码包裹 cause，cause 仍可通过 errors.Is/As 取得。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 的格式为 "[CODE] message (plugin=p, version=v): cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	var ctx []string
	if e.plugin != "" {
		ctx = append(ctx, "plugin="+e.plugin)
	}
	if e.version != "" {
		ctx = append(ctx, "version="+e.version)
	}
	if len(ctx) > 0 {
		b.WriteString(" (" + strings.Join(ctx, ", ") + ")")
	}
	if e.cause != nil {
		b.WriteString(": " + e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 只比较错误码，errors.Is(err, ErrNotFound) 因此对任意描述都成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Plugin 返回出错插件，未记录时为空。
func (e *Error) Plugin() string {
	if e == nil {
		return ""
	}
	return e.plugin
}

// Metadata 返回全部附加信息的副本，包括 plugin 和 version。
func (e *Error) Metadata() map[string]string {
	if e == nil {
		return nil
	}
	out := maps.Clone(e.fields)
	for k, v := range map[string]string{"plugin": e.plugin, "version": e.version} {
		if v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, 2)
		}
		out[k] = v
	}
	return out
}

// attributes 合并登记的默认值与单个错误的覆盖项。
func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	if e.overridden&overrideSeverity != 0 {
		attr.Severity = e.overrides.Severity
	}
	if e.overridden&overrideRetryable != 0 {
		attr.Retryable = e.overrides.Retryable
	}
	if e.overridden&overrideAlert != 0 {
		attr.Alert = e.overrides.Alert
	}
	return attr
}

func (e *Error) Retryable() bool { return e != nil && e.attributes().Retryable }

func (e *Error) ShouldAlert() bool { return e != nil && e.attributes().Alert }

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attributes().Severity
}

// From 返回错误链中最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回最外层 *Error 的错误码，普通错误为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// HasCode 报告最外层 *Error 是否为 code；它不会继续查看被包裹的内层错误码。
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HasAnyCode 报告最外层错误码是否属于 want。
func HasAnyCode(err error, want ...Code) bool {
	return err != nil && slices.Contains(want, CodeOf(err))
}

func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 对普通错误返回 UNKNOWN 的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
