// Package resource 描述插件的远程资源，并提供按 URL scheme 分发的下载器与版本探测。
package resource

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "i-vis/internal/errors"
	"i-vis/pkg/logger"
)

const (
	CodeFetchFailed       xerrors.Code = "RESOURCE_FETCH_FAILED"
	CodeUnsupportedScheme xerrors.Code = "RESOURCE_UNSUPPORTED_SCHEME"
	CodeProbeFailed       xerrors.Code = "RESOURCE_PROBE_FAILED"
)

func init() {
	xerrors.Register(CodeFetchFailed, xerrors.Attributes{Message: "resource download failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
	xerrors.Register(CodeUnsupportedScheme, xerrors.Attributes{Message: "unsupported resource scheme", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeProbeFailed, xerrors.Attributes{Message: "version probe failed", Severity: xerrors.SeverityWarning, Retryable: true})
}

// ProbeKind 指定远程版本的探测方式。
type ProbeKind string

const (
	// ProbeStatic 使用目录中写死的版本。
	ProbeStatic ProbeKind = "static"
	// ProbeLastModified 使用 HTTP Last-Modified 响应头的日期。
	ProbeLastModified ProbeKind = "last-modified"
	// ProbeXPath 在 HTML 页面上按 XPath 取文本，可再用正则提取。
	ProbeXPath ProbeKind = "xpath"
	// ProbeModTime 使用 FTP/SFTP/本地文件的修改时间。
	ProbeModTime ProbeKind = "mtime"
)

// Probe 描述版本探测规则。
type Probe struct {
	Kind  ProbeKind `json:"kind" yaml:"kind" toml:"kind"`
	Value string    `json:"value,omitempty" yaml:"value,omitempty" toml:"value"`
	URL   string    `json:"url,omitempty" yaml:"url,omitempty" toml:"url"`
	XPath string    `json:"xpath,omitempty" yaml:"xpath,omitempty" toml:"xpath"`
	Regex string    `json:"regex,omitempty" yaml:"regex,omitempty" toml:"regex"`
}

// Descriptor 描述插件的一个远程资源。
type Descriptor struct {
	Plugin string `json:"plugin" yaml:"plugin" toml:"plugin"`
	Name   string `json:"name" yaml:"name" toml:"name"`
	URL    string `json:"url" yaml:"url" toml:"url"`
	// Target 为下载后的文件名，默认取 URL 路径的最后一段。
	Target string `json:"target,omitempty" yaml:"target,omitempty" toml:"target"`
	Probe  *Probe `json:"probe,omitempty" yaml:"probe,omitempty" toml:"probe"`
}

// TargetName 返回下载文件名。
func (d Descriptor) TargetName() string {
	if d.Target != "" {
		return d.Target
	}
	if u, err := url.Parse(d.URL); err == nil {
		if base := filepath.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
		if table := u.Query().Get("table"); table != "" {
			return table + ".tsv"
		}
	}
	return d.Name
}

// Scheme 返回 URL scheme，小写。
func (d Descriptor) Scheme() string {
	u, err := url.Parse(d.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Validate 检查描述是否完整。
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资源名称不能为空", xerrors.WithPlugin(d.Plugin))
	}
	switch d.Scheme() {
	case "http", "https", "ftp", "sftp", "mysql", "file":
	default:
		return xerrors.Newf(CodeUnsupportedScheme, "资源 %s 的 URL %q 不受支持", d.Name, d.URL)
	}
	if d.Probe != nil {
		switch d.Probe.Kind {
		case ProbeStatic:
			if d.Probe.Value == "" {
				return xerrors.Newf(xerrors.CodeInvalidArgument, "资源 %s 的 static 探测缺少 value", d.Name)
			}
		case ProbeXPath:
			if d.Probe.XPath == "" {
				return xerrors.Newf(xerrors.CodeInvalidArgument, "资源 %s 的 xpath 探测缺少 xpath", d.Name)
			}
		case ProbeLastModified, ProbeModTime:
		default:
			return xerrors.Newf(xerrors.CodeInvalidArgument, "资源 %s 的探测方式 %q 未知", d.Name, d.Probe.Kind)
		}
	}
	return nil
}

// Fetcher 将资源下载到 dest。
type Fetcher interface {
	Fetch(ctx context.Context, d Descriptor, dest string) error
}

// Prober 探测远程最新版本，无法确定时返回空字符串。
type Prober interface {
	Probe(ctx context.Context, d Descriptor) (string, error)
}

// Client 按 scheme 选择下载方式，所有远程访问共享同一个限速器。
type Client struct {
	limiter   *rate.Limiter
	timeout   time.Duration
	userAgent string
	http      *httpFetcher
	ftp       *ftpFetcher
	sftp      *sftpFetcher
	mysql     *mysqlDumper
}

// Option 配置 Client。
type Option func(*Client)

// WithRateLimit 设置每秒请求数与突发量。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithTimeout 设置单次下载超时。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent 设置 HTTP User-Agent。
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient 创建下载客户端。
func NewClient(opts ...Option) *Client {
	c := &Client{
		limiter:   rate.NewLimiter(rate.Inf, 1),
		timeout:   10 * time.Minute,
		userAgent: "i-vis-etl",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.http = newHTTPFetcher(c.timeout, c.userAgent)
	c.ftp = &ftpFetcher{timeout: c.timeout}
	c.sftp = newSFTPFetcher(c.timeout)
	c.mysql = newMySQLDumper()
	return c
}

// Fetch 实现 Fetcher，先写入临时文件，成功后改名为 dest。
func (c *Client) Fetch(ctx context.Context, d Descriptor, dest string) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待下载配额失败", xerrors.WithPlugin(d.Plugin))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建下载目录失败")
	}

	log := logger.ForPlugin(d.Plugin)
	started := time.Now()
	log.Info("开始下载资源", "resource", d.Name, "url", redact(d.URL))

	tmp := dest + ".part"
	var err error
	switch d.Scheme() {
	case "http", "https":
		err = c.http.fetch(ctx, d, tmp, dest)
	case "ftp":
		err = c.ftp.fetch(ctx, d, tmp)
	case "sftp":
		err = c.sftp.fetch(ctx, d, tmp)
	case "mysql":
		err = c.mysql.dump(ctx, d, tmp)
	case "file":
		err = copyLocal(ctx, d, tmp)
	}
	if err != nil {
		_ = os.Remove(tmp)
		log.Warn("资源下载失败", "resource", d.Name, "error", err)
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(CodeFetchFailed, err, fmt.Sprintf("下载 %s 失败", d.Name), xerrors.WithPlugin(d.Plugin))
	}
	if err := os.Rename(tmp, dest); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存下载文件失败")
	}
	log.Info("资源下载完成", "resource", d.Name, "dest", dest, "elapsed", time.Since(started).String())
	return nil
}

// Probe 实现 Prober。
func (c *Client) Probe(ctx context.Context, d Descriptor) (string, error) {
	if d.Probe == nil {
		return "", nil
	}
	if d.Probe.Kind == ProbeStatic {
		return d.Probe.Value, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, "等待探测配额失败")
	}
	var (
		version string
		err     error
	)
	switch d.Probe.Kind {
	case ProbeLastModified:
		version, err = c.http.lastModified(ctx, probeURL(d))
	case ProbeXPath:
		version, err = c.http.xpath(ctx, probeURL(d), d.Probe.XPath, d.Probe.Regex)
	case ProbeModTime:
		var mtime time.Time
		switch d.Scheme() {
		case "ftp":
			mtime, err = c.ftp.modTime(ctx, d)
		case "sftp":
			mtime, err = c.sftp.modTime(ctx, d)
		case "file":
			mtime, err = localModTime(d)
		default:
			err = xerrors.Newf(CodeUnsupportedScheme, "mtime 探测不支持 %s", d.Scheme())
		}
		if err == nil && !mtime.IsZero() {
			version = mtime.UTC().Format(VersionDateLayout)
		}
	default:
		err = xerrors.Newf(xerrors.CodeInvalidArgument, "未知探测方式 %q", d.Probe.Kind)
	}
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return "", err
		}
		return "", xerrors.Wrap(CodeProbeFailed, err, fmt.Sprintf("探测 %s 版本失败", d.Name), xerrors.WithPlugin(d.Plugin))
	}
	return strings.TrimSpace(version), nil
}

// VersionDateLayout 是基于日期的版本格式。
const VersionDateLayout = "2006-01-02"

func probeURL(d Descriptor) string {
	if d.Probe != nil && d.Probe.URL != "" {
		return d.Probe.URL
	}
	return d.URL
}

// redact 隐藏 URL 中的密码。
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
