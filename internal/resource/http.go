package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"

	xerrors "i-vis/internal/errors"
)

type httpFetcher struct {
	client    *http.Client
	userAgent string
}

func newHTTPFetcher(timeout time.Duration, ua string) *httpFetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}, userAgent: ua}
}

func (h *httpFetcher) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRemoteFailure, err, "请求 "+redact(target)+" 失败")
	}
	return resp, nil
}

// fetch 下载到 tmp；响应码非 200 时把响应体写入 dest.err 并返回错误。
func (h *httpFetcher) fetch(ctx context.Context, d Descriptor, tmp, dest string) error {
	resp, err := h.do(ctx, http.MethodGet, d.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = os.WriteFile(dest+".err", body, 0o644)
		return xerrors.Newf(CodeFetchFailed, "%s 返回状态 %d", redact(d.URL), resp.StatusCode)
	}

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	_ = os.Remove(dest + ".err")
	return f.Close()
}

// lastModified 通过 HEAD 请求读取 Last-Modified，缺失时返回空字符串。
func (h *httpFetcher) lastModified(ctx context.Context, target string) (string, error) {
	resp, err := h.do(ctx, http.MethodHead, target)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s 返回状态 %d", redact(target), resp.StatusCode)
	}
	raw := resp.Header.Get("Last-Modified")
	if raw == "" {
		return "", nil
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return "", nil
	}
	return t.UTC().Format(VersionDateLayout), nil
}

// xpath 取页面上第一个匹配节点的文本；pattern 非空时返回第一个捕获组。
func (h *httpFetcher) xpath(ctx context.Context, target, expr, pattern string) (string, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "版本正则无效")
		}
	}

	resp, err := h.do(ctx, http.MethodGet, target)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s 返回状态 %d", redact(target), resp.StatusCode)
	}

	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return "", fmt.Errorf("解析页面失败: %w", err)
	}
	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "XPath 表达式无效")
	}
	for _, node := range nodes {
		text := strings.TrimSpace(htmlquery.InnerText(node))
		if text == "" {
			continue
		}
		if re == nil {
			return text, nil
		}
		if m := re.FindStringSubmatch(text); m != nil {
			if len(m) > 1 {
				return m[1], nil
			}
			return m[0], nil
		}
	}
	return "", nil
}
