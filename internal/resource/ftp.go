package resource

import (
	"context"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"

	xerrors "i-vis/internal/errors"
)

type ftpFetcher struct {
	timeout time.Duration
}

func (f *ftpFetcher) connect(ctx context.Context, raw string) (*ftp.ServerConn, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "FTP 地址无效")
	}
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}
	conn, err := ftp.Dial(host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.timeout))
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeRemoteFailure, err, "连接 FTP 失败")
	}
	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, "", xerrors.Wrap(xerrors.CodeRemoteFailure, err, "FTP 登录失败")
	}
	return conn, u.Path, nil
}

func (f *ftpFetcher) fetch(ctx context.Context, d Descriptor, tmp string) error {
	conn, path, err := f.connect(ctx, d.URL)
	if err != nil {
		return err
	}
	defer conn.Quit()

	resp, err := conn.Retr(path)
	if err != nil {
		return err
	}
	defer resp.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (f *ftpFetcher) modTime(ctx context.Context, d Descriptor) (time.Time, error) {
	conn, path, err := f.connect(ctx, probeURL(d))
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Quit()
	return conn.GetTime(path)
}
