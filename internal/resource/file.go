package resource

import (
	"context"
	"io"
	"net/url"
	"os"
	"time"
)

func localPath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host != "" && u.Host != "localhost" {
		return u.Host + u.Path, nil
	}
	return u.Path, nil
}

func copyLocal(ctx context.Context, d Descriptor, tmp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := localPath(d.URL)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func localModTime(d Descriptor) (time.Time, error) {
	path, err := localPath(probeURL(d))
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
