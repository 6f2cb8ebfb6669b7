package resource

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	xerrors "i-vis/internal/errors"
)

// 私钥与 known_hosts 文件路径可通过环境变量覆盖。
const (
	EnvSSHKey        = "I_VIS_SSH_KEY"
	EnvSSHKnownHosts = "I_VIS_SSH_KNOWN_HOSTS"
)

type sftpFetcher struct {
	timeout time.Duration
}

func newSFTPFetcher(timeout time.Duration) *sftpFetcher {
	return &sftpFetcher{timeout: timeout}
}

func (s *sftpFetcher) connect(ctx context.Context, raw string) (*ssh.Client, *sftp.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "SFTP 地址无效")
	}
	cfg, err := s.clientConfig(u)
	if err != nil {
		return nil, nil, "", err
	}
	host := u.Host
	if u.Port() == "" {
		host += ":22"
	}

	dialer := net.Dialer{Timeout: s.timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, nil, "", xerrors.Wrap(xerrors.CodeRemoteFailure, err, "连接 SFTP 失败")
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, host, cfg)
	if err != nil {
		rawConn.Close()
		return nil, nil, "", xerrors.Wrap(xerrors.CodeRemoteFailure, err, "SSH 握手失败")
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, "", xerrors.Wrap(xerrors.CodeRemoteFailure, err, "建立 SFTP 会话失败")
	}
	return client, sc, u.Path, nil
}

func (s *sftpFetcher) clientConfig(u *url.URL) (*ssh.ClientConfig, error) {
	user := "anonymous"
	var auth []ssh.AuthMethod
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			auth = append(auth, ssh.Password(p))
		}
	}
	if keyPath := os.Getenv(EnvSSHKey); keyPath != "" {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取 SSH 私钥失败")
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 SSH 私钥失败")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	knownHostsPath := os.Getenv(EnvSSHKnownHosts)
	if knownHostsPath == "" {
		home, _ := os.UserHomeDir()
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFailedPrecondition, err, "加载 known_hosts 失败")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         s.timeout,
	}, nil
}

func (s *sftpFetcher) fetch(ctx context.Context, d Descriptor, tmp string) error {
	conn, sc, path, err := s.connect(ctx, d.URL)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer sc.Close()

	src, err := sc.Open(path)
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

func (s *sftpFetcher) modTime(ctx context.Context, d Descriptor) (time.Time, error) {
	conn, sc, path, err := s.connect(ctx, probeURL(d))
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()
	defer sc.Close()
	info, err := sc.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
