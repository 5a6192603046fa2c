package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpBackend uploads recordings over FTP. A fresh connection is made per
// operation; long-lived FTP sessions tend to be dropped by servers between
// sweep runs.
type ftpBackend struct {
	addr string
	user string
	pass string
}

// NewFTPBackend stores recordings on an FTP server under its login root.
func NewFTPBackend(addr, user, pass string) (Backend, error) {
	if addr == "" {
		return nil, errors.New("ftp addr is empty")
	}
	return &ftpBackend{addr: addr, user: user, pass: pass}, nil
}

func (b *ftpBackend) Name() string { return "ftp" }

func (b *ftpBackend) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(b.addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", b.addr, err)
	}
	if err := conn.Login(b.user, b.pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return conn, nil
}

func (b *ftpBackend) Store(ctx context.Context, key string, data []byte) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	// Parent directories must exist before Stor. MakeDir fails on a
	// directory that already exists, which is fine.
	dir := path.Dir(key)
	if dir != "." && dir != "/" {
		built := ""
		for _, part := range splitPath(dir) {
			built = path.Join(built, part)
			conn.MakeDir(built)
		}
	}

	if err := conn.Stor(key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("ftp stor %s: %w", key, err)
	}
	return nil
}

func (b *ftpBackend) Delete(ctx context.Context, key string) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Delete(key); err != nil {
		var pe *textproto.Error
		if errors.As(err, &pe) && pe.Code == ftp.StatusFileUnavailable {
			return nil
		}
		return fmt.Errorf("ftp delete %s: %w", key, err)
	}
	return nil
}

func splitPath(dir string) []string {
	var parts []string
	for dir != "" && dir != "." && dir != "/" {
		parts = append([]string{path.Base(dir)}, parts...)
		dir = path.Dir(dir)
	}
	return parts
}
