package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// execConn presents an ssh exec channel as a net.Conn. Deadlines are not
// supported by ssh channels and are accepted as no-ops.
type execConn struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	release func()
	remote  net.Addr
	once    sync.Once
}

func (c *execConn) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *execConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// CloseWrite signals EOF to the remote command.
func (c *execConn) CloseWrite() error {
	return c.stdin.Close()
}

func (c *execConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stdin.Close()
		err = c.session.Close()
		c.release()
		if err == io.EOF {
			err = nil
		}
	})
	return err
}

func (c *execConn) LocalAddr() net.Addr                { return tunnelAddr("local") }
func (c *execConn) RemoteAddr() net.Addr               { return c.remote }
func (c *execConn) SetDeadline(_ time.Time) error      { return nil }
func (c *execConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *execConn) SetWriteDeadline(_ time.Time) error { return nil }

type tunnelAddr string

func (a tunnelAddr) Network() string { return "ssh" }
func (a tunnelAddr) String() string  { return string(a) }
