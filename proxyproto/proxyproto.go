// Package proxyproto decodes the PROXY protocol header, version 1 (text) and
// version 2 (binary), sent by load balancers like haproxy before the
// connection data. The decoded connection reports the original client address
// as remote address.
package proxyproto

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	goproxyproto "github.com/pires/go-proxyproto"

	"github.com/mjl-/smtpfront/mlog"
)

var pkglog = mlog.New("proxyproto", nil)

var ErrInvalidHeader = errors.New("invalid proxy protocol header")

// v1 headers are at most 107 bytes, including CRLF.
const maxV1 = 107

// Decoder reads PROXY protocol headers from new connections.
type Decoder struct {
	// Maximum time for reading the header. Zero means no timeout besides the
	// context.
	Timeout time.Duration
}

// Conn is a connection after its PROXY header, with the addresses from the
// header.
type Conn struct {
	net.Conn
	prefix io.Reader // Data read along with the header. Cleared when drained.
	remote net.Addr
	local  net.Addr
}

// Read returns data read along with the header first.
func (c *Conn) Read(buf []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(buf)
		if err == io.EOF {
			c.prefix = nil
			if n == 0 {
				return c.Conn.Read(buf)
			}
			err = nil
		}
		return n, err
	}
	return c.Conn.Read(buf)
}

// RemoteAddr returns the source address from the header, or the address of the
// connection for LOCAL and UNKNOWN headers.
func (c *Conn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}

// LocalAddr returns the destination address from the header, or the address
// of the connection for LOCAL and UNKNOWN headers.
func (c *Conn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return c.Conn.LocalAddr()
}

// Decode reads a PROXY header from conn and returns the connection for
// reading the data that follows. Errors about the header wrap
// ErrInvalidHeader, read errors are returned as is.
func (d Decoder) Decode(ctx context.Context, conn net.Conn) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if d.Timeout > 0 {
		if t := time.Now().Add(d.Timeout); !ok || t.Before(deadline) {
			deadline = t
			ok = true
		}
	}
	if ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("reading proxy header: %w", err)
	}
	var hdr []byte
	switch first[0] {
	case 'P':
		hdr, err = readV1(br)
	case '\r':
		hdr, err = readV2(br)
	default:
		err = fmt.Errorf("%w: unrecognized first byte 0x%02x", ErrInvalidHeader, first[0])
	}
	if err != nil {
		return nil, err
	}
	c := &Conn{Conn: conn}
	if err := parse(hdr, c); err != nil {
		return nil, err
	}

	if !stop() && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}
	if n := br.Buffered(); n > 0 {
		buf, _ := br.Peek(n)
		c.prefix = bytes.NewReader(append([]byte(nil), buf...))
	}
	pkglog.Debug("proxy header", slog.String("remote", c.RemoteAddr().String()), slog.String("local", c.LocalAddr().String()))
	return c, nil
}

// readV1 reads the text header line, without interpreting it.
func readV1(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if err == bufio.ErrBufferFull || len(line) > maxV1 {
		return nil, fmt.Errorf("%w: v1 header too long", ErrInvalidHeader)
	} else if err != nil {
		return nil, fmt.Errorf("reading v1 proxy header: %w", err)
	}
	return append([]byte(nil), line...), nil
}

// readV2 reads the fixed part and the address block of a binary header,
// without interpreting them.
func readV2(br *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("reading v2 proxy header: %w", err)
	}
	size := binary.BigEndian.Uint16(hdr[14:16])
	hdr = append(hdr, make([]byte, size)...)
	if _, err := io.ReadFull(br, hdr[16:]); err != nil {
		return nil, fmt.Errorf("reading v2 proxy addresses: %w", err)
	}
	return hdr, nil
}

// parse interprets a complete header and sets the addresses on c. Only TCP
// over IPv4 and IPv6 is accepted. LOCAL commands and UNSPEC/UNKNOWN keep the
// addresses of the connection.
func parse(buf []byte, c *Conn) error {
	h, err := goproxyproto.Read(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if h.Command.IsLocal() {
		return nil
	}
	var want4 bool
	switch h.TransportProtocol {
	case goproxyproto.UNSPEC:
		return nil
	case goproxyproto.TCPv4:
		want4 = true
	case goproxyproto.TCPv6:
	default:
		return fmt.Errorf("%w: unsupported address family and protocol 0x%02x", ErrInvalidHeader, byte(h.TransportProtocol))
	}
	src, ok1 := h.SourceAddr.(*net.TCPAddr)
	dst, ok2 := h.DestinationAddr.(*net.TCPAddr)
	if !ok1 || !ok2 || (src.IP.To4() != nil) != want4 || (dst.IP.To4() != nil) != want4 {
		return fmt.Errorf("%w: addresses do not match address family", ErrInvalidHeader)
	}
	c.remote = src
	c.local = dst
	return nil
}
