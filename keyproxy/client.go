package keyproxy

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// SignTimeout is the maximum duration of a signing round trip.
var SignTimeout = 30 * time.Second

// Client talks to a Server from the unprivileged process.
type Client struct {
	conn net.Conn

	wmu sync.Mutex
	enc *json.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response
	err     error // Set when the connection failed, all later calls fail.
}

// NewClient returns a client on conn and starts reading responses.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: map[uint64]chan response{},
	}
	go c.read()
	return c
}

// Close closes the connection, failing pending and future requests.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) read() {
	dec := json.NewDecoder(c.conn)
	for {
		var resp response
		err := dec.Decode(&resp)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			} else {
				err = fmt.Errorf("reading key proxy response: %w", err)
			}
			c.fail(err)
			return
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ch == nil {
			pkglog.Error("response for unknown request", slog.Uint64("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for id, ch := range c.pending {
		ch <- response{ID: id, Error: err.Error()}
		delete(c.pending, id)
	}
}

// send writes req with a new id. If wait is set, a channel on which the
// response is delivered is returned.
func (c *Client) send(req request, wait bool) (chan response, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.nextID++
	req.ID = c.nextID
	var ch chan response
	if wait {
		ch = make(chan response, 1)
		c.pending[req.ID] = ch
	}
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.enc.Encode(req)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("writing key proxy request: %w", err)
	}
	return ch, nil
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	ch, err := c.send(req, true)
	if err != nil {
		return response{}, err
	}
	select {
	case resp := <-ch:
		if resp.Error == ErrUnknownHash.Error() {
			return resp, ErrUnknownHash
		} else if resp.Error == ErrNoKey.Error() {
			return resp, ErrNoKey
		} else if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return response{}, ctx.Err()
	}
}

// Derive requests a substitute key for the certificate (DER). The returned
// hash identifies the key at the server, it must be registered before the
// signer can be used.
func (c *Client) Derive(ctx context.Context, certDER []byte) (string, *Signer, error) {
	resp, err := c.call(ctx, request{Op: opDerive, Certificate: certDER})
	if err != nil {
		return "", nil, fmt.Errorf("derive substitute key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(resp.PublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("parsing substitute public key: %w", err)
	}
	hash, _, err := KeyHash(pub)
	if err != nil {
		return "", nil, err
	}
	if hash != resp.Hash {
		return "", nil, fmt.Errorf("key proxy returned hash %s for public key with hash %s", resp.Hash, hash)
	}
	return hash, &Signer{client: c, hash: hash, pub: pub}, nil
}

// Register maps the hash to the pki name at the server. No response is
// expected.
func (c *Client) Register(hash, name string) error {
	_, err := c.send(request{Op: opRegister, Hash: hash, Name: name}, false)
	return err
}

// Signer is a substitute private key. Signing is done by the key proxy server.
type Signer struct {
	client *Client
	hash   string
	pub    crypto.PublicKey
}

var _ crypto.Signer = (*Signer)(nil)

// Hash returns the hash identifying the key at the server.
func (s *Signer) Hash() string {
	return s.hash
}

func (s *Signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign has the key proxy server sign digest. The random source is ignored.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	req := request{Op: opSign, Hash: s.hash, Digest: digest, HashFunc: opts.HashFunc()}
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		req.PSS = true
		req.SaltLength = pss.SaltLength
	}
	ctx, cancel := context.WithTimeout(context.Background(), SignTimeout)
	defer cancel()
	resp, err := s.client.call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("key proxy sign: %w", err)
	}
	return resp.Signature, nil
}
