package keyproxy

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"

	"github.com/mjl-/smtpfront/metrics"
	"github.com/mjl-/smtpfront/mlog"
)

// Server holds the private keys in the privileged process.
type Server struct {
	log  mlog.Log
	keys []crypto.Signer

	sync.Mutex
	derived map[string]crypto.Signer // Hash to key, after derive.
	names   map[string]string        // Hash to pki name, after register.
}

// NewServer returns a server for the private keys.
func NewServer(log mlog.Log, keys []crypto.Signer) *Server {
	return &Server{
		log:     log,
		keys:    keys,
		derived: map[string]crypto.Signer{},
		names:   map[string]string{},
	}
}

// Serve handles requests on conn until it is closed. Sign requests are handled
// concurrently, other requests in order of arrival.
func (s *Server) Serve(conn net.Conn) {
	defer func() {
		err := conn.Close()
		s.log.Check(err, "closing key proxy connection")
	}()

	var wmu sync.Mutex
	enc := json.NewEncoder(conn)
	write := func(resp response) {
		wmu.Lock()
		defer wmu.Unlock()
		err := enc.Encode(resp)
		s.log.Check(err, "writing key proxy response", slog.Uint64("id", resp.ID))
	}

	dec := json.NewDecoder(conn)
	for {
		var req request
		if err := dec.Decode(&req); err == io.EOF {
			s.log.Debug("key proxy connection closed")
			return
		} else if err != nil {
			s.log.Errorx("reading key proxy request", err)
			return
		}

		switch req.Op {
		case opDerive:
			write(s.derive(req))
		case opRegister:
			s.register(req)
		case opSign:
			go func() {
				defer func() {
					x := recover()
					if x != nil {
						s.log.Error("key proxy sign panic", slog.Any("panic", x))
						debug.PrintStack()
						metrics.PanicInc(metrics.Keyproxy)
					}
				}()
				write(s.sign(req))
			}()
		default:
			write(response{ID: req.ID, Error: fmt.Sprintf("unknown op %q", req.Op)})
		}
	}
}

func (s *Server) derive(req request) response {
	resp := response{ID: req.ID}
	cert, err := x509.ParseCertificate(req.Certificate)
	if err != nil {
		resp.Error = fmt.Sprintf("parsing certificate: %v", err)
		return resp
	}
	hash, pubDER, err := KeyHash(cert.PublicKey)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	for _, k := range s.keys {
		_, kpub, err := KeyHash(k.Public())
		if err != nil || !bytes.Equal(kpub, pubDER) {
			continue
		}
		s.Lock()
		s.derived[hash] = k
		s.Unlock()
		s.log.Debug("derived substitute key", slog.String("hash", hash), slog.String("subject", cert.Subject.String()))
		resp.Hash = hash
		resp.PublicKey = pubDER
		return resp
	}
	resp.Error = ErrNoKey.Error()
	return resp
}

func (s *Server) register(req request) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.derived[req.Hash]; !ok {
		s.log.Error("register for unknown hash", slog.String("hash", req.Hash), slog.String("name", req.Name))
		return
	}
	s.names[req.Hash] = req.Name
	s.log.Debug("registered hash", slog.String("hash", req.Hash), slog.String("name", req.Name))
}

func (s *Server) sign(req request) response {
	resp := response{ID: req.ID}
	s.Lock()
	k := s.derived[req.Hash]
	name, ok := s.names[req.Hash]
	s.Unlock()
	if !ok || k == nil {
		resp.Error = ErrUnknownHash.Error()
		return resp
	}

	var opts crypto.SignerOpts = req.HashFunc
	if req.PSS {
		opts = &rsa.PSSOptions{SaltLength: req.SaltLength, Hash: req.HashFunc}
	}
	sig, err := k.Sign(rand.Reader, req.Digest, opts)
	if err != nil {
		s.log.Errorx("signing", err, slog.String("name", name))
		resp.Error = fmt.Sprintf("signing: %v", err)
		return resp
	}
	resp.Signature = sig
	return resp
}
