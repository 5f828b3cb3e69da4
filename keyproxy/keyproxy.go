// Package keyproxy lets the unprivileged SMTP process use TLS certificates
// without holding their private keys.
//
// The privileged process runs a Server with the real private keys. The
// unprivileged process asks it, with a Client, for a substitute key for each
// certificate: a crypto.Signer that has the public key of the certificate and
// forwards signing operations to the server, identified by a hash of the
// public key. The client then registers the hash with the name of the PKI, and
// the server only signs for registered hashes.
//
// The protocol is JSON messages over a unix domain socket. Each request has an
// id, responses carry the id of their request. Register requests have no
// response.
//
//	> {"ID": 1, "Op": "derive", "Certificate": "<base64 DER>"}
//	< {"ID": 1, "Hash": "<hex sha256 of public key>", "PublicKey": "<base64 PKIX DER>"}
//	> {"ID": 2, "Op": "register", "Hash": "...", "Name": "mail.example.org"}
//	> {"ID": 3, "Op": "sign", "Hash": "...", "Digest": "...", "HashFunc": 5}
//	< {"ID": 3, "Signature": "..."}
package keyproxy

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/mlog"
)

var pkglog = mlog.New("keyproxy", nil)

var (
	ErrUnknownHash = errors.New("unknown key hash")
	ErrNoKey       = errors.New("no private key for certificate")
	ErrClosed      = errors.New("key proxy connection closed")
)

type op string

const (
	opDerive   op = "derive"
	opRegister op = "register"
	opSign     op = "sign"
)

type request struct {
	ID          uint64
	Op          op
	Certificate []byte      `json:",omitempty"` // For derive, leaf certificate DER.
	Hash        string      `json:",omitempty"` // For register and sign.
	Name        string      `json:",omitempty"` // For register.
	Digest      []byte      `json:",omitempty"` // For sign.
	HashFunc    crypto.Hash `json:",omitempty"` // For sign.
	PSS         bool        `json:",omitempty"` // For sign with RSA-PSS.
	SaltLength  int         `json:",omitempty"` // For sign with RSA-PSS.
}

type response struct {
	ID        uint64
	Error     string `json:",omitempty"`
	Hash      string `json:",omitempty"`
	PublicKey []byte `json:",omitempty"` // PKIX DER.
	Signature []byte `json:",omitempty"`
}

// KeyHash returns the content hash identifying a public key: hex-encoded
// sha256 of its PKIX DER encoding.
func KeyHash(pub crypto.PublicKey) (string, []byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", nil, fmt.Errorf("marshal public key: %w", err)
	}
	h := sha256.Sum256(der)
	return hex.EncodeToString(h[:]), der, nil
}

// Socketpair returns two connected unix stream sockets, one end for the
// server in the privileged process, the other for the client in the
// unprivileged process.
func Socketpair() (server, client *os.File, rerr error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "keyproxy-server"), os.NewFile(uintptr(fds[1]), "keyproxy-client"), nil
}
