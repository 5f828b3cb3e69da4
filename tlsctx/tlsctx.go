// Package tlsctx builds the TLS configuration of each TLS listener at startup.
//
// Private keys never enter the unprivileged process: for each PKI, the key
// proxy derives a substitute key that forwards signing to the privileged
// process. After all contexts are built, the substitute keys are purged from
// the configuration, the contexts keep their own reference.
package tlsctx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/mjl-/smtpfront/config"
	"github.com/mjl-/smtpfront/keyproxy"
	"github.com/mjl-/smtpfront/mlog"
)

var (
	ErrNoPKI         = errors.New("no pki for tls listener")
	ErrUnknownCA     = errors.New("unknown ca")
	ErrUnknownCipher = errors.New("unknown cipher suite")
)

// Wildcard is the name of the PKI used when no other PKI matches a listener.
const Wildcard = "*"

// Context is the immutable TLS configuration for a listener.
type Context struct {
	Listener string
	PKI      string // Name of selected PKI.
	CA       string // Name of selected CA, empty for the default CA.
	Config   *tls.Config
}

// Provision derives substitute keys for all PKIs in static through the key
// proxy client, then builds a Context for each listener with TLS. Any failure
// is fatal to startup, a TLS listener never silently becomes a plain listener.
//
// On success, the keys are purged from static.PKIs.
func Provision(ctx context.Context, log mlog.Log, static *config.Static, client *keyproxy.Client) (map[string]*Context, error) {
	for _, name := range sortedKeys(static.PKIs) {
		pki := static.PKIs[name]
		if len(pki.Certificate) == 0 {
			return nil, fmt.Errorf("pki %q: no certificate", name)
		}
		hash, signer, err := client.Derive(ctx, pki.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("pki %q: %w", name, err)
		}
		if err := client.Register(hash, name); err != nil {
			return nil, fmt.Errorf("pki %q: register hash: %w", name, err)
		}
		pki.Key = signer
		pki.Hash = hash
		static.PKIs[name] = pki
		log.Debug("substitute key for pki", slog.String("pki", name), slog.String("hash", hash))
	}

	ciphers, err := CipherSuites(static.TLS.Ciphers)
	if err != nil {
		return nil, err
	}

	contexts := map[string]*Context{}
	for _, name := range sortedKeys(static.Listeners) {
		l := static.Listeners[name]
		if l.TLS == nil {
			continue
		}
		c, err := newContext(static, name, l, ciphers)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", name, err)
		}
		log.Info("tls context",
			slog.String("listener", name),
			slog.String("pki", c.PKI),
			slog.String("ca", c.CA),
			slog.Bool("requireclientcert", l.TLS.RequireClientCert))
		contexts[name] = c
	}

	PurgeKeys(static)
	return contexts, nil
}

func newContext(static *config.Static, name string, l config.Listener, ciphers []uint16) (*Context, error) {
	pkiName, err := SelectPKI(static, l)
	if err != nil {
		return nil, err
	}
	pki := static.PKIs[pkiName]
	if pki.Key == nil {
		return nil, fmt.Errorf("pki %q has no substitute key", pkiName)
	}

	ca := static.TLS.DefaultCA
	caName := l.TLS.CA
	if caName != "" {
		xca, ok := static.CAs[caName]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownCA, caName)
		}
		ca = &xca
	}

	cert := tls.Certificate{
		Certificate: pki.Certificate,
		PrivateKey:  pki.Key,
		Leaf:        pki.Leaf,
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		CipherSuites: ciphers,
		MinVersion:   tls.VersionTLS12,
	}
	if ca != nil {
		tlsConfig.ClientCAs = ca.Pool
	}
	// Client certificates are either required and verified, or not requested.
	// There is no optional verification.
	if l.TLS.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.NoClientCert
	}

	return &Context{name, pkiName, caName, tlsConfig}, nil
}

// SelectPKI returns the name of the PKI for a TLS listener: the explicit name
// in the listener config, else the PKI matching the listener hostname, else
// the PKI matching the process hostname, else the wildcard PKI.
func SelectPKI(static *config.Static, l config.Listener) (string, error) {
	if l.TLS != nil && l.TLS.PKI != "" {
		if _, ok := static.PKIs[l.TLS.PKI]; !ok {
			return "", fmt.Errorf("%w: explicit pki %q not found", ErrNoPKI, l.TLS.PKI)
		}
		return l.TLS.PKI, nil
	}
	for _, name := range []string{l.HostnameASCII, static.HostnameASCII, Wildcard} {
		if name == "" {
			continue
		}
		if _, ok := static.PKIs[name]; ok {
			return name, nil
		}
	}
	hostname := l.HostnameASCII
	if hostname == "" {
		hostname = static.HostnameASCII
	}
	return "", fmt.Errorf("%w: no pki for hostname %q and no wildcard pki", ErrNoPKI, hostname)
}

// CipherSuites returns the ids for the named cipher suites. Only suites
// considered secure by crypto/tls are allowed. An empty list returns nil, for
// the Go defaults.
func CipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := map[string]uint16{}
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	var ids []uint16
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownCipher, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PurgeKeys removes the keys from the PKIs.
func PurgeKeys(static *config.Static) {
	for name, pki := range static.PKIs {
		pki.Key = nil
		static.PKIs[name] = pki
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}
