package tlsctx

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/smtpfront/config"
	"github.com/mjl-/smtpfront/keyproxy"
	"github.com/mjl-/smtpfront/mlog"
)

var pkglog = mlog.New("tlsctx", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

// fakePKI returns a pki with a self-signed certificate for hostname, and its
// private key.
func fakePKI(t *testing.T, hostname string) (config.PKI, crypto.Signer) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tcheck(t, err, "generate key")
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	tcheck(t, err, "create certificate")
	leaf, err := x509.ParseCertificate(der)
	tcheck(t, err, "parse certificate")
	return config.PKI{Certificate: [][]byte{der}, Leaf: leaf}, key
}

type testEnv struct {
	static *config.Static
	keys   []crypto.Signer
}

func newEnv(t *testing.T, pkiNames ...string) *testEnv {
	defca := &config.CA{Pool: x509.NewCertPool()}
	static := &config.Static{
		Hostname:      "host.example.org",
		HostnameASCII: "host.example.org",
		PKIs:          map[string]config.PKI{},
		CAs:           map[string]config.CA{},
		Listeners:     map[string]config.Listener{},
	}
	static.TLS.DefaultCA = defca
	env := &testEnv{static: static}
	for _, name := range pkiNames {
		pki, key := fakePKI(t, name)
		static.PKIs[name] = pki
		env.keys = append(env.keys, key)
	}
	return env
}

// client starts an in-process key proxy server with the keys of the env.
func (env *testEnv) client(t *testing.T) *keyproxy.Client {
	sconn, cconn := net.Pipe()
	go keyproxy.NewServer(pkglog, env.keys).Serve(sconn)
	c := keyproxy.NewClient(cconn)
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

func TestProvision(t *testing.T) {
	env := newEnv(t, "mail.example.org", "other.example.org", "host.example.org", "*")
	st := env.static
	st.CAs["clients"] = config.CA{Pool: x509.NewCertPool()}
	st.Listeners["explicit"] = config.Listener{IPs: []string{"127.0.0.1"}, TLS: &config.ListenerTLS{PKI: "other.example.org"}}
	st.Listeners["hint"] = config.Listener{IPs: []string{"127.0.0.1"}, HostnameASCII: "mail.example.org", TLS: &config.ListenerTLS{CA: "clients", RequireClientCert: true}}
	st.Listeners["global"] = config.Listener{IPs: []string{"127.0.0.1"}, HostnameASCII: "unknown.example.org", TLS: &config.ListenerTLS{}}
	st.Listeners["plain"] = config.Listener{IPs: []string{"127.0.0.1"}}
	st.TLS.Ciphers = []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"}

	contexts, err := Provision(context.Background(), pkglog, st, env.client(t))
	tcheck(t, err, "provision")

	tcompare(t, len(contexts), 3)
	if _, ok := contexts["plain"]; ok {
		t.Fatalf("tls context for plain listener")
	}

	c := contexts["explicit"]
	tcompare(t, c.PKI, "other.example.org")
	tcompare(t, c.CA, "")
	tcompare(t, c.Config.ClientAuth, tls.NoClientCert)
	if c.Config.ClientCAs != st.TLS.DefaultCA.Pool {
		t.Fatalf("explicit listener does not use default ca")
	}
	tcompare(t, c.Config.CipherSuites, []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256})
	tcompare(t, c.Config.MinVersion, uint16(tls.VersionTLS12))

	c = contexts["hint"]
	tcompare(t, c.PKI, "mail.example.org")
	tcompare(t, c.CA, "clients")
	tcompare(t, c.Config.ClientAuth, tls.RequireAndVerifyClientCert)
	if c.Config.ClientCAs != st.CAs["clients"].Pool {
		t.Fatalf("hint listener does not use configured ca")
	}

	c = contexts["global"]
	tcompare(t, c.PKI, "host.example.org")

	// Keys are purged from the config, but still in the contexts. Hashes remain.
	for name, pki := range st.PKIs {
		if pki.Key != nil {
			t.Fatalf("pki %q: key not purged", name)
		}
		if pki.Hash == "" {
			t.Fatalf("pki %q: missing hash", name)
		}
	}
	if contexts["hint"].Config.Certificates[0].PrivateKey == nil {
		t.Fatalf("context lost its key")
	}
}

func TestWildcard(t *testing.T) {
	env := newEnv(t, "*")
	env.static.Listeners["l"] = config.Listener{IPs: []string{"127.0.0.1"}, HostnameASCII: "mail.example.org", TLS: &config.ListenerTLS{}}
	contexts, err := Provision(context.Background(), pkglog, env.static, env.client(t))
	tcheck(t, err, "provision")
	tcompare(t, contexts["l"].PKI, "*")
}

func TestNoPKI(t *testing.T) {
	// Explicitly named identity without matching pki and without wildcard.
	env := newEnv(t, "other.example.org")
	env.static.Listeners["l"] = config.Listener{IPs: []string{"127.0.0.1"}, TLS: &config.ListenerTLS{PKI: "mail.example.com"}}
	_, err := Provision(context.Background(), pkglog, env.static, env.client(t))
	if !errors.Is(err, ErrNoPKI) {
		t.Fatalf("got err %v, expected %v", err, ErrNoPKI)
	}

	// Through hostname.
	env = newEnv(t, "other.example.org")
	env.static.Listeners["l"] = config.Listener{IPs: []string{"127.0.0.1"}, HostnameASCII: "mail.example.com", TLS: &config.ListenerTLS{}}
	_, err = Provision(context.Background(), pkglog, env.static, env.client(t))
	if !errors.Is(err, ErrNoPKI) {
		t.Fatalf("got err %v, expected %v", err, ErrNoPKI)
	}
}

func TestErrors(t *testing.T) {
	env := newEnv(t, "host.example.org")
	env.static.Listeners["l"] = config.Listener{IPs: []string{"127.0.0.1"}, TLS: &config.ListenerTLS{CA: "missing"}}
	_, err := Provision(context.Background(), pkglog, env.static, env.client(t))
	if !errors.Is(err, ErrUnknownCA) {
		t.Fatalf("got err %v, expected %v", err, ErrUnknownCA)
	}

	env = newEnv(t, "host.example.org")
	env.static.Listeners["l"] = config.Listener{IPs: []string{"127.0.0.1"}, TLS: &config.ListenerTLS{}}
	env.static.TLS.Ciphers = []string{"TLS_BOGUS"}
	_, err = Provision(context.Background(), pkglog, env.static, env.client(t))
	if !errors.Is(err, ErrUnknownCipher) {
		t.Fatalf("got err %v, expected %v", err, ErrUnknownCipher)
	}

	// Key proxy without the private key for the certificate.
	env = newEnv(t, "host.example.org")
	env.keys = nil
	_, err = Provision(context.Background(), pkglog, env.static, env.client(t))
	if !errors.Is(err, keyproxy.ErrNoKey) {
		t.Fatalf("got err %v, expected %v", err, keyproxy.ErrNoKey)
	}
}

// TestHandshake does a TLS handshake with a provisioned context. The server
// signature is made by the key proxy.
func TestHandshake(t *testing.T) {
	env := newEnv(t, "host.example.org")
	env.static.Listeners["l"] = config.Listener{IPs: []string{"127.0.0.1"}, TLS: &config.ListenerTLS{}}
	contexts, err := Provision(context.Background(), pkglog, env.static, env.client(t))
	tcheck(t, err, "provision")

	sconn, cconn := net.Pipe()
	defer sconn.Close()
	defer cconn.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- tls.Server(sconn, contexts["l"].Config).Handshake()
	}()

	pool := x509.NewCertPool()
	pool.AddCert(env.static.PKIs["host.example.org"].Leaf)
	client := tls.Client(cconn, &tls.Config{ServerName: "host.example.org", RootCAs: pool})
	err = client.Handshake()
	tcheck(t, err, "client handshake")
	tcheck(t, <-serverErr, "server handshake")
}

func TestCipherSuites(t *testing.T) {
	ids, err := CipherSuites(nil)
	tcheck(t, err, "no ciphers")
	tcompare(t, ids == nil, true)

	ids, err = CipherSuites([]string{"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"})
	tcheck(t, err, "ciphers")
	tcompare(t, ids, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256})

	// Insecure suites are not accepted.
	_, err = CipherSuites([]string{"TLS_RSA_WITH_RC4_128_SHA"})
	if !errors.Is(err, ErrUnknownCipher) {
		t.Fatalf("got err %v, expected %v", err, ErrUnknownCipher)
	}
}
