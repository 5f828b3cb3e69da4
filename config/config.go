package config

import (
	"crypto"
	"crypto/x509"
)

// Backlog is the listen backlog for SMTP listeners.
const Backlog = 128

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is a parsed form of the smtpfront.conf configuration file, before
// converting it into a front.Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where runtime data is kept, e.g. the ctl unix domain socket. If this is a relative path, it is relative to the directory of smtpfront.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. smtpfront, admission, fdbudget, keyproxy, tlsctx, proxyproto)."`
	User             string            `sconf:"optional" sconf-doc:"User to switch to after binding to all sockets as root. Default: smtpfront. If the value is not a known user, it is parsed as integer and used as uid and gid."`
	Hostname         string            `sconf-doc:"Full hostname of system, e.g. mail.<domain>. Used as fallback when selecting a PKI for a TLS listener."`
	SMTPDisabled     bool              `sconf:"optional" sconf-doc:"If set, no SMTP connections are accepted and local submissions are refused. Listeners are still bound."`
	MetricsHTTP      string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. 127.0.0.1:8010. You should not enable this on a public IP."`
	TLS              struct {
		Ciphers       []string `sconf:"optional" sconf-doc:"Names of TLS cipher suites allowed for TLS 1.0-1.2 connections on all listeners, e.g. TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256. Default: the Go defaults."`
		DefaultCAFile string   `sconf:"optional" sconf-doc:"File with PEM CA certificates used to verify client certificates on TLS listeners that do not name a CA. Default: system roots."`

		DefaultCA *CA `sconf:"-" json:"-"`
	} `sconf:"optional" sconf-doc:"Global TLS configuration."`
	PKIs      map[string]PKI      `sconf:"optional" sconf-doc:"Certificate identities, keyed by name. TLS listeners select a PKI by explicit name, then by listener hostname, then by the global hostname, then the PKI named \"*\". Private keys are only read by the privileged process and never reach the unprivileged SMTP process."`
	CAs       map[string]CA       `sconf:"optional" sconf-doc:"Trust anchors for verifying client certificates, keyed by name."`
	Listeners map[string]Listener `sconf-doc:"Listeners for SMTP. Each IP (or the Path) gets its own listening socket."`

	// Normalized hostname, ASCII lower case.
	HostnameASCII string `sconf:"-" json:"-"`

	// To switch to after initialization as root.
	UID uint32 `sconf:"-" json:"-"`
	GID uint32 `sconf:"-" json:"-"`
}

// PKI is a named certificate identity. One PKI may back multiple listeners.
type PKI struct {
	CertFile string `sconf-doc:"Certificate including intermediate CA certificates, in PEM format."`
	KeyFile  string `sconf-doc:"Private key for certificate, in PEM format. PKCS8 is recommended, but PKCS1 and EC private keys are recognized as well. Only read by the privileged process."`

	Certificate [][]byte          `sconf:"-" json:"-"` // DER, leaf first.
	Leaf        *x509.Certificate `sconf:"-" json:"-"`

	// In the privileged process the real private key, in the unprivileged process
	// the substitute key from the key proxy until purged after provisioning.
	Key crypto.Signer `sconf:"-" json:"-"`

	// Hash of the public key, identifying the real key at the key proxy.
	Hash string `sconf:"-" json:"-"`
}

// CA is a named bundle of trust anchors.
type CA struct {
	CertFile string `sconf-doc:"CA certificates in PEM format."`

	PEM  []byte         `sconf:"-" json:"-"` // Raw file contents, nil for the system roots.
	Pool *x509.CertPool `sconf:"-" json:"-"`
}

// Listener is a bind point for SMTP connections, plain or TLS.
type Listener struct {
	IPs           []string     `sconf:"optional" sconf-doc:"IPs to listen on. Use 0.0.0.0 to listen on all IPv4 and/or :: to listen on all IPv6 addresses. Each IP gets its own socket. Exclusive with Path."`
	Port          int          `sconf:"optional" sconf-doc:"Default 25, or 465 for implicit TLS."`
	Path          string       `sconf:"optional" sconf-doc:"Path of a unix domain socket to listen on instead of IPs. Relative to the data directory."`
	Hostname      string       `sconf:"optional" sconf-doc:"Hostname of this listener, also used as hint for selecting a PKI. If empty, the global Hostname is used."`
	TLS           *ListenerTLS `sconf:"optional" sconf-doc:"If set, a TLS context is prepared for this listener, for STARTTLS or implicit TLS."`
	ProxyProtocol bool         `sconf:"optional" sconf-doc:"If set, connections must start with a PROXY protocol (v1 or v2) header, e.g. from haproxy. The remote address from the header is used as peer address."`

	HostnameASCII string `sconf:"-" json:"-"`
}

// ListenerTLS is the TLS configuration of a listener. Client verification can
// only be required on a TLS listener.
type ListenerTLS struct {
	PKI               string `sconf:"optional" sconf-doc:"Name of PKI to use. If empty, a PKI is selected by listener hostname, global hostname, or \"*\"."`
	CA                string `sconf:"optional" sconf-doc:"Name of CA for verifying client certificates. If empty, the default CA is used."`
	RequireClientCert bool   `sconf:"optional" sconf-doc:"Require a valid client certificate. Without this, client certificates are not requested at all."`
	Implicit          bool   `sconf:"optional" sconf-doc:"Connections start with TLS (SMTPS), instead of plain text with STARTTLS."`
}
