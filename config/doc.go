/*
Package config holds the configuration file definitions.

smtpfront uses a single configuration file, smtpfront.conf. It is read at
startup, both by the privileged process that binds the listening sockets and
holds the private keys, and by the unprivileged process that accepts
connections. After changes, smtpfront must be restarted.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details. Run "smtpfront config
describe" for an empty config file with all fields documented.

# Example

	DataDir: ../data
	LogLevel: info
	Hostname: mail.example.org
	PKIs:
		mail.example.org:
			CertFile: mail.example.org-chain.pem
			KeyFile: mail.example.org-key.pem
	CAs:
		clients:
			CertFile: clients-ca.pem
	Listeners:
		public:
			IPs:
				- 0.0.0.0
				- ::
			TLS:
		submissions:
			IPs:
				- 0.0.0.0
			Port: 465
			TLS:
				Implicit: true
				CA: clients
				RequireClientCert: true
		haproxy:
			IPs:
				- 127.0.0.1
			Port: 10025
			ProxyProtocol: true
		local:
			Path: smtp.sock
*/
package config
