package front

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/net/idna"

	"github.com/mjl-/sconf"

	"github.com/mjl-/smtpfront/config"
	"github.com/mjl-/smtpfront/mlog"
)

var pkglog = mlog.New("front", nil)

// Config paths are set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// value that is used if no explicit log level is configured for a package.
// This change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

// LogLevelRemove removes a configured log level for a package.
func (c *Config) LogLevelRemove(log mlog.Log, pkg string) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	delete(l, pkg)
	c.Log = l
	log.Print("log level cleared", slog.String("pkg", pkg))
	mlog.SetConfig(c.Log)
}

// must be called with log lock held.
func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// MustLoadConfig loads the config, quitting on errors. Private keys are only
// loaded when loadKeys is set, i.e. in the privileged process.
func MustLoadConfig(loadKeys bool) {
	errs := LoadConfig(context.Background(), pkglog, loadKeys)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log, loadKeys bool) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false, loadKeys)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{c.Static, sync.Mutex{}, c.Log}
}

// ParseConfig parses the static config at path p. If checkOnly is true, the
// user is not resolved. If loadKeys is true, private keys of PKIs are read.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly, loadKeys bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("SMTPFRONTCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use smtpfront -config ... or set SMTPFRONTCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly, loadKeys); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// NormalizeHostname returns the lower case ASCII (IDNA) form of a hostname, as
// used for matching PKI names.
func NormalizeHostname(s string) (string, error) {
	if s == "*" {
		return s, nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(s, "."))
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// PrepareStaticConfig checks the static config and fills in the derived
// fields: log levels, uid/gid, normalized hostnames, certificates and CA pools,
// and private keys if loadKeys is set.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly, loadKeys bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.User == "" {
		c.User = "smtpfront"
	}
	if !checkOnly {
		u, err := user.Lookup(c.User)
		if err != nil {
			uid, err := strconv.ParseUint(c.User, 10, 32)
			if err != nil {
				addErrorf("parsing unknown user %s as uid: %v (hint: add user smtpfront with \"useradd -d $PWD smtpfront\")", c.User, err)
			} else {
				// We assume the same gid as uid.
				c.UID = uint32(uid)
				c.GID = uint32(uid)
			}
		} else {
			if uid, err := strconv.ParseUint(u.Uid, 10, 32); err != nil {
				addErrorf("parsing uid %s: %v", u.Uid, err)
			} else {
				c.UID = uint32(uid)
			}
			if gid, err := strconv.ParseUint(u.Gid, 10, 32); err != nil {
				addErrorf("parsing gid %s: %v", u.Gid, err)
			} else {
				c.GID = uint32(gid)
			}
		}
	}

	if c.Hostname == "" {
		addErrorf("missing hostname")
	} else if h, err := NormalizeHostname(c.Hostname); err != nil {
		addErrorf("parsing hostname %q: %v", c.Hostname, err)
	} else {
		c.HostnameASCII = h
	}

	// PKIs are keyed by normalized name, so listener hostnames match regardless of
	// case or unicode form.
	pkis := map[string]config.PKI{}
	for _, name := range sortedKeys(c.PKIs) {
		pki := c.PKIs[name]
		key, err := NormalizeHostname(name)
		if err != nil {
			// Not all PKI names are hostnames.
			key = name
		}
		if _, ok := pkis[key]; ok {
			addErrorf("pki %q: duplicate name after normalization", name)
			continue
		}
		chain, leaf, err := loadCertificateFile(configDirPath(configFile, pki.CertFile))
		if err != nil {
			addErrorf("pki %q: %v", name, err)
			continue
		}
		pki.Certificate = chain
		pki.Leaf = leaf
		if loadKeys {
			privKey, err := loadPrivateKeyFile(configDirPath(configFile, pki.KeyFile))
			if err != nil {
				addErrorf("pki %q: %v", name, err)
				continue
			}
			pki.Key = privKey
		}
		pkis[key] = pki
	}
	c.PKIs = pkis

	for _, name := range sortedKeys(c.CAs) {
		ca := c.CAs[name]
		if err := loadCA(configDirPath(configFile, ca.CertFile), &ca); err != nil {
			addErrorf("ca %q: %v", name, err)
			continue
		}
		c.CAs[name] = ca
	}
	var defca config.CA
	if c.TLS.DefaultCAFile != "" {
		if err := loadCA(configDirPath(configFile, c.TLS.DefaultCAFile), &defca); err != nil {
			addErrorf("default ca: %v", err)
		}
	} else if pool, err := x509.SystemCertPool(); err != nil {
		addErrorf("loading system certificate pool for default ca: %v", err)
	} else {
		defca.Pool = pool
	}
	c.TLS.DefaultCA = &defca

	if len(c.Listeners) == 0 {
		addErrorf("no listeners configured")
	}
	for _, name := range sortedKeys(c.Listeners) {
		l := c.Listeners[name]
		if name == "" || strings.ContainsAny(name, ",/ ") {
			addErrorf("listener %q: name must be non-empty and cannot contain comma, slash or space", name)
		}
		if (len(l.IPs) == 0) == (l.Path == "") {
			addErrorf("listener %q: exactly one of IPs and Path must be set", name)
		}
		if l.Path != "" && l.Port != 0 {
			addErrorf("listener %q: port cannot be set for unix domain socket", name)
		}
		if l.Path != "" {
			l.Path = dataDirPath(configFile, c.DataDir, l.Path)
		}
		if l.Hostname != "" {
			if h, err := NormalizeHostname(l.Hostname); err != nil {
				addErrorf("listener %q: parsing hostname %q: %v", name, l.Hostname, err)
			} else {
				l.HostnameASCII = h
			}
		}
		if l.TLS != nil {
			if l.TLS.PKI != "" {
				k := pkiKey(l.TLS.PKI)
				if _, ok := c.PKIs[k]; !ok {
					addErrorf("listener %q: unknown pki %q", name, l.TLS.PKI)
				}
				l.TLS.PKI = k
			}
			if l.TLS.CA != "" {
				if _, ok := c.CAs[l.TLS.CA]; !ok {
					addErrorf("listener %q: unknown ca %q", name, l.TLS.CA)
				}
			}
		}
		c.Listeners[name] = l
	}

	return
}

func pkiKey(name string) string {
	if key, err := NormalizeHostname(name); err == nil {
		return key
	}
	return name
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}

func loadCertificateFile(p string) (chain [][]byte, leaf *x509.Certificate, rerr error) {
	buf, err := os.ReadFile(p)
	if err != nil {
		return nil, nil, fmt.Errorf("reading certificate: %v", err)
	}
	for {
		var b *pem.Block
		b, buf = pem.Decode(buf)
		if b == nil {
			break
		}
		if b.Type != "CERTIFICATE" {
			continue
		}
		chain = append(chain, b.Bytes)
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("no certificate in pem file %s", p)
	}
	leaf, err = x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing leaf certificate: %v", err)
	}
	return chain, leaf, nil
}

func loadPrivateKeyFile(keyPath string) (crypto.Signer, error) {
	keyBuf, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %v", err)
	}
	b, _ := pem.Decode(keyBuf)
	if b == nil {
		return nil, fmt.Errorf("no pem block for private key in %s", keyPath)
	}
	var privKey any
	switch b.Type {
	case "PRIVATE KEY":
		privKey, err = x509.ParsePKCS8PrivateKey(b.Bytes)
	case "RSA PRIVATE KEY":
		privKey, err = x509.ParsePKCS1PrivateKey(b.Bytes)
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(b.Bytes)
	default:
		err = fmt.Errorf("unknown pem type %q", b.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	if k, ok := privKey.(crypto.Signer); ok {
		return k, nil
	}
	return nil, fmt.Errorf("parsed private key not a crypto.Signer, but %T", privKey)
}

func loadCA(p string, ca *config.CA) error {
	buf, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading ca certificates: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(buf) {
		return fmt.Errorf("no ca certificates in %s", p)
	}
	ca.PEM = buf
	ca.Pool = pool
	return nil
}
