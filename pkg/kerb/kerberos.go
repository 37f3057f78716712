package kerb

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	gokrb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// ErrNoTicket is returned by NegotiateHeader when the credential cache holds
// no valid ticket.
var ErrNoTicket = errors.New("no valid Kerberos ticket in credential cache")

// refreshMargin is how close to expiry a ticket may get before the ccache is
// reloaded.
const refreshMargin = 5 * time.Minute

// KerberosClient produces SPNEGO proxy credentials from the user's
// credential cache. The cache is reloaded lazily when the ticket nears expiry.
type KerberosClient struct {
	mu           sync.Mutex
	client       *gokrb5client.Client
	ticketExpiry time.Time
	ccacheName   string
	explicit     bool
	now          func() time.Time
}

// Status is a snapshot of the client state for display.
type Status struct {
	Initialized bool
	Principal   string
	Realm       string
	Expiry      time.Time
	CCache      string
}

// NewKerberosClient loads credentials from ccacheName, or from KRB5CCNAME and
// the platform default locations when ccacheName is empty. A missing or
// expired cache is not an error; NegotiateHeader retries the load later.
func NewKerberosClient(ccacheName string) *KerberosClient {
	k := &KerberosClient{
		ccacheName: ccacheName,
		explicit:   ccacheName != "",
		now:        time.Now,
	}
	if err := k.reload(); err != nil {
		slog.Warn("Initial Kerberos credential load failed", "ccache", k.ccacheName, "error", err)
	}
	return k
}

// reload replaces the gokrb5 client with one built from the ccache.
func (k *KerberosClient) reload() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.client != nil {
		k.client.Destroy()
		k.client = nil
	}
	k.ticketExpiry = time.Time{}
	if !k.explicit {
		k.ccacheName = determineEffectiveCacheName()
	}
	path := strings.TrimPrefix(k.ccacheName, "FILE:")

	cc, err := credentials.LoadCCache(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Credential cache not found", "path", path)
			return nil
		}
		return fmt.Errorf("failed to load ccache '%s': %w", k.ccacheName, err)
	}

	cl, err := gokrb5client.NewFromCCache(cc, krb5Config(), gokrb5client.DisablePAFXFAST(true))
	if err != nil {
		return fmt.Errorf("failed to create client from ccache '%s': %w", k.ccacheName, err)
	}
	if cl.Credentials == nil || cl.Credentials.Expired() {
		slog.Warn("Credential cache holds no valid ticket", "ccache", k.ccacheName)
		cl.Destroy()
		return nil
	}

	k.client = cl
	k.ticketExpiry = cl.Credentials.ValidUntil()
	slog.Info("Kerberos credentials loaded",
		"principal", strings.Join(cl.Credentials.CName().NameString, "/"),
		"realm", cl.Credentials.Realm(),
		"tgt_expiry", k.ticketExpiry.Format(time.RFC3339))
	return nil
}

// krb5Config loads the system krb5.conf, falling back to an empty config so
// a ccache can still be used on hosts without one.
func krb5Config() *krb5config.Config {
	path := getDefaultKrb5ConfPath()
	if path != "" {
		cfg, err := krb5config.Load(path)
		if err == nil {
			return cfg
		}
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to load krb5.conf, using built-in defaults", "path", path, "error", err)
		}
	}
	return krb5config.New()
}

func (k *KerberosClient) validLocked() bool {
	return k.client != nil && !k.ticketExpiry.IsZero() && k.now().Before(k.ticketExpiry)
}

// IsInitialized reports whether a non-expired ticket is loaded.
func (k *KerberosClient) IsInitialized() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.validLocked()
}

// CheckAndRefreshClient reloads the ccache if no ticket is loaded or the
// ticket expires within refreshMargin.
func (k *KerberosClient) CheckAndRefreshClient() error {
	k.mu.Lock()
	needsRefresh := k.client == nil || k.ticketExpiry.IsZero() || k.now().Add(refreshMargin).After(k.ticketExpiry)
	k.mu.Unlock()

	if !needsRefresh {
		return nil
	}
	slog.Debug("Reloading Kerberos credential cache")
	if err := k.reload(); err != nil {
		return fmt.Errorf("ccache reload failed: %w", err)
	}
	return nil
}

// NegotiateHeader returns a "Negotiate <token>" value for a
// Proxy-Authorization header addressed to spn, e.g. "HTTP/proxy.corp".
func (k *KerberosClient) NegotiateHeader(spn string) (string, error) {
	if err := k.CheckAndRefreshClient(); err != nil {
		return "", err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.validLocked() {
		return "", ErrNoTicket
	}

	s := spnego.SPNEGOClient(k.client, spn)
	if err := s.AcquireCred(); err != nil {
		return "", fmt.Errorf("could not acquire service ticket for %s: %w", spn, err)
	}
	token, err := s.InitSecContext()
	if err != nil {
		return "", fmt.Errorf("could not initialize SPNEGO context for %s: %w", spn, err)
	}
	raw, err := token.Marshal()
	if err != nil {
		return "", fmt.Errorf("could not marshal SPNEGO token: %w", err)
	}
	return "Negotiate " + base64.StdEncoding.EncodeToString(raw), nil
}

// Status returns the current ticket state.
func (k *KerberosClient) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := Status{
		Initialized: k.validLocked(),
		CCache:      k.ccacheName,
		Expiry:      k.ticketExpiry,
	}
	if k.client != nil && k.client.Credentials != nil {
		st.Principal = strings.Join(k.client.Credentials.CName().NameString, "/")
		st.Realm = k.client.Credentials.Realm()
	}
	return st
}

// Close releases the loaded ticket.
func (k *KerberosClient) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.client != nil {
		k.client.Destroy()
		k.client = nil
	}
	k.ticketExpiry = time.Time{}
}

// determineEffectiveCacheName picks the ccache from KRB5CCNAME, then the
// usual per-user locations.
func determineEffectiveCacheName() string {
	uid := strconv.Itoa(os.Getuid())
	cachePath := os.Getenv("KRB5CCNAME")

	if cachePath == "" {
		candidates := []string{
			"/tmp/krb5cc_" + uid,
			"/var/run/user/" + uid + "/krb5cc",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				cachePath = c
				break
			}
		}
		if cachePath == "" {
			cachePath = candidates[0]
		}
	}

	cachePath = strings.ReplaceAll(cachePath, "%{uid}", uid)
	cachePath = strings.ReplaceAll(cachePath, "%{USERID}", uid)

	upper := strings.ToUpper(cachePath)
	for _, prefix := range []string{"FILE:", "DIR:", "API:", "KEYRING:", "KCM:", "MSLSA:"} {
		if strings.HasPrefix(upper, prefix) {
			return cachePath
		}
	}
	return "FILE:" + cachePath
}

func getDefaultKrb5ConfPath() string {
	if path := os.Getenv("KRB5_CONFIG"); path != "" {
		return path
	}
	if runtime.GOOS != "windows" {
		return "/etc/krb5.conf"
	}
	if programData := os.Getenv("PROGRAMDATA"); programData != "" {
		for _, path := range []string{
			programData + `\Kerberos\krb5.conf`,
			programData + `\Kerberos\krb5.ini`,
			programData + `\MIT\Kerberos\krb5.ini`,
		} {
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
