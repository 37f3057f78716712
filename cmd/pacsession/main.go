package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/pflag"

	"github.com/yolkispalkis/pacsession/pkg/config"
	"github.com/yolkispalkis/pacsession/pkg/kerb"
	"github.com/yolkispalkis/pacsession/pkg/logging"
	"github.com/yolkispalkis/pacsession/pkg/proxy"
	"github.com/yolkispalkis/pacsession/pkg/session"
	"github.com/yolkispalkis/pacsession/pkg/signals"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliFlags struct {
	configPath  string
	fetch       bool
	showVersion bool
	writeConfig string
	urls        []string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, string(debug.Stack()))
			os.Exit(2)
		}
	}()
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := pflag.NewFlagSet("pacsession", pflag.ContinueOnError)
	flags, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if flags.showVersion {
		fmt.Fprintf(stdout, "pacsession %s, commit %s, built at %s\n", version, commit, date)
		return 0
	}

	cfg, err := config.LoadConfig(flags.configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	closeLog := logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogPath, os.Stderr)
	defer closeLog()

	if flags.writeConfig != "" {
		if err := config.SaveConfig(cfg, flags.writeConfig); err != nil {
			slog.Error("Failed to write configuration", "error", err)
			return 1
		}
		return 0
	}
	if len(flags.urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pacsession [flags] URL...")
		fs.PrintDefaults()
		return 2
	}

	ctx, stop := signals.WithShutdown(context.Background())
	defer stop()

	sess, cleanup, err := newSession(cfg)
	if err != nil {
		slog.Error("Failed to set up session", "error", err)
		return 1
	}
	defer cleanup()

	source, err := sess.GetPAC(ctx)
	if err != nil {
		slog.Error("Failed to obtain PAC file", "error", err)
		return 1
	}
	if source == nil {
		fmt.Fprintln(stdout, "No PAC file in use; requests follow the proxy environment variables.")
	}

	status := 0
	for _, rawURL := range flags.urls {
		if ctx.Err() != nil {
			return 130
		}
		if err := report(ctx, stdout, sess, rawURL, flags.fetch); err != nil {
			fmt.Fprintf(stdout, "  error: %v\n", err)
			status = 1
		}
	}
	return status
}

func parseFlags(fs *pflag.FlagSet, args []string) (cliFlags, error) {
	var f cliFlags
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML configuration file")
	fs.BoolVar(&f.fetch, "fetch", false, "GET each URL through the failover session")
	fs.BoolVar(&f.showVersion, "version", false, "print version information and exit")
	fs.StringVar(&f.writeConfig, "write-config", "", "write the effective configuration to this file and exit")
	config.RegisterFlags(fs)
	fs.SortFlags = false

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	f.urls = fs.Args()
	return f, nil
}

func newSession(cfg *config.Config) (*session.Session, func(), error) {
	discovery, err := cfg.DiscoveryOptions()
	if err != nil {
		return nil, nil, err
	}

	opts := []session.Option{
		session.WithCredentials(cfg.Credentials()),
		session.WithSocksScheme(cfg.Proxy.SocksScheme),
		session.WithPACEnabled(cfg.PAC.Enabled),
		session.WithConnectTimeout(cfg.ConnectTimeout()),
		session.WithDiscovery(discovery),
	}

	var krb *kerb.KerberosClient
	if cfg.Proxy.Kerberos {
		krb = kerb.NewKerberosClient(cfg.Proxy.KerberosCCache)
		if st := krb.Status(); st.Initialized {
			slog.Info("Using Kerberos proxy authentication", "principal", st.Principal, "realm", st.Realm)
		} else {
			slog.Warn("Kerberos requested but no valid ticket found", "ccache", st.CCache)
		}
		opts = append(opts, session.WithKerberos(krb))
	}

	sess := session.New(opts...)
	cleanup := func() {
		sess.Close()
		if krb != nil {
			krb.Close()
		}
	}
	return sess, cleanup, nil
}

func report(ctx context.Context, w io.Writer, sess *session.Session, rawURL string, fetch bool) error {
	fmt.Fprintln(w, rawURL)

	if r := sess.Resolver(); r != nil {
		directives, err := r.Directives(rawURL)
		if err != nil {
			return fmt.Errorf("PAC evaluation failed: %w", err)
		}
		fmt.Fprintf(w, "  directives: %s\n", joinDirectives(directives))
		if d, ok, _ := r.NextUsable(rawURL); ok {
			fmt.Fprintf(w, "  use: %s\n", d.Redacted())
		} else {
			fmt.Fprintln(w, "  use: none available")
		}
	}

	if !fetch {
		return nil
	}
	resp, err := sess.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, resp.Body)
	fmt.Fprintf(w, "  fetched: %s (%d bytes)%s\n", resp.Status, n, via(sess, rawURL, resp))
	return nil
}

// via names the directive that served resp. Failed proxies are banned by
// then, so the next usable directive is the one that answered.
func via(sess *session.Session, rawURL string, resp *http.Response) string {
	r := sess.Resolver()
	if r == nil {
		return ""
	}
	if d, ok, err := r.NextUsable(resp.Request.URL.String()); err == nil && ok {
		return " via " + d.Redacted()
	}
	if d, ok, err := r.NextUsable(rawURL); err == nil && ok {
		return " via " + d.Redacted()
	}
	return ""
}

func joinDirectives(ds []proxy.Directive) string {
	if len(ds) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.Redacted()
	}
	return strings.Join(parts, "; ")
}
