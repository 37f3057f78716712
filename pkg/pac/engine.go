package pac

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robertkrimen/otto"
)

const (
	DefaultExecutionTimeout = 5 * time.Second
	DefaultDNSCacheTTL      = 5 * time.Minute

	dnsCacheSize     = 1024
	dnsLookupTimeout = 2 * time.Second

	entryPoint   = "FindProxyForURL"
	entryPointEx = "FindProxyForURLEx"
)

// ErrExecutionTimeout is returned when a PAC script runs longer than the
// configured execution timeout.
var ErrExecutionTimeout = errors.New("pac script execution timed out")

// MalformedError reports a PAC script that could not be loaded: it failed to
// compile, defines neither FindProxyForURL nor FindProxyForURLEx, or failed
// the probe call made at load time.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return "malformed PAC file"
	}
	return fmt.Sprintf("malformed PAC file: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// File is a loaded PAC script. Calls into the script are serialized because
// an otto VM is single-threaded. File implements proxy.DecisionSource.
type File struct {
	js string

	execTimeout time.Duration
	dnsTTL      time.Duration
	resolver    HostResolver
	now         func() time.Time
	hostname    func() (string, error)
	interfaces  func() ([]net.Addr, error)

	dnsCache *expirable.LRU[string, []string]

	mu     sync.Mutex
	vm     *otto.Otto
	entry  string
	broken bool // the VM was interrupted mid-call and must be reloaded
}

// NewFile loads js into a fresh VM with the PAC helper functions defined and
// checks it with a probe call. Any failure is returned as *MalformedError.
func NewFile(js string, opts ...Option) (*File, error) {
	f := &File{
		js:          js,
		execTimeout: DefaultExecutionTimeout,
		dnsTTL:      DefaultDNSCacheTTL,
		resolver:    net.DefaultResolver,
		now:         time.Now,
		hostname:    os.Hostname,
		interfaces:  net.InterfaceAddrs,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.dnsCache = expirable.NewLRU[string, []string](dnsCacheSize, nil, f.dnsTTL)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.load(); err != nil {
		return nil, &MalformedError{Err: err}
	}
	if _, err := f.call("/", "0.0.0.0"); err != nil {
		return nil, &MalformedError{Err: err}
	}
	slog.Debug("PAC file loaded", "entry_point", f.entry, "size", len(js))
	return f, nil
}

// Script returns the JavaScript source the File was loaded from.
func (f *File) Script() string {
	return f.js
}

// FindProxyForURL evaluates the script's decision function for url and host.
// Script errors are returned as produced by the VM.
func (f *File) FindProxyForURL(url, host string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.broken {
		if err := f.load(); err != nil {
			return "", fmt.Errorf("failed to reload PAC script: %w", err)
		}
	}
	result, err := f.call(url, host)
	if err != nil {
		return "", err
	}
	slog.Debug("PAC evaluation result", "url", url, "host", host, "result", result)
	return result, nil
}

// load builds a new VM, installs the helpers and runs the script body.
// Callers hold f.mu.
func (f *File) load() error {
	vm := otto.New()
	for name, fn := range f.helpers() {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set PAC helper %q: %w", name, err)
		}
	}
	f.vm = vm
	f.broken = false

	if _, err := f.run(func() (otto.Value, error) { return vm.Run(f.js) }); err != nil {
		return err
	}

	for _, name := range []string{entryPoint, entryPointEx} {
		v, err := vm.Get(name)
		if err == nil && v.IsFunction() {
			f.entry = name
			return nil
		}
	}
	return fmt.Errorf("script defines neither %s nor %s", entryPoint, entryPointEx)
}

// call invokes the entry point. Callers hold f.mu.
func (f *File) call(url, host string) (string, error) {
	fn, err := f.vm.Get(f.entry)
	if err != nil {
		return "", err
	}
	if !fn.IsFunction() {
		return "", fmt.Errorf("%s is not a function", f.entry)
	}

	value, err := f.run(func() (otto.Value, error) {
		return fn.Call(otto.NullValue(), url, host)
	})
	if err != nil {
		return "", err
	}
	if value.IsUndefined() || value.IsNull() {
		return "", nil
	}
	return value.ToString()
}

var errHalt = errors.New("halt")

// run executes fn with the VM's interrupt armed for the execution timeout.
func (f *File) run(fn func() (otto.Value, error)) (result otto.Value, err error) {
	if f.execTimeout <= 0 {
		return fn()
	}

	interrupt := make(chan func(), 1)
	f.vm.Interrupt = interrupt
	timer := time.AfterFunc(f.execTimeout, func() {
		interrupt <- func() { panic(errHalt) }
	})

	defer func() {
		timer.Stop()
		f.vm.Interrupt = nil
		if caught := recover(); caught != nil {
			if caught != errHalt {
				panic(caught)
			}
			f.broken = true
			slog.Warn("PAC script execution interrupted", "timeout", f.execTimeout)
			result, err = otto.UndefinedValue(), fmt.Errorf("%w after %s", ErrExecutionTimeout, f.execTimeout)
		}
	}()

	return fn()
}
