package module

import (
	"crypto/ed25519"
	"os"
	"plugin"

	"github.com/freitascorp/meridian/internal/errs"
)

// Loader resolves a bundle path to a Factory. Bundles opened via the Go
// plugin package get parent-first symbol resolution for core engine
// types (they link against the same internal/* packages the host does)
// and child-first for the module's own symbols, which is simply how
// plugin.Open already behaves for a shared object. Where the target
// platform can't runtime-load .so files (Windows, statically linked
// deployments), bundlePath is instead looked up in a statically
// registered table populated at process start — no functional
// difference to the rest of the registry.
type Loader struct {
	static     map[string]Factory
	trustedKey ed25519.PublicKey
}

// NewLoader returns a Loader with an empty static table and no
// signature verification configured.
func NewLoader() *Loader {
	return &Loader{static: make(map[string]Factory)}
}

// RegisterStatic associates bundlePath with an in-process Factory,
// bypassing plugin.Open entirely. Used by the node binary's own
// built-in modules and by any deployment that links modules at compile
// time instead of loading .so bundles.
func (l *Loader) RegisterStatic(bundlePath string, f Factory) {
	l.static[bundlePath] = f
}

// SetTrustedKey configures bundle signature verification: every
// plugin.Open path (not the static table, which is already trusted
// in-process code) must carry a detached Ed25519 signature, at
// bundlePath+".sig", over the bundle file's raw bytes. Passing a nil
// key disables verification again.
func (l *Loader) SetTrustedKey(key ed25519.PublicKey) {
	l.trustedKey = key
}

// Load resolves bundlePath to a Factory, preferring the static table.
func (l *Loader) Load(bundlePath string) (Factory, error) {
	if f, ok := l.static[bundlePath]; ok {
		return f, nil
	}

	if l.trustedKey != nil {
		if err := verifyBundleSignature(l.trustedKey, bundlePath); err != nil {
			return nil, err
		}
	}

	p, err := plugin.Open(bundlePath)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "opening module bundle %q", bundlePath)
	}
	sym, err := p.Lookup(Symbol)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "bundle %q does not export %s", bundlePath, Symbol)
	}
	f, ok := sym.(Factory)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "bundle %q's %s does not implement module.Factory", bundlePath, Symbol)
	}
	return f, nil
}

// verifyBundleSignature rejects a bundle that has no detached
// signature at bundlePath+".sig", or whose signature doesn't verify
// against trustedKey over the bundle's exact bytes.
func verifyBundleSignature(trustedKey ed25519.PublicKey, bundlePath string) error {
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "reading module bundle %q", bundlePath)
	}
	sig, err := os.ReadFile(bundlePath + ".sig")
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "bundle %q has no detached signature", bundlePath)
	}
	if !ed25519.Verify(trustedKey, bundle, sig) {
		return errs.New(errs.InvalidArgument, "bundle %q failed signature verification", bundlePath)
	}
	return nil
}
