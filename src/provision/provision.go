// Package provision implements the provisioning gate of spec.md §4.7: only
// enclaves launched with a handle to the registered provisioning device
// node may request provisioning-key derivation. Grounded on
// legacy/defs/device.go's device-node/capability framing (D_PROF,
// Mkdev/Unmkdev identify a capability by a fixed (major, minor) pair); this
// package generalizes that to validating an arbitrary open file descriptor
// against the registered node's (device, inode) pair via
// golang.org/x/sys/unix.Fstat, rather than trusting a caller-supplied
// boolean — a forged claim of "I have the provisioning handle" is exactly
// the attack this gate exists to stop.
package provision

import (
	"fmt"

	"golang.org/x/sys/unix"

	"defs"
)

/// Attr_t holds enclave attribute bits, of which AttrProvisionKey is the
/// one bit this gate ever sets.
type Attr_t uint64

/// AttrProvisionKey is the privileged attribute spec.md §4.7 lets a
/// holder of the registered provisioning handle OR into an enclave's
/// attribute word, granting it provisioning-key derivation.
const AttrProvisionKey Attr_t = 1 << 0

/// Gate_t holds the (device, inode) identity of the registered
/// provisioning device node.
type Gate_t struct {
	registered bool
	dev, ino   uint64
}

/// Register records path's (device, inode) pair as the provisioning device
/// node. Must be called once at device init before any Validate call.
func (g *Gate_t) Register(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("provision: stat %q: %w", path, err)
	}
	g.dev = uint64(st.Dev)
	g.ino = st.Ino
	g.registered = true
	return nil
}

/// Validate reports whether fd's backing file is the registered
/// provisioning device node, by comparing (device, inode) rather than a
/// path string (paths can be bind-mounted, symlinked or raced; the
/// (device, inode) pair identifies the underlying file itself). Returns
/// EHWFAIL if no node has been registered yet.
func (g *Gate_t) Validate(fd int) (bool, defs.Err_t) {
	if !g.registered {
		return false, defs.EHWFAIL
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false, defs.EHWFAIL
	}
	return uint64(st.Dev) == g.dev && st.Ino == g.ino, 0
}

/// Authorize is the gate's sole API (spec.md §4.7): it validates handle
/// against the registered provisioning device node and, if it matches,
/// ORs AttrProvisionKey into *attrs. Returns the same (ok, err) pair as
/// Validate; attrs is left untouched on a false or failed result.
func (g *Gate_t) Authorize(handle int, attrs *Attr_t) (bool, defs.Err_t) {
	ok, err := g.Validate(handle)
	if !err.Ok() || !ok {
		return ok, err
	}
	*attrs |= AttrProvisionKey
	return true, 0
}
