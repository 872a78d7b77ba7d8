//go:build !amd64 && !386

package firmware

// Native is unavailable outside x86/x86_64: spec's Non-goals explicitly
// exclude non-x86 architectures, so there is no EFI_BOOT_SERVICES calling
// convention to target here.
type Native struct{}

// NewNative panics on unsupported architectures; the dev harness
// (cmd/towboot) never constructs a Native outside amd64/386 builds.
func NewNative(uintptr, uintptr) *Native {
	panic("firmware: Native is not implemented for this architecture")
}
