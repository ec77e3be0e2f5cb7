//go:build !linux && !darwin

package credentials

// SystemVault reports that no OS keyring is supported on this platform.
func SystemVault() (Vault, string) {
	return nil, "Unsupported"
}
