//go:build !linux

package updater

func exchangeDirs(a, b string) error {
	return errExchangeUnsupported
}
