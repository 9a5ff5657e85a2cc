//go:build !unix

package security

import "errors"

func dropPrivileges(id *Identity) error {
	return errors.New("security: privilege drop is not supported on this platform")
}
