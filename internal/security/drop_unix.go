//go:build unix

package security

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// dropPrivileges applies the identity on Unix. Order matters: group
// membership must change while we still own the privilege to change it.
func dropPrivileges(id *Identity) error {
	groups := id.Groups
	if len(groups) == 0 {
		groups = []int{id.GID}
	}
	if err := unix.Setgroups(groups); err != nil {
		return fmt.Errorf("security: setgroups: %w", err)
	}
	if err := unix.Setgid(id.GID); err != nil {
		return fmt.Errorf("security: setgid(%d): %w", id.GID, err)
	}
	if err := unix.Setuid(id.UID); err != nil {
		return fmt.Errorf("security: setuid(%d): %w", id.UID, err)
	}
	return nil
}
