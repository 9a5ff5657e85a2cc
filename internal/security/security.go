// Package security handles the daemon's privilege drop.
//
// vtpmd starts with enough privilege to expose its device endpoint and,
// when a run-as user is configured, switches to that identity before
// serving requests.
package security

import (
	"fmt"
	"os/user"
	"strconv"
)

// Identity is a resolved drop-to user.
type Identity struct {
	Name   string
	UID    int
	GID    int
	Groups []int
}

// LookupUser resolves a user name into a drop identity, including the
// supplementary groups.
func LookupUser(name string) (*Identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("security: user %q does not exist: %w", name, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("security: bad uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("security: bad gid %q: %w", u.Gid, err)
	}

	id := &Identity{Name: name, UID: uid, GID: gid}

	groupIDs, err := u.GroupIds()
	if err != nil {
		// Supplementary groups are best effort; the primary group is
		// always applied.
		return id, nil
	}
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		id.Groups = append(id.Groups, n)
	}

	return id, nil
}

// Drop switches the process to the identity: supplementary groups
// first, then gid, then uid.
func (id *Identity) Drop() error {
	return dropPrivileges(id)
}
