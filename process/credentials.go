package process

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// originalUser gets the user who invoked sudo
func originalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// SudoCredential returns the credentials of the user who invoked sudo, so a
// spawned command does not inherit root. It returns nil when not running
// under sudo.
func SudoCredential() (*syscall.Credential, error) {
	if os.Getenv("SUDO_USER") == "" || os.Geteuid() != 0 {
		return nil, nil
	}
	u, err := originalUser()
	if err != nil {
		return nil, fmt.Errorf("could not get original user: %w", err)
	}
	return credential(u)
}

func credential(u *user.User) (*syscall.Credential, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid: %w", err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid gid: %w", err)
	}

	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	if groups, err := u.GroupIds(); err == nil {
		for _, g := range groups {
			if id, err := strconv.ParseUint(g, 10, 32); err == nil {
				cred.Groups = append(cred.Groups, uint32(id))
			}
		}
	}
	return cred, nil
}
