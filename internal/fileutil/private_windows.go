//go:build windows

package fileutil

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/windows"
)

// restrictToCurrentUser replaces the DACL on path with a single entry
// granting GENERIC_ALL to the current user, blocking inherited entries.
// Directories pass the entry on to new children.
func restrictToCurrentUser(path string) error {
	token := windows.GetCurrentProcessToken()

	user, err := token.GetTokenUser()
	if err != nil {
		return fmt.Errorf("fileutil: get current user SID for %s: %w", path, err)
	}

	trustee := windows.TrusteeValueFromSID(user.User.Sid)

	var inherit uint32 = windows.NO_INHERITANCE
	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() {
		inherit = windows.CONTAINER_INHERIT_ACE | windows.OBJECT_INHERIT_ACE
	}

	ea := []windows.EXPLICIT_ACCESS{
		{
			AccessPermissions: windows.GENERIC_ALL,
			AccessMode:        windows.SET_ACCESS,
			Inheritance:       inherit,
			Trustee: windows.TRUSTEE{
				TrusteeForm:  windows.TRUSTEE_IS_SID,
				TrusteeType:  windows.TRUSTEE_IS_USER,
				TrusteeValue: trustee,
			},
		},
	}

	acl, err := windows.ACLFromEntries(ea, nil)
	if err != nil {
		return fmt.Errorf("fileutil: build ACL for %s: %w", path, err)
	}

	secInfo := windows.DACL_SECURITY_INFORMATION | windows.PROTECTED_DACL_SECURITY_INFORMATION
	err = windows.SetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.SECURITY_INFORMATION(secInfo),
		nil, // owner SID (unchanged)
		nil, // group SID (unchanged)
		acl, // DACL
		nil, // SACL (unchanged)
	)
	if err != nil {
		return fmt.Errorf("fileutil: set DACL on %s: %w", path, err)
	}
	return nil
}

// restrict applies the owner-only DACL. Failure is logged, not returned:
// the file already carries an owner-only mode.
func restrict(path string) {
	if err := restrictToCurrentUser(path); err != nil {
		slog.Warn("fileutil: best-effort DACL failed", "path", path, "err", err)
	}
}
