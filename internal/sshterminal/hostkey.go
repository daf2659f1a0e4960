package sshterminal

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// HostKeyMismatchError is returned by Dial when a target presents a host key
// other than the pinned one.
type HostKeyMismatchError struct {
	Addr     string
	Expected string
	Actual   string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: expected %s, got %s", e.Addr, e.Expected, e.Actual)
}

// Fingerprint is the SHA256 fingerprint of a public key in authorized_keys
// format, e.g. "SHA256:n4Hq...".
func Fingerprint(authorizedKey []byte) (string, error) {
	if len(authorizedKey) == 0 {
		return "", fmt.Errorf("fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return "", fmt.Errorf("fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// ValidateFingerprint checks that fp looks like an OpenSSH SHA256 fingerprint.
// Empty is valid and means no pin.
func ValidateFingerprint(fp string) error {
	if fp == "" {
		return nil
	}
	rest, ok := strings.CutPrefix(fp, "SHA256:")
	// 32 bytes in unpadded base64.
	if !ok || len(rest) != 43 {
		return fmt.Errorf("invalid host key fingerprint %q: expected SHA256:<43 base64 chars>", fp)
	}
	return nil
}

// hostKeyCallback pins the host key to t.HostKeyFingerprint. With no pin any
// key is accepted. t.OnHostKey, when set, sees every accepted fingerprint. A
// rejected key is also stored in *mismatch.
func (t Target) hostKeyCallback(mismatch **HostKeyMismatchError) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		if t.HostKeyFingerprint != "" && t.HostKeyFingerprint != actual {
			*mismatch = &HostKeyMismatchError{Addr: t.Addr(), Expected: t.HostKeyFingerprint, Actual: actual}
			return *mismatch
		}
		if t.OnHostKey != nil {
			t.OnHostKey(actual)
		}
		return nil
	}
}
