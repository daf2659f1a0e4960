// Package sshkeys generates the key pairs jumpterm uses to log in to targets.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/crypto/ssh"
)

// ErrKeyExists is returned by SaveKeyPair when a key of that name is on disk.
var ErrKeyExists = errors.New("key pair already exists")

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// GenerateKeyPair returns a new ED25519 key pair: the public key in
// authorized_keys format and the private key as PKCS#8 PEM.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// Paths returns where the key pair called name lives under dir.
func Paths(dir, name string) (privPath, pubPath string) {
	privPath = filepath.Join(dir, name)
	return privPath, privPath + ".pub"
}

// SaveKeyPair writes name (mode 0600) and name.pub (mode 0644) into dir,
// creating dir with mode 0700. It never overwrites an existing key.
func SaveKeyPair(dir, name string, privateKey, publicKey []byte) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	privPath, pubPath := Paths(dir, name)

	f, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrKeyExists, privPath)
		}
		return "", fmt.Errorf("write private key: %w", err)
	}
	if _, err := f.Write(privateKey); err != nil {
		f.Close()
		os.Remove(privPath)
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(privPath)
		return "", fmt.Errorf("write private key: %w", err)
	}

	if err := os.WriteFile(pubPath, publicKey, 0644); err != nil {
		os.Remove(privPath)
		return "", fmt.Errorf("write public key: %w", err)
	}

	log.Printf("SSH key pair %q saved to %s", name, dir)
	return privPath, nil
}

// LoadPublicKey reads the authorized_keys line of the key pair called name.
func LoadPublicKey(dir, name string) (string, error) {
	_, pubPath := Paths(dir, name)
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(data), nil
}
