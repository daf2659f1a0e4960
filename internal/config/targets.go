package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TargetSeed is one entry of the targets file:
//
//	targets:
//	  - name: db-1
//	    host: 10.0.0.5
//	    port: 22
//	    username: ops
//	    password: hunter2
//	  - name: web-1
//	    host: web-1.internal
//	    username: deploy
//	    private_key_path: /etc/jumpterm/keys/web-1
//	    allowed_ips: 10.0.0.0/8, 192.168.1.7
type TargetSeed struct {
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Shell          string `yaml:"shell"`
	AllowedIPs     string `yaml:"allowed_ips"`

	// HostKeyFingerprint pins the host key, e.g. "SHA256:...". Empty pins
	// the key seen on first connect.
	HostKeyFingerprint string `yaml:"host_key_fingerprint"`
}

type targetsFile struct {
	Targets []TargetSeed `yaml:"targets"`
}

// LoadTargets parses a targets file. Every entry needs a name, a host, a
// username and one credential; names must be unique.
func LoadTargets(path string) ([]TargetSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Targets))
	for i, t := range f.Targets {
		switch {
		case t.Name == "":
			return nil, fmt.Errorf("target %d: name is required", i)
		case t.Host == "":
			return nil, fmt.Errorf("target %q: host is required", t.Name)
		case t.Username == "":
			return nil, fmt.Errorf("target %q: username is required", t.Name)
		case t.Password == "" && t.PrivateKeyPath == "":
			return nil, fmt.Errorf("target %q: password or private_key_path is required", t.Name)
		case seen[t.Name]:
			return nil, fmt.Errorf("target %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if f.Targets[i].Port == 0 {
			f.Targets[i].Port = 22
		}
	}
	return f.Targets, nil
}
