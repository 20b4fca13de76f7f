// Package inventory loads servers from a YAML file and keeps the registry in
// sync with it.
package inventory

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/ivannde/lecollecteur/internal/model"
)

type Inventory struct {
	Servers []Server `yaml:"servers"`
}

type Server struct {
	Name    string    `yaml:"name"`
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	SSH     SSHConfig `yaml:"ssh"`
}

type SSHConfig struct {
	User string     `yaml:"user"`
	Auth AuthConfig `yaml:"auth"`
}

const (
	AuthKey         = "key"
	AuthPassword    = "password"
	AuthPasswordEnv = "password_env"
)

type AuthConfig struct {
	Mode        string `yaml:"mode"`         // key | password | password_env
	KeyPath     string `yaml:"key_path"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"` // e.g. SSH_PASS_WEB1
}

// Load reads and normalizes the inventory at path.
func Load(fs afero.Fs, path string) (*Inventory, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	// normalize defaults
	seen := make(map[string]bool, len(inv.Servers))
	for i := range inv.Servers {
		s := &inv.Servers[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			s.Name = strings.TrimSpace(s.Address)
		}
		if s.Name == "" {
			return nil, fmt.Errorf("inventory entry %d: name or address is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("inventory: duplicate server %q", s.Name)
		}
		seen[s.Name] = true

		if s.Port == 0 {
			s.Port = model.DefaultSSHPort
		}
		if s.SSH.User == "" {
			s.SSH.User = "root"
		}
		if s.SSH.Auth.Mode == "" {
			switch {
			case s.SSH.Auth.KeyPath != "":
				s.SSH.Auth.Mode = AuthKey
			case s.SSH.Auth.Password != "":
				s.SSH.Auth.Mode = AuthPassword
			default:
				s.SSH.Auth.Mode = AuthPasswordEnv
			}
		}
		switch s.SSH.Auth.Mode {
		case AuthKey, AuthPassword, AuthPasswordEnv:
		default:
			return nil, fmt.Errorf("server %q: unknown auth mode %q", s.Name, s.SSH.Auth.Mode)
		}
	}

	return &inv, nil
}

// Resolve turns the inventory into registry records. lookupEnv resolves
// password_env entries; nil means os.LookupEnv.
func (inv *Inventory) Resolve(lookupEnv func(string) (string, bool)) []model.Server {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	out := make([]model.Server, 0, len(inv.Servers))
	for _, s := range inv.Servers {
		srv := model.Server{
			Name:    s.Name,
			Address: s.Address,
			Port:    s.Port,
			User:    s.SSH.User,
		}
		switch s.SSH.Auth.Mode {
		case AuthKey:
			srv.KeyPath = s.SSH.Auth.KeyPath
		case AuthPassword:
			srv.Password = s.SSH.Auth.Password
		case AuthPasswordEnv:
			if s.SSH.Auth.PasswordEnv != "" {
				srv.Password, _ = lookupEnv(s.SSH.Auth.PasswordEnv)
			}
		}
		out = append(out, srv)
	}
	return out
}
