package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
)

// WorldConfig is the static prop layout served to every session.
type WorldConfig struct {
	Name  string      `toml:"name"`
	Props []PropEntry `toml:"props"`
}

type PropEntry struct {
	Name     string     `toml:"name"`
	Position []float64  `toml:"position"`
	Shape    ShapeEntry `toml:"shape"`
}

// ShapeEntry is either a circle (center, radius) or a polygon (vertices),
// selected by Type.
type ShapeEntry struct {
	Type     string      `toml:"type"`
	Center   []float32   `toml:"center"`
	Radius   float32     `toml:"radius"`
	Vertices [][]float32 `toml:"vertices"`
}

// AccountsConfig lists the credentials accepted by the login endpoint.
type AccountsConfig struct {
	Accounts []AccountEntry `toml:"accounts"`
}

type AccountEntry struct {
	ID           uint32           `toml:"id"`
	Login        string           `toml:"login"`
	PasswordHash string           `toml:"password_hash"`
	Characters   []CharacterEntry `toml:"characters"`
}

// HashPassword returns the bcrypt hash stored as an account's password_hash.
// A cost of 0 selects bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

type CharacterEntry struct {
	ID       uint32    `toml:"id"`
	Name     string    `toml:"name"`
	Position []float64 `toml:"position"`
	Forward  []float32 `toml:"forward"`
}

func LoadWorldConfig(path string) (WorldConfig, error) {
	var cfg WorldConfig
	if err := loadToml(path, &cfg); err != nil {
		return WorldConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "arena"
	}
	if err := ValidateWorldConfig(cfg); err != nil {
		return WorldConfig{}, err
	}
	return cfg, nil
}

func LoadAccountsConfig(path string) (AccountsConfig, error) {
	var cfg AccountsConfig
	if err := loadToml(path, &cfg); err != nil {
		return AccountsConfig{}, err
	}
	if err := ValidateAccountsConfig(cfg); err != nil {
		return AccountsConfig{}, err
	}
	return cfg, nil
}

// ParseWorldConfig decodes and validates an in-memory world document.
func ParseWorldConfig(data []byte) (WorldConfig, error) {
	var cfg WorldConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return WorldConfig{}, fmt.Errorf("world parse failed: %w", err)
	}
	if err := ValidateWorldConfig(cfg); err != nil {
		return WorldConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateWorldConfig(cfg WorldConfig) error {
	for i, prop := range cfg.Props {
		if _, err := prop.Prop(); err != nil {
			return fmt.Errorf("prop[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateAccountsConfig(cfg AccountsConfig) error {
	logins := make(map[string]bool, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		login := strings.TrimSpace(acct.Login)
		if login == "" {
			return fmt.Errorf("account[%d] missing login", i)
		}
		if logins[login] {
			return fmt.Errorf("account[%d] duplicate login %q", i, login)
		}
		logins[login] = true
		if acct.PasswordHash == "" {
			return fmt.Errorf("account[%d] missing password_hash", i)
		}
		if _, err := bcrypt.Cost([]byte(acct.PasswordHash)); err != nil {
			return fmt.Errorf("account[%d] password_hash is not a bcrypt hash: %w", i, err)
		}
		if len(acct.Characters) == 0 {
			return fmt.Errorf("account[%d] has no characters", i)
		}
		for j, ch := range acct.Characters {
			if err := ValidateCharacterEntry(ch); err != nil {
				return fmt.Errorf("account[%d].character[%d] invalid: %w", i, j, err)
			}
		}
	}
	return nil
}

func ValidateCharacterEntry(ch CharacterEntry) error {
	if strings.TrimSpace(ch.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(ch.Name) > 255 {
		return fmt.Errorf("name longer than 255 bytes")
	}
	if ch.Position != nil && len(ch.Position) != 2 {
		return fmt.Errorf("position needs 2 components")
	}
	if ch.Forward != nil && len(ch.Forward) != 2 {
		return fmt.Errorf("forward needs 2 components")
	}
	return nil
}
