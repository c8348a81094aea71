package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "world":
		return worldTemplate, nil
	case "accounts":
		hash, err := HashPassword(TemplatePassword, 0)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(accountsTemplate, TemplatePassword, hash), nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `listen_udp = "0.0.0.0:9999"
listen_ws = ""
admin_addr = "127.0.0.1:8080"
cors_origins = ["http://localhost:3000"]
workers = 4
idle_timeout = "30s"
retransmit_interval = "500ms"
max_retries = 10
move_buffer = 8
prop_ack_policy = "fifo"
reserved_movement_bits = "reject"
interest_radius = 0.0
endpoint_policy = "rebind"
world_file = "world.toml"
accounts_file = "accounts.toml"
log_file = ""
`

const worldTemplate = `name = "arena"

[[props]]
name = "rock"
position = [5.0, 5.0]
[props.shape]
type = "circle"
center = [0.0, 0.0]
radius = 1.5

[[props]]
name = "wall"
position = [-10.0, 0.0]
[props.shape]
type = "polygon"
vertices = [[0.0, 0.0], [4.0, 0.0], [4.0, 1.0], [0.0, 1.0]]
`

// TemplatePassword is the password behind the accounts template's hash.
const TemplatePassword = "change-me"

const accountsTemplate = `# password %q; replace with: battlegroundsd config hash-password
[[accounts]]
id = 17
login = "hero"
password_hash = %q

[[accounts.characters]]
id = 20
name = "Hero"
position = [10.0, 20.0]
forward = [1.0, 0.0]
`
