package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qubes-os/qrexec/daemon/policy"
	"github.com/qubes-os/qrexec/internal/logging"
)

// Config is the daemon's full runtime configuration, assembled from
// defaults overridden by a YAML file and then by flags, following the
// layering the coordinator's own config uses.
type Config struct {
	// DomainID and DomainName identify which VM this daemon instance
	// brokers for. DomainID names the client socket
	// (<SocketDir>/qrexec.<domid>), the log file
	// (<LogDir>/qrexec.<domid>.log) and the vchan port; DomainName names
	// the qrexec.<vm-name> symlink.
	DomainID   uint32 `yaml:"domain_id"`
	DomainName string `yaml:"domain_name"`

	// SocketDir holds the client-facing Unix sockets (qrexec.<domid>
	// plus the qrexec.<vm-name> symlink).
	SocketDir string `yaml:"socket_dir"`

	// VchanDir holds the shared-memory region and wake FIFOs used to
	// reach the agent (see vchan.Config.Dir).
	VchanDir string `yaml:"vchan_dir"`

	// LogDir holds the per-domain log file the daemon redirects its
	// own stderr into once started, per spec §6.
	LogDir string `yaml:"log_dir"`

	// PolicyExecPath is the helper binary invoked to decide a
	// TRIGGER_CONNECT_EXISTING request (see TriggerExecutor).
	PolicyExecPath string `yaml:"policy_exec_path"`

	// Rules is the allow-list consulted for TRIGGER_CONNECT_EXISTING.
	Rules []policy.Rule `yaml:"rules"`

	// HandshakeTimeout is loaded from the configuration but not read by
	// the daemon: startup does not wait for the agent side of the vchan
	// to attach, and has no timeout.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ClientIDQuarantine is how long a released client ID is withheld
	// from reuse (see IDAllocator).
	ClientIDQuarantine time.Duration `yaml:"client_id_quarantine"`

	// DefaultUser is substituted for a "DEFAULT:" user token in an
	// EXEC_CMDLINE/JUST_EXEC body before it is forwarded to the agent
	// (spec §4.1's resolved Open Question: the rewrite happens here,
	// uniformly, rather than split between daemon and agent).
	DefaultUser string `yaml:"default_user"`

	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns the daemon's configuration before any YAML
// override or flag is applied.
func DefaultConfig() Config {
	return Config{
		SocketDir:          "/var/run/qubes",
		VchanDir:           "/var/run/qubes/vchan",
		LogDir:             "/var/log/qubes",
		PolicyExecPath:     "/usr/bin/qrexec-policy-exec",
		HandshakeTimeout:   10 * time.Second,
		ClientIDQuarantine: DefaultQuarantine,
		DefaultUser:        "user",
		Logging:            logging.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file at path and unmarshals it over
// DefaultConfig, so an omitted section falls back to its default rather
// than its zero value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("daemon: reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: parsing config file: %w", err)
	}
	return cfg, nil
}
