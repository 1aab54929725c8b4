package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/u2takey/go-utils/filesystem/homedir"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/aonescu/gardensync/internal/autoflush"
	"github.com/aonescu/gardensync/internal/eventlog"
)

const (
	DirName  = ".gardenctl"
	FileName = "config.yaml"
)

// Client is the gardenctl configuration file.
type Client struct {
	Server   string `json:"server"`
	Token    string `json:"token,omitempty"`
	GardenID string `json:"gardenId,omitempty"`

	Debounce      metav1.Duration `json:"debounce"`
	Force         metav1.Duration `json:"force"`
	SnapshotTTL   metav1.Duration `json:"snapshotTTL"`
	MaxRecoveries int             `json:"maxRecoveries"`

	// SessionDir holds one session file per garden.
	SessionDir string `json:"sessionDir,omitempty"`
}

func Dir() string {
	return filepath.Join(homedir.HomeDir(), DirName)
}

func DefaultPath() string {
	return filepath.Join(Dir(), FileName)
}

func Default() Client {
	flush := autoflush.DefaultConfig()
	return Client{
		Server:        "http://localhost:8080",
		Debounce:      metav1.Duration{Duration: flush.Debounce},
		Force:         metav1.Duration{Duration: flush.Force},
		SnapshotTTL:   metav1.Duration{Duration: eventlog.DefaultSnapshotTTL},
		MaxRecoveries: flush.MaxRecoveries,
		SessionDir:    Dir(),
	}
}

// Load reads path over Default(). A missing file yields the defaults.
func Load(path string) (Client, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg Client) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c Client) Validate() error {
	if c.Server == "" {
		return errors.New("server must be set")
	}
	if c.Debounce.Duration <= 0 || c.Force.Duration <= 0 {
		return errors.New("debounce and force must be positive")
	}
	if c.Force.Duration < c.Debounce.Duration {
		return fmt.Errorf("force (%s) must not be shorter than debounce (%s)", c.Force.Duration, c.Debounce.Duration)
	}
	if c.MaxRecoveries < 0 {
		return errors.New("maxRecoveries must not be negative")
	}
	return nil
}

func (c Client) SchedulerConfig() autoflush.Config {
	cfg := autoflush.DefaultConfig()
	cfg.Debounce = c.Debounce.Duration
	cfg.Force = c.Force.Duration
	cfg.MaxRecoveries = c.MaxRecoveries
	return cfg
}

// SessionPath is where the pending session of gardenID is kept.
func (c Client) SessionPath(gardenID string) string {
	dir := c.SessionDir
	if dir == "" {
		dir = Dir()
	}
	return filepath.Join(dir, "session-"+gardenID+".cbor")
}
