// Package config loads declarative fleet definitions: a YAML file naming
// the containers to orchestrate, with environment-variable overrides for
// the operational knobs. It is a convenience layer over the programmatic
// network API, aimed at CI jobs that keep their fleet in a checked-in file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flotilladev/flotilla/common/environment"
	"github.com/flotilladev/flotilla/internal/flotilla/network"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

// SchemaVersion is the fleet file version this build understands.
const SchemaVersion = 1

// Transport selectors accepted in the fleet file.
const (
	TransportCLI = "cli"
	TransportAPI = "api"
)

// Config is one fleet definition.
type Config struct {
	Version    int    `yaml:"version"`
	Name       string `yaml:"name"`
	Transport  string `yaml:"transport"`
	DockerHost string `yaml:"docker_host"`

	LogsDir    string        `yaml:"logs_dir"`
	Debug      bool          `yaml:"debug"`
	Internal   bool          `yaml:"internal"`
	Timeout    time.Duration `yaml:"timeout"`
	ContextDir string        `yaml:"context_dir"`
	HistoryDB  string        `yaml:"history_db"`

	Containers []ContainerConfig `yaml:"containers"`
}

// ContainerConfig is one container entry in the fleet file.
type ContainerConfig struct {
	Name string `yaml:"name"`

	// exactly one of the three image sources
	Image              string `yaml:"image"`
	Dockerfile         string `yaml:"dockerfile"`
	DockerfileContents string `yaml:"dockerfile_contents"`

	BuildContextDir string            `yaml:"build_context_dir"`
	BuildArgs       map[string]string `yaml:"build_args"`

	// Volumes use "host:container" notation.
	Volumes []string `yaml:"volumes"`

	Env            []string `yaml:"env"`
	Entrypoint     string   `yaml:"entrypoint"`
	EntrypointArgs []string `yaml:"entrypoint_args"`
	WorkDir        string   `yaml:"workdir"`
	DependsOn      []string `yaml:"depends_on"`
	ReadyOnSignal  bool     `yaml:"ready_on_signal"`
	NoUUIDHostname bool     `yaml:"no_uuid_hostname"`
}

// Load reads and parses a fleet file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes and validates a fleet definition.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("fleet parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the environment override the operational knobs without
// editing the checked-in file.
func (c *Config) applyEnv() {
	c.Transport = environment.StringOr("FLOTILLA_TRANSPORT", c.Transport)
	c.DockerHost = environment.StringOr("FLOTILLA_DOCKER_HOST", c.DockerHost)
	c.LogsDir = environment.StringOr("FLOTILLA_LOGS_DIR", c.LogsDir)
	c.Debug = environment.BoolOr("FLOTILLA_DEBUG", c.Debug)
	c.Timeout = environment.DurationOr("FLOTILLA_TIMEOUT", c.Timeout)
	c.HistoryDB = environment.StringOr("FLOTILLA_HISTORY_DB", c.HistoryDB)
}

// Validate checks a fleet definition for structural correctness. It returns
// the first validation error encountered, or nil if the config is valid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}
	if cfg.Version != SchemaVersion {
		return fmt.Errorf("version must be %d, got %d", SchemaVersion, cfg.Version)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	switch cfg.Transport {
	case "", TransportCLI, TransportAPI:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportCLI, TransportAPI, cfg.Transport)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if len(cfg.Containers) == 0 {
		return fmt.Errorf("containers must not be empty")
	}

	names := make(map[string]struct{}, len(cfg.Containers))
	for i, cc := range cfg.Containers {
		if err := validateContainer(cc); err != nil {
			return fmt.Errorf("containers[%d] (%q): %w", i, cc.Name, err)
		}
		if _, dup := names[cc.Name]; dup {
			return fmt.Errorf("containers[%d]: duplicate name %q", i, cc.Name)
		}
		names[cc.Name] = struct{}{}
	}
	for i, cc := range cfg.Containers {
		for _, dep := range cc.DependsOn {
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("containers[%d] (%q): depends_on references unknown container %q", i, cc.Name, dep)
			}
			if dep == cc.Name {
				return fmt.Errorf("containers[%d] (%q): depends on itself", i, cc.Name)
			}
		}
	}
	return nil
}

func validateContainer(cc ContainerConfig) error {
	if strings.TrimSpace(cc.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	sources := 0
	for _, s := range []string{cc.Image, cc.Dockerfile, cc.DockerfileContents} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("exactly one of image, dockerfile, dockerfile_contents must be set")
	}
	for _, v := range cc.Volumes {
		if _, _, err := splitVolume(v); err != nil {
			return err
		}
	}
	for _, e := range cc.Env {
		if !strings.Contains(e, "=") {
			return fmt.Errorf("env entry %q is not KEY=value", e)
		}
	}
	if len(cc.EntrypointArgs) > 0 && cc.Entrypoint == "" {
		return fmt.Errorf("entrypoint_args without entrypoint")
	}
	return nil
}

func splitVolume(v string) (host, container string, err error) {
	i := strings.LastIndex(v, ":")
	if i <= 0 || i == len(v)-1 {
		return "", "", fmt.Errorf("volume %q is not host:container", v)
	}
	return v[:i], v[i+1:], nil
}

// BuildNetwork materializes the fleet into a network bound to the given
// transport.
func (c *Config) BuildNetwork(t runtime.Transport) (*network.Network, error) {
	n := network.New(c.Name, t)
	n.LogsDir = c.LogsDir
	n.Debug = c.Debug
	n.Internal = c.Internal
	n.ContextDir = c.ContextDir

	for _, cc := range c.Containers {
		spec, err := cc.toSpec()
		if err != nil {
			return nil, err
		}
		if err := n.AddContainer(spec); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (cc ContainerConfig) toSpec() (*network.ContainerSpec, error) {
	var build network.Dockerfile
	switch {
	case cc.Image != "":
		build = network.FromImage(cc.Image)
	case cc.Dockerfile != "":
		build = network.FromDockerfilePath(cc.Dockerfile)
	default:
		build = network.FromDockerfileContents(cc.DockerfileContents)
	}

	spec := network.NewContainer(cc.Name, build)
	spec.BuildContextDir = cc.BuildContextDir
	spec.BuildArgs = cc.BuildArgs
	spec.Env = cc.Env
	spec.Entrypoint = cc.Entrypoint
	spec.EntrypointArgs = cc.EntrypointArgs
	spec.WorkDir = cc.WorkDir
	spec.DependsOn = cc.DependsOn
	spec.ReadyOnSignal = cc.ReadyOnSignal
	spec.NoUUIDHostname = cc.NoUUIDHostname

	for _, v := range cc.Volumes {
		host, container, err := splitVolume(v)
		if err != nil {
			return nil, fmt.Errorf("container %q: %w", cc.Name, err)
		}
		spec.Volumes = append(spec.Volumes, runtime.VolumeMount{HostPath: host, ContainerPath: container})
	}
	return spec, nil
}
