package config

import (
	"strings"
	"testing"
	"time"
)

const validFleet = `
version: 1
name: itest
transport: cli
logs_dir: ./logs
debug: true
timeout: 5m
containers:
  - name: db
    image: postgres:16
    env: ["POSTGRES_PASSWORD=secret"]
    ready_on_signal: true
  - name: app
    dockerfile_contents: |
      FROM alpine
      CMD ["true"]
    depends_on: [db]
    volumes: ["./data:/data"]
`

func TestParseValidFleet(t *testing.T) {
	cfg, err := Parse([]byte(validFleet))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Name != "itest" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Timeout != 5*time.Minute {
		t.Errorf("timeout = %s", cfg.Timeout)
	}
	if len(cfg.Containers) != 2 {
		t.Fatalf("containers = %d", len(cfg.Containers))
	}
	if !cfg.Containers[0].ReadyOnSignal {
		t.Error("db ready_on_signal not parsed")
	}
	if got := cfg.Containers[1].DependsOn; len(got) != 1 || got[0] != "db" {
		t.Errorf("app depends_on = %v", got)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad version", func(c *Config) { c.Version = 2 }, "version"},
		{"empty name", func(c *Config) { c.Name = " " }, "name"},
		{"bad transport", func(c *Config) { c.Transport = "grpc" }, "transport"},
		{"no containers", func(c *Config) { c.Containers = nil }, "containers"},
		{"two sources", func(c *Config) { c.Containers[0].Dockerfile = "./Dockerfile" }, "exactly one"},
		{"no source", func(c *Config) { c.Containers[0].Image = "" }, "exactly one"},
		{"dup names", func(c *Config) { c.Containers[1].Name = "db" }, "duplicate"},
		{"unknown dep", func(c *Config) { c.Containers[1].DependsOn = []string{"ghost"} }, "unknown container"},
		{"self dep", func(c *Config) { c.Containers[1].DependsOn = []string{"app"} }, "depends on itself"},
		{"bad volume", func(c *Config) { c.Containers[1].Volumes = []string{"nocolon"} }, "host:container"},
		{"bad env", func(c *Config) { c.Containers[0].Env = []string{"NOVALUE"} }, "KEY=value"},
		{"args no entrypoint", func(c *Config) { c.Containers[0].EntrypointArgs = []string{"-v"} }, "entrypoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(validFleet))
			if err != nil {
				t.Fatalf("base parse: %v", err)
			}
			tc.mutate(cfg)
			err = Validate(cfg)
			if err == nil {
				t.Fatal("validation passed")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOTILLA_DEBUG", "false")
	t.Setenv("FLOTILLA_TIMEOUT", "30s")
	t.Setenv("FLOTILLA_TRANSPORT", "api")

	cfg, err := Parse([]byte(validFleet))
	if err != nil {
		t.Fatal(err)
	}
	cfg.applyEnv()
	if cfg.Debug {
		t.Error("debug override not applied")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("timeout = %s", cfg.Timeout)
	}
	if cfg.Transport != TransportAPI {
		t.Errorf("transport = %q", cfg.Transport)
	}
}

func TestBuildNetwork(t *testing.T) {
	cfg, err := Parse([]byte(validFleet))
	if err != nil {
		t.Fatal(err)
	}
	n, err := cfg.BuildNetwork(nil)
	if err != nil {
		t.Fatalf("build network: %v", err)
	}
	if _, ok := n.Container("db"); !ok {
		t.Error("db not registered")
	}
	if _, ok := n.Container("app"); !ok {
		t.Error("app not registered")
	}
}
