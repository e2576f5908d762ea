package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "labstack", cfg.StackName)
	assert.Equal(t, "t3.micro", cfg.Compute.InstanceType)
	assert.Equal(t, int32(80), cfg.Compute.HTTPPort)
	assert.Equal(t, "AmazonSSMManagedInstanceCore", cfg.Compute.ManagedPolicy)
	assert.Equal(t, "mysql", cfg.Database.Engine)
	assert.Equal(t, "8.0.39", cfg.Database.EngineVersion)
	assert.Equal(t, "db.t3.micro", cfg.Database.InstanceClass)
	assert.Equal(t, int32(20), cfg.Database.AllocatedStorage)
	assert.Equal(t, "CdkLabDatabase", cfg.Database.Name)
	assert.Equal(t, int32(3306), cfg.Database.Port)
	assert.False(t, cfg.Database.MultiAZ)
	assert.Equal(t, "destroy", cfg.Database.RemovalPolicy)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("no file uses defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load(nil, "")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labstack.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
stack_name: sandbox
database:
  multi_az: true
  allocated_storage: 50
compute:
  instance_type: t3.small
`), 0o600))

		cfg, err := Load(nil, path)
		require.NoError(t, err)
		assert.Equal(t, "sandbox", cfg.StackName)
		assert.True(t, cfg.Database.MultiAZ)
		assert.Equal(t, int32(50), cfg.Database.AllocatedStorage)
		assert.Equal(t, "t3.small", cfg.Compute.InstanceType)
		// untouched keys keep their defaults
		assert.Equal(t, "8.0.39", cfg.Database.EngineVersion)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labstack.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stack_name: from-file\n"), 0o600))
		t.Setenv("LABSTACK_STACK_NAME", "from-env")
		t.Setenv("LABSTACK_DATABASE_ENGINE_VERSION", "8.0.40")

		cfg, err := Load(nil, path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.StackName)
		assert.Equal(t, "8.0.40", cfg.Database.EngineVersion)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(nil, filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "labstack.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
database:
  removal_policy: forever
`), 0o600))

		_, err := Load(nil, path)
		require.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "RemovalPolicy")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "empty stack name", mutate: func(c *Config) { c.StackName = "" }},
		{name: "bad engine", mutate: func(c *Config) { c.Database.Engine = "oracle" }},
		{name: "instance class without db prefix", mutate: func(c *Config) { c.Database.InstanceClass = "t3.micro" }},
		{name: "storage below minimum", mutate: func(c *Config) { c.Database.AllocatedStorage = 5 }},
		{name: "relative image parameter", mutate: func(c *Config) { c.Compute.ImageParameter = "aws/service" }},
		{name: "port out of range", mutate: func(c *Config) { c.Compute.HTTPPort = 70000 }},
		{name: "retain policy", mutate: func(c *Config) { c.Database.RemovalPolicy = "retain" }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}
