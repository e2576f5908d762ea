// Package config loads labstack configuration.
//
// Values are layered, later sources overriding earlier ones:
//  1. Defaults (see setDefaults)
//  2. A YAML configuration file (--config, or ./labstack.yaml)
//  3. Environment variables with the LABSTACK_ prefix, nested keys joined
//     with underscores (LABSTACK_DATABASE_ENGINE_VERSION=8.0.40)
//  4. Command line flags bound by the CLI
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "LABSTACK"

// Config is the root configuration.
type Config struct {
	// StackName names the CloudFormation stack and prefixes physical names.
	StackName string `mapstructure:"stack_name" validate:"required,max=128"`

	// Region is the AWS region. Empty defers to the SDK's default chain.
	Region string `mapstructure:"region"`

	Network   NetworkConfig   `mapstructure:"network"`
	Compute   ComputeConfig   `mapstructure:"compute"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// NetworkConfig selects where the network context comes from. Exactly one of
// File or VPCID is used; File wins when both are set.
type NetworkConfig struct {
	// File is a YAML or HCL network description.
	File string `mapstructure:"file"`

	// VPCID is an existing VPC whose subnets are discovered through EC2.
	VPCID string `mapstructure:"vpc_id"`
}

// ComputeConfig configures the web tier instances.
type ComputeConfig struct {
	// InstanceType is the EC2 size class (default: t3.micro)
	InstanceType string `mapstructure:"instance_type" validate:"required"`

	// ImageParameter is the SSM public parameter resolving the machine image
	// (default: latest Amazon Linux 2).
	ImageParameter string `mapstructure:"image_parameter" validate:"required,startswith=/"`

	// ManagedPolicy is the AWS managed policy attached to the shared instance
	// role (default: AmazonSSMManagedInstanceCore).
	ManagedPolicy string `mapstructure:"managed_policy" validate:"required"`

	// HTTPPort is the single port opened to the world (default: 80)
	HTTPPort int32 `mapstructure:"http_port" validate:"min=1,max=65535"`
}

// DatabaseConfig configures the managed relational database.
type DatabaseConfig struct {
	Engine        string `mapstructure:"engine" validate:"required,oneof=mysql mariadb postgres"`
	EngineVersion string `mapstructure:"engine_version" validate:"required"`
	InstanceClass string `mapstructure:"instance_class" validate:"required,startswith=db."`

	// AllocatedStorage is in GiB (default: 20)
	AllocatedStorage int32 `mapstructure:"allocated_storage" validate:"min=20,max=65536"`

	Name     string `mapstructure:"name" validate:"required,alphanum,max=64"`
	Username string `mapstructure:"username" validate:"required,max=16"`
	Port     int32  `mapstructure:"port" validate:"min=1,max=65535"`
	MultiAZ  bool   `mapstructure:"multi_az"`

	// RemovalPolicy is what happens to the database when the stack (or the
	// resource) is removed (default: destroy).
	RemovalPolicy string `mapstructure:"removal_policy" validate:"oneof=destroy retain snapshot"`
}

// BootstrapConfig configures the first-boot script.
type BootstrapConfig struct {
	// Script is a local path. Empty uses the script embedded in the binary.
	Script string `mapstructure:"script"`

	// Bucket is the S3 bucket assets are published to. Instances fetch the
	// script from it, so synth and deploy need it; plan does not.
	Bucket string `mapstructure:"bucket"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from cfgFile (or ./labstack.yaml when empty) and
// the environment. v may carry flag bindings; nil creates a fresh instance.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("labstack")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case cfgFile == "" && errors.As(err, &notFound):
			// No config file is fine, defaults and env still apply.
		case cfgFile != "" && errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config file %s does not exist", cfgFile)
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config holding only default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Decoding plain defaults cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stack_name", "labstack")

	v.SetDefault("compute.instance_type", "t3.micro")
	v.SetDefault("compute.image_parameter", "/aws/service/ami-amazon-linux-latest/amzn2-ami-hvm-x86_64-gp2")
	v.SetDefault("compute.managed_policy", "AmazonSSMManagedInstanceCore")
	v.SetDefault("compute.http_port", 80)

	v.SetDefault("database.engine", "mysql")
	v.SetDefault("database.engine_version", "8.0.39")
	v.SetDefault("database.instance_class", "db.t3.micro")
	v.SetDefault("database.allocated_storage", 20)
	v.SetDefault("database.name", "CdkLabDatabase")
	v.SetDefault("database.username", "admin")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.multi_az", false)
	v.SetDefault("database.removal_policy", "destroy")

	v.SetDefault("bootstrap.script", "")
	v.SetDefault("bootstrap.bucket", "")

	v.SetDefault("network.file", "")
	v.SetDefault("network.vpc_id", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

var ErrInvalid = errors.New("invalid configuration")
