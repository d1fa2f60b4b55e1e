// Package config loads and validates the settings of a single upload.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable override.
	EnvPrefix = "ARTIFACTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultCompressionLevel balances speed and size.
	DefaultCompressionLevel = 6

	// DefaultPort is the SSH port used when none is configured.
	DefaultPort = 22

	// DefaultBufferSize is the bounded buffer between compressor and network.
	DefaultBufferSize = "1MiB"
)

// ErrInvalidConfig is returned for any invalid or missing setting. It is
// raised before any filesystem or network activity.
var ErrInvalidConfig = errors.New("invalid configuration")

// NoFilesPolicy decides what happens when the search path matches nothing.
type NoFilesPolicy string

const (
	// NoFilesWarn logs a warning and skips the upload.
	NoFilesWarn NoFilesPolicy = "warn"
	// NoFilesError fails the operation.
	NoFilesError NoFilesPolicy = "error"
	// NoFilesIgnore skips the upload quietly.
	NoFilesIgnore NoFilesPolicy = "ignore"
)

// ParseNoFilesPolicy parses a policy name, case-insensitively.
func ParseNoFilesPolicy(s string) (NoFilesPolicy, error) {
	switch p := NoFilesPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case NoFilesWarn, NoFilesError, NoFilesIgnore:
		return p, nil
	case "":
		return NoFilesWarn, nil
	default:
		return "", fmt.Errorf("%w: unknown if-no-files-found value %q, must be one of warn, error, ignore",
			ErrInvalidConfig, s)
	}
}

// Destination describes where the archive goes.
type Destination struct {
	Server               string `mapstructure:"server" yaml:"server"`
	Port                 int    `mapstructure:"port" yaml:"port"`
	User                 string `mapstructure:"user" yaml:"user"`
	Password             string `mapstructure:"password" yaml:"password,omitempty"`
	PrivateKey           string `mapstructure:"private_key" yaml:"private_key,omitempty"`
	PrivateKeyFile       string `mapstructure:"private_key_file" yaml:"private_key_file,omitempty"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase" yaml:"private_key_passphrase,omitempty"`
	KnownHostsFile       string `mapstructure:"known_hosts_file" yaml:"known_hosts_file,omitempty"`
	// RemotePath is derived from CI metadata when empty.
	RemotePath string `mapstructure:"remote_path" yaml:"remote_path,omitempty"`
	// ServerRoot prefixes a derived RemotePath.
	ServerRoot string `mapstructure:"server_root" yaml:"server_root,omitempty"`
}

// UploadRequest is the validated input of one run. It is not modified after
// Load returns.
type UploadRequest struct {
	ArtifactName       string        `mapstructure:"name" yaml:"name"`
	SearchPath         string        `mapstructure:"path" yaml:"path"`
	IfNoFilesFound     NoFilesPolicy `mapstructure:"if_no_files_found" yaml:"if_no_files_found"`
	CompressionLevel   int           `mapstructure:"compression_level" yaml:"compression_level"`
	IncludeHiddenFiles bool          `mapstructure:"include_hidden_files" yaml:"include_hidden_files"`
	WorkingDirectory   string        `mapstructure:"working_directory" yaml:"working_directory,omitempty"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	RateLimit          string        `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
	BufferSize         string        `mapstructure:"buffer_size" yaml:"buffer_size,omitempty"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout,omitempty"`

	// OutputDir switches to a local dry run rooted at this directory.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir,omitempty"`
	// ManifestFile receives a YAML listing of the archive members.
	ManifestFile string `mapstructure:"manifest_file" yaml:"manifest_file,omitempty"`

	Destination Destination `mapstructure:",squash" yaml:"destination"`
}

// setting maps a configuration key to its command line flag and to the
// GitHub Actions input that can set it.
type setting struct {
	key   string
	flag  string
	input string
}

var settings = []setting{
	{key: "name", flag: "name", input: "NAME"},
	{key: "path", flag: "path", input: "PATH"},
	{key: "if_no_files_found", flag: "if-no-files-found", input: "IF-NO-FILES-FOUND"},
	{key: "compression_level", flag: "compression-level", input: "COMPRESSION-LEVEL"},
	{key: "include_hidden_files", flag: "include-hidden-files", input: "INCLUDE-HIDDEN-FILES"},
	{key: "working_directory", flag: "working-directory", input: "WORKING-DIRECTORY"},
	{key: "timeout", flag: "timeout", input: "TIMEOUT"},
	{key: "rate_limit", flag: "rate-limit", input: "RATE-LIMIT"},
	{key: "buffer_size", flag: "buffer-size", input: "BUFFER-SIZE"},
	{key: "dial_timeout", flag: "dial-timeout", input: "DIAL-TIMEOUT"},
	{key: "output_dir", flag: "output-dir"},
	{key: "manifest_file", flag: "manifest-file"},
	{key: "server", flag: "server", input: "SERVER"},
	{key: "port", flag: "port", input: "PORT"},
	{key: "user", flag: "user", input: "USER"},
	{key: "password", flag: "password", input: "PASSWORD"},
	{key: "private_key", input: "PRIVATE-KEY"},
	{key: "private_key_file", flag: "private-key-file", input: "PRIVATE-KEY-FILE"},
	{key: "private_key_passphrase", input: "PRIVATE-KEY-PASSPHRASE"},
	{key: "known_hosts_file", flag: "known-hosts-file", input: "KNOWN-HOSTS-FILE"},
	{key: "remote_path", flag: "remote-path", input: "SERVER-PATH"},
	{key: "server_root", flag: "server-root", input: "SERVER-ROOT"},
}

// LoadOptions points Load at its optional sources.
type LoadOptions struct {
	// ConfigFile is an optional YAML file.
	ConfigFile string
	// EnvFile is an optional dotenv file. Variables already set in the
	// environment win over the file.
	EnvFile string
	// Flags are bound by name; only flags set on the command line override
	// other sources.
	Flags *pflag.FlagSet
	// Getenv reads CI metadata. Defaults to os.Getenv.
	Getenv func(string) string
}

// Load resolves the upload request from flags, environment variables, an
// optional config file and defaults, in that order of precedence. The
// result is validated.
func Load(opts LoadOptions) (*UploadRequest, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	v := viper.New()

	setDefaults(v)

	for _, s := range settings {
		envs := []string{EnvPrefix + "_" + strings.ToUpper(s.key)}
		if s.input != "" {
			envs = append(envs, "INPUT_"+s.input)
		}

		if err := v.BindEnv(append([]string{s.key}, envs...)...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", s.key, err)
		}

		if opts.Flags == nil || s.flag == "" {
			continue
		}

		if f := opts.Flags.Lookup(s.flag); f != nil {
			if err := v.BindPFlag(s.key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", s.flag, err)
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var req UploadRequest

	if err := v.Unmarshal(&req, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		noFilesPolicyHook(),
	))); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	req.ArtifactName = strings.TrimSpace(req.ArtifactName)

	// Options are checked before resolve touches the filesystem.
	if err := req.validateOptions(); err != nil {
		return nil, err
	}

	if err := req.resolve(getenv); err != nil {
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return &req, nil
}

func setDefaults(v *viper.Viper) {
	for _, s := range settings {
		v.SetDefault(s.key, "")
	}

	v.SetDefault("if_no_files_found", string(NoFilesWarn))
	v.SetDefault("compression_level", DefaultCompressionLevel)
	v.SetDefault("include_hidden_files", false)
	v.SetDefault("timeout", "0s")
	v.SetDefault("dial_timeout", "30s")
	v.SetDefault("buffer_size", DefaultBufferSize)
	v.SetDefault("port", DefaultPort)
}

// noFilesPolicyHook turns strings into a validated NoFilesPolicy.
func noFilesPolicyHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(NoFilesPolicy("")) {
			return data, nil
		}

		return ParseNoFilesPolicy(data.(string))
	}
}

// resolve fills in values derived from other settings or the environment.
func (r *UploadRequest) resolve(getenv func(string) string) error {
	if r.WorkingDirectory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		r.WorkingDirectory = wd
	}

	if r.Destination.Port == 0 {
		r.Destination.Port = DefaultPort
	}

	if r.Destination.PrivateKey == "" && r.Destination.PrivateKeyFile != "" {
		data, err := os.ReadFile(r.Destination.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("%w: reading private key file: %w", ErrInvalidConfig, err)
		}

		r.Destination.PrivateKey = string(data)
	}

	if r.Destination.RemotePath == "" {
		r.Destination.RemotePath = DefaultRemotePath(CIMetadataFromEnv(getenv), r.Destination.ServerRoot)
	}

	return nil
}

// Validate checks the request for errors.
func (r *UploadRequest) Validate() error {
	if err := r.validateOptions(); err != nil {
		return err
	}

	if r.Destination.RemotePath == "" {
		return fmt.Errorf("%w: remote path is empty and cannot be derived from the CI environment",
			ErrInvalidConfig)
	}

	if r.DryRun() {
		return nil
	}

	return r.Destination.Validate()
}

// validateOptions checks everything that does not depend on the
// filesystem or the destination.
func (r *UploadRequest) validateOptions() error {
	if err := ValidateArtifactName(r.ArtifactName); err != nil {
		return err
	}

	if strings.TrimSpace(r.SearchPath) == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}

	if _, err := ParseNoFilesPolicy(string(r.IfNoFilesFound)); err != nil {
		return err
	}

	if r.CompressionLevel < 0 || r.CompressionLevel > 9 {
		return fmt.Errorf("%w: compression level %d out of range [0,9]", ErrInvalidConfig, r.CompressionLevel)
	}

	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}

	if _, err := r.RateLimitBytes(); err != nil {
		return err
	}

	if _, err := r.BufferSizeBytes(); err != nil {
		return err
	}

	return nil
}

// Validate checks the SFTP destination.
func (d *Destination) Validate() error {
	if d.Server == "" {
		return fmt.Errorf("%w: server is required", ErrInvalidConfig)
	}

	if d.User == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidConfig)
	}

	if d.Password == "" && d.PrivateKey == "" {
		return fmt.Errorf("%w: a password or a private key is required", ErrInvalidConfig)
	}

	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, d.Port)
	}

	return nil
}

// DryRun reports whether the archive is written locally instead of uploaded.
func (r *UploadRequest) DryRun() bool {
	return r.OutputDir != ""
}

// RateLimitBytes returns the bandwidth cap in bytes per second, 0 if unset.
// Sizes use decimal units ("10MB" is 10,000,000).
func (r *UploadRequest) RateLimitBytes() (int64, error) {
	if r.RateLimit == "" {
		return 0, nil
	}

	n, err := units.FromHumanSize(strings.TrimSuffix(r.RateLimit, "/s"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid rate limit %q", ErrInvalidConfig, r.RateLimit)
	}

	return n, nil
}

// BufferSizeBytes returns the pipe buffer size. Sizes use binary units
// ("1MB" is 1,048,576).
func (r *UploadRequest) BufferSizeBytes() (int, error) {
	size := r.BufferSize
	if size == "" {
		size = DefaultBufferSize
	}

	n, err := units.RAMInBytes(size)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid buffer size %q", ErrInvalidConfig, size)
	}

	return int(n), nil
}

// forbiddenNameChars may not appear in an artifact name.
const forbiddenNameChars = "\"/\\:<>|*?\r\n"

// ValidateArtifactName rejects empty names and names containing characters
// that are unsafe in a remote file name.
func ValidateArtifactName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: artifact name is required", ErrInvalidConfig)
	}

	if i := strings.IndexAny(name, forbiddenNameChars); i >= 0 {
		return fmt.Errorf("%w: artifact name %q contains forbidden character %q",
			ErrInvalidConfig, name, name[i])
	}

	return nil
}
