package qconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/quatton/rvcsync/pkg/qerr"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "RVCSYNC"
	ConfigName = "rvcsync"

	InputScopeIdentity = "identity"
	InputScopeShared   = "shared"
)

// PathTemplates maps each resource kind to a path parameterized by {user} and {model}.
type PathTemplates struct {
	Models      string `mapstructure:"models"`
	Input       string `mapstructure:"input"`
	SharedInput string `mapstructure:"shared_input"`
	Output      string `mapstructure:"output"`
	Logs        string `mapstructure:"logs"`
}

// Layout describes the workspace/remote contract and the workload invocation.
// It is optional file-based configuration; every key can also be set through
// RVCSYNC_* environment variables (e.g. RVCSYNC_ROOT, RVCSYNC_COMMAND).
type Layout struct {
	Root        string        `mapstructure:"root"`
	Command     []string      `mapstructure:"command"`
	ModelFile   string        `mapstructure:"model_file"`
	LogFile     string        `mapstructure:"log_file"`
	InputScope  string        `mapstructure:"input_scope"`
	Extensions  []string      `mapstructure:"extensions"`
	InputAlias  string        `mapstructure:"input_alias"`
	OutputAlias string        `mapstructure:"output_alias"`
	Remote      PathTemplates `mapstructure:"remote"`
	Local       PathTemplates `mapstructure:"local"`

	v *viper.Viper
}

// DefaultExtensions is the ordered candidate list probed for extension-less input names.
var DefaultExtensions = []string{"wav", "mp3", "flac", "m4a", "ogg", "aac"}

// LoadLayout creates a new Layout with its own viper instance.
// When cfgFile is empty, rvcsync.yaml / .rvcsync.yaml in the current directory
// is used if present; otherwise defaults apply.
func LoadLayout(cfgFile string) (*Layout, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, qerr.New(qerr.CodeConfiguration, fmt.Errorf("reading config file %s: %w", cfgFile, err))
		}
	} else {
		for _, name := range []string{ConfigName + ".yaml", ConfigName + ".yml", "." + ConfigName + ".yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err != nil {
					return nil, qerr.New(qerr.CodeConfiguration, fmt.Errorf("reading config file %s: %w", name, err))
				}
				break
			}
		}
	}

	setDefaults(v)

	var l Layout
	if err := v.Unmarshal(&l); err != nil {
		return nil, qerr.New(qerr.CodeConfiguration, fmt.Errorf("unmarshaling config: %w", err))
	}
	l.v = v

	l.normalize()
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// DefaultLayout returns the layout used when no file or environment overrides are present.
func DefaultLayout() *Layout {
	v := viper.New()
	setDefaults(v)
	var l Layout
	// Defaults are static and always decode.
	_ = v.Unmarshal(&l)
	l.v = v
	l.normalize()
	return &l
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("command", []string{"python", "/app/auto_pitch_entry.py"})
	v.SetDefault("model_file", "model.pth")
	v.SetDefault("log_file", "run.log")
	v.SetDefault("input_scope", InputScopeIdentity)
	v.SetDefault("extensions", DefaultExtensions)
	v.SetDefault("input_alias", "input")
	v.SetDefault("output_alias", "output")

	v.SetDefault("remote.models", "models/{user}/{model}/")
	v.SetDefault("remote.input", "input/{user}/{model}/")
	v.SetDefault("remote.shared_input", "input/")
	v.SetDefault("remote.output", "output/{user}/{model}/")
	v.SetDefault("remote.logs", "logs/{user}/{model}/")

	v.SetDefault("local.models", "data/models/{user}/{model}")
	v.SetDefault("local.input", "data/input/{user}/{model}")
	v.SetDefault("local.shared_input", "data/input/shared")
	v.SetDefault("local.output", "data/output/{user}/{model}")
	v.SetDefault("local.logs", "data/logs/{user}/{model}")
}

func (l *Layout) normalize() {
	exts := make([]string, 0, len(l.Extensions))
	for _, e := range l.Extensions {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" {
			exts = append(exts, e)
		}
	}
	l.Extensions = exts

	for _, p := range []*string{&l.Remote.Models, &l.Remote.Input, &l.Remote.SharedInput, &l.Remote.Output, &l.Remote.Logs} {
		if *p != "" && !strings.HasSuffix(*p, "/") {
			*p += "/"
		}
	}
	l.InputScope = strings.ToLower(l.InputScope)
}

// Validate reports every invalid field at once.
func (l *Layout) Validate() error {
	var errors []string

	if len(l.Command) == 0 || strings.TrimSpace(l.Command[0]) == "" {
		errors = append(errors, "  command must name the workload executable")
	}
	if l.ModelFile == "" {
		errors = append(errors, "  model_file must not be empty")
	}
	if l.LogFile == "" {
		errors = append(errors, "  log_file must not be empty")
	}
	if len(l.Extensions) == 0 {
		errors = append(errors, "  extensions must list at least one candidate")
	}
	if l.InputScope != InputScopeIdentity && l.InputScope != InputScopeShared {
		errors = append(errors, fmt.Sprintf("  input_scope must be %q or %q", InputScopeIdentity, InputScopeShared))
	}
	if l.InputAlias == "" || l.OutputAlias == "" {
		errors = append(errors, "  input_alias and output_alias must not be empty")
	}

	if len(errors) > 0 {
		return qerr.Newf(qerr.CodeConfiguration, "layout validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// RemoteInputPrefix returns the input prefix template for the configured scope.
func (l *Layout) RemoteInputPrefix() string {
	if l.InputScope == InputScopeShared {
		return l.Remote.SharedInput
	}
	return l.Remote.Input
}

// LocalInputDir returns the local input directory template for the configured scope.
func (l *Layout) LocalInputDir() string {
	if l.InputScope == InputScopeShared {
		return l.Local.SharedInput
	}
	return l.Local.Input
}

// ConfigFileUsed returns the config file that was used (if any)
func (l *Layout) ConfigFileUsed() string {
	if l.v == nil {
		return ""
	}
	return l.v.ConfigFileUsed()
}
