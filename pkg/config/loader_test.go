package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

type upstreamConfig struct {
	Issuer       string        `env:"ISSUER" yaml:"issuer" json:"issuer" required:"true"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"5s" yaml:"fetch_timeout" json:"fetch_timeout"`
}

type serverConfig struct {
	Listen     string         `env:"LISTEN" envDefault:":8080" yaml:"listen" json:"listen" flag:"listen"`
	Debug      bool           `env:"DEBUG" yaml:"debug" json:"debug"`
	MaxConns   int32          `env:"MAX_CONNS" envDefault:"64" yaml:"max_conns" json:"max_conns"`
	BodyLimit  uint32         `env:"BODY_LIMIT" envDefault:"1024" yaml:"body_limit" json:"body_limit"`
	Ratio      float64        `env:"RATIO" envDefault:"0.5" yaml:"ratio" json:"ratio"`
	TrustedIPs []string       `env:"TRUSTED_IPS" yaml:"trusted_ips" json:"trusted_ips" flag:"trusted-ip"`
	Upstream   upstreamConfig `env:"UPSTREAM" yaml:"upstream" json:"upstream"`
}

type checkedConfig struct {
	Limit int `env:"LIMIT" envDefault:"10"`
}

func (c *checkedConfig) Validate() error {
	if c.Limit > 100 {
		return errors.New("limit too high")
	}
	if c.Limit < 1 {
		return sserr.New(sserr.CodeInternalConfiguration, "limit too low")
	}
	return nil
}

func TestLoad_RejectsNonStructPointers(t *testing.T) {
	t.Parallel()
	var n int
	var nilCfg *serverConfig
	for _, target := range []any{nil, serverConfig{}, &n, nilCfg} {
		testutil.AssertErrorCode(t, New().Load(target), sserr.CodeInternalConfiguration)
	}
}

func TestLoad_Defaults(t *testing.T) {
	testutil.SetEnv(t, "CFG_DEFAULTS_UPSTREAM_ISSUER", "https://idp.test")

	var cfg serverConfig
	require.NoError(t, New().WithEnvPrefix("cfg_defaults").Load(&cfg))
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, int32(64), cfg.MaxConns)
	assert.Equal(t, uint32(1024), cfg.BodyLimit)
	assert.InDelta(t, 0.5, cfg.Ratio, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Upstream.FetchTimeout)
	assert.Equal(t, "https://idp.test", cfg.Upstream.Issuer)
	assert.Nil(t, cfg.TrustedIPs)
}

func TestLoad_DefaultsKeepPresetValues(t *testing.T) {
	cfg := serverConfig{Listen: ":9999", Upstream: upstreamConfig{Issuer: "preset"}}
	require.NoError(t, New().WithEnvPrefix("CFG_PRESET").Load(&cfg))
	assert.Equal(t, ":9999", cfg.Listen)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := testutil.TempConfigFile(t, `
listen: ":7000"
debug: true
trusted_ips: [10.0.0.1, 10.0.0.2]
upstream:
  issuer: https://idp.test/realms/a
  fetch_timeout: 2s
`, ".yaml")

	var cfg serverConfig
	require.NoError(t, New().WithEnvPrefix("CFG_YAML").WithFile(path).Load(&cfg))
	assert.Equal(t, ":7000", cfg.Listen)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.TrustedIPs)
	assert.Equal(t, "https://idp.test/realms/a", cfg.Upstream.Issuer)
	assert.Equal(t, 2*time.Second, cfg.Upstream.FetchTimeout)
	assert.Equal(t, int32(64), cfg.MaxConns, "defaults fill what the file omits")
}

func TestLoad_JSONFile(t *testing.T) {
	path := testutil.TempConfigFile(t, `{"listen":":7100","upstream":{"issuer":"https://idp.test"}}`, ".json")

	var cfg serverConfig
	require.NoError(t, New().WithEnvPrefix("CFG_JSON").WithFile(path).Load(&cfg))
	assert.Equal(t, ":7100", cfg.Listen)
	assert.Equal(t, "https://idp.test", cfg.Upstream.Issuer)
}

func TestLoad_FileErrors(t *testing.T) {
	tests := map[string]struct {
		content, ext string
	}{
		"unknown yaml key": {"listen: x\nlisten_addr: y\n", ".yaml"},
		"unknown json key": {`{"listen_addr":"y"}`, ".json"},
		"broken yaml":      {"listen: [", ".yml"},
		"broken json":      {`{"listen":`, ".json"},
		"extension":        {"listen = x", ".toml"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			path := testutil.TempConfigFile(t, tt.content, tt.ext)
			var cfg serverConfig
			testutil.AssertErrorCode(t, New().WithFile(path).Load(&cfg), sserr.CodeInternalConfiguration)
		})
	}
}

func TestLoad_EmptyYAMLFile(t *testing.T) {
	testutil.SetEnv(t, "CFG_EMPTY_UPSTREAM_ISSUER", "x")
	path := testutil.TempConfigFile(t, "", ".yaml")
	var cfg serverConfig
	require.NoError(t, New().WithEnvPrefix("CFG_EMPTY").WithFile(path).Load(&cfg))
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	testutil.SetEnv(t, "CFG_MISSING_UPSTREAM_ISSUER", "x")
	path := t.TempDir() + "/absent.yaml"

	var cfg serverConfig
	require.NoError(t, New().WithEnvPrefix("CFG_MISSING").WithFile(path).Load(&cfg))

	err := New().WithEnvPrefix("CFG_MISSING").WithRequiredFile(path).Load(&cfg)
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestLoad_DirectoryTraversal(t *testing.T) {
	t.Parallel()
	var cfg serverConfig
	err := New().WithFile("../../etc/authgate.yaml").Load(&cfg)
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := testutil.TempConfigFile(t, "listen: \":7000\"\nupstream:\n  issuer: from-file\n", ".yaml")
	testutil.SetEnv(t, "CFG_ENV_LISTEN", ":7200")
	testutil.SetEnv(t, "CFG_ENV_UPSTREAM_FETCH_TIMEOUT", "750ms")
	testutil.SetEnv(t, "CFG_ENV_TRUSTED_IPS", " 10.1.1.1 , 10.1.1.2 ")

	var cfg serverConfig
	require.NoError(t, New().WithEnvPrefix("CFG_ENV").WithFile(path).Load(&cfg))
	assert.Equal(t, ":7200", cfg.Listen)
	assert.Equal(t, "from-file", cfg.Upstream.Issuer)
	assert.Equal(t, 750*time.Millisecond, cfg.Upstream.FetchTimeout)
	assert.Equal(t, []string{"10.1.1.1", "10.1.1.2"}, cfg.TrustedIPs)
}

func TestLoad_BadEnvValues(t *testing.T) {
	for _, kv := range [][2]string{
		{"CFG_BAD_DEBUG", "maybe"},
		{"CFG_BAD_MAX_CONNS", "lots"},
		{"CFG_BAD_BODY_LIMIT", "-1"},
		{"CFG_BAD_RATIO", "half"},
		{"CFG_BAD_UPSTREAM_FETCH_TIMEOUT", "soon"},
	} {
		t.Run(kv[0], func(t *testing.T) {
			testutil.SetEnv(t, "CFG_BAD_UPSTREAM_ISSUER", "x")
			testutil.SetEnv(t, kv[0], kv[1])
			var cfg serverConfig
			testutil.AssertErrorCode(t, New().WithEnvPrefix("CFG_BAD").Load(&cfg), sserr.CodeInternalConfiguration)
		})
	}
}

func TestLoad_FlagsOverrideEverything(t *testing.T) {
	testutil.SetEnv(t, "CFG_FLAGS_LISTEN", ":7300")
	testutil.SetEnv(t, "CFG_FLAGS_UPSTREAM_ISSUER", "x")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("listen", "", "")
	fs.StringSlice("trusted-ip", nil, "")

	var cfg serverConfig
	require.NoError(t, New().WithEnvPrefix("CFG_FLAGS").WithFlags(fs).Load(&cfg))
	assert.Equal(t, ":7300", cfg.Listen, "unset flags do not override")

	require.NoError(t, fs.Parse([]string{"--listen", ":7400", "--trusted-ip", "10.2.2.2", "--trusted-ip", "10.2.2.3"}))
	cfg = serverConfig{}
	require.NoError(t, New().WithEnvPrefix("CFG_FLAGS").WithFlags(fs).Load(&cfg))
	assert.Equal(t, ":7400", cfg.Listen)
	assert.Equal(t, []string{"10.2.2.2", "10.2.2.3"}, cfg.TrustedIPs)
}

func TestLoad_Required(t *testing.T) {
	testutil.UnsetEnv(t, "CFG_REQ_UPSTREAM_ISSUER")
	var cfg serverConfig
	err := New().WithEnvPrefix("CFG_REQ").Load(&cfg)
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)
	assert.Contains(t, err.Error(), "Upstream.Issuer")
}

func TestLoad_Validator(t *testing.T) {
	testutil.SetEnv(t, "CFG_CHECK_LIMIT", "500")
	var cfg checkedConfig
	testutil.AssertErrorCode(t, New().WithEnvPrefix("CFG_CHECK").Load(&cfg), sserr.CodeValidation)

	testutil.SetEnv(t, "CFG_CHECK_LIMIT", "0")
	cfg = checkedConfig{}
	testutil.AssertErrorCode(t, New().WithEnvPrefix("CFG_CHECK").Load(&cfg), sserr.CodeInternalConfiguration,
		"coded errors pass through")

	testutil.SetEnv(t, "CFG_CHECK_LIMIT", "20")
	cfg = checkedConfig{}
	require.NoError(t, New().WithEnvPrefix("CFG_CHECK").Load(&cfg))
	assert.Equal(t, 20, cfg.Limit)
}
