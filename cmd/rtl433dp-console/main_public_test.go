package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/milan604/rtl433dp-console/pkg/version"
)

type CommandPublicTestSuite struct {
	suite.Suite
	dir string
}

func (s *CommandPublicTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *CommandPublicTestSuite) execute(args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (s *CommandPublicTestSuite) writeConfig(body string) string {
	path := filepath.Join(s.dir, "console.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
api:
  base_url: https://api.rtl433dp.test
oidc:
  authority: https://id.rtl433dp.test/realms/ops
  client_id: console
  client_secret: s3cret
  redirect_uri: https://console.rtl433dp.test/auth/callback
  post_logout_redirect_uri: https://console.rtl433dp.test/login
`

func (s *CommandPublicTestSuite) TestVersion() {
	out, err := s.execute("version", "--json")
	s.Require().NoError(err)

	var info version.Info
	s.Require().NoError(json.Unmarshal([]byte(out), &info))
	s.Equal(version.Version, info.Version)
	s.NotEmpty(info.Go)

	out, err = s.execute("version")
	s.Require().NoError(err)
	s.Contains(out, "rtl433dp-console "+version.Version)
}

func (s *CommandPublicTestSuite) TestConfigPrint() {
	path := s.writeConfig(validConfig)
	s.T().Setenv("RTL433DP_SERVICE_PORT", "9443")

	tests := []struct {
		name     string
		args     []string
		contains []string
		absent   []string
	}{
		{
			name:     "secrets redacted",
			args:     []string{"config", "print", "-c", path},
			contains: []string{"oidc.client_secret = ***REDACTED***", "oidc.client_id = console", "service.port = 9443", "session.cookie_name = rtl433dp_session"},
			absent:   []string{"s3cret"},
		},
		{
			name:     "revealed on request",
			args:     []string{"config", "print", "-c", path, "--reveal", "--validate"},
			contains: []string{"oidc.client_secret = s3cret"},
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			out, err := s.execute(tt.args...)
			s.Require().NoError(err)
			for _, want := range tt.contains {
				s.Contains(out, want)
			}
			for _, unwanted := range tt.absent {
				s.NotContains(out, unwanted)
			}
		})
	}
}

func (s *CommandPublicTestSuite) TestInvalidConfiguration() {
	tests := []struct {
		name string
		args []string
	}{
		{"print validation", []string{"config", "print", "--validate"}},
		{"serve refuses to start", []string{"serve"}},
		{"missing file", []string{"config", "print", "-c", filepath.Join(s.dir, "absent.yaml")}},
		{"half tls pair", []string{"serve", "-c", s.writeConfig(validConfig), "--tls-cert", "cert.pem", "--service.port", "1"}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.execute(tt.args...)
			s.Error(err)
		})
	}
}

func (s *CommandPublicTestSuite) TestOnlyChangedFlagsOverride() {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	fs.Int("service.port", 0, "")
	fs.String("log.level", "", "")
	s.Require().NoError(fs.Parse([]string{"--log.level=debug"}))

	path := s.writeConfig(validConfig + "service:\n  port: 7000\n")
	cfg, err := loadConfig(path, onlyChanged(fs))
	s.Require().NoError(err)

	settings, err := cfg.Settings()
	s.Require().NoError(err)
	s.Equal(7000, settings.Service.Port)
	s.Equal("debug", settings.Log.Level)
}

func TestCommandPublicTestSuite(t *testing.T) {
	suite.Run(t, new(CommandPublicTestSuite))
}
