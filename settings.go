package main

import (
	"fmt"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	sipPort        int
	sipPortRange   int
	publicAddress  string
	idURI          string
	registrar      string
	registerExpiry int
	inviteTimeout  int

	tokenURL     string
	identity     string
	bearerToken  string
	tokenRetries int

	disconnectTimeout int
	autoAnswer        bool
	selectRate        float64

	directory map[string]string

	metricsListen string
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("sip")
	s.sipPort = sec.Key("port").MustInt(5060)
	s.sipPortRange = sec.Key("port_range").MustInt(0)
	s.publicAddress = sec.Key("public_address").String()
	s.idURI = sec.Key("id_uri").MustString("sip:localhost")
	s.registrar = sec.Key("registrar").String()
	s.registerExpiry = sec.Key("register_expiry").MustInt(300)
	s.inviteTimeout = sec.Key("invite_timeout").MustInt(45)

	sec = cfg.Section("voice")
	s.tokenURL = sec.Key("token_url").String()
	s.identity = sec.Key("identity").String()
	s.bearerToken = sec.Key("bearer_token").String()
	s.tokenRetries = sec.Key("token_retries").MustInt(3)

	sec = cfg.Section("call")
	s.disconnectTimeout = sec.Key("disconnect_timeout").MustInt(10)
	s.autoAnswer = sec.Key("auto_answer").MustBool(false)
	s.selectRate = sec.Key("select_rate").MustFloat64(4)

	s.directory = make(map[string]string)
	for _, key := range cfg.Section("directory").Keys() {
		s.directory[key.Name()] = key.String()
	}

	s.metricsListen = cfg.Section("metrics").Key("listen").String()

	if s.registrar == "" {
		return nil, fmt.Errorf("sip registrar must be set")
	}
	if s.tokenURL == "" {
		return nil, fmt.Errorf("voice token_url must be set")
	}
	if s.identity == "" {
		s.identity = identityFromURI(s.idURI)
	}
	if s.publicAddress == "" {
		ip, err := detectHostIP(uriHost(s.registrar))
		if err != nil {
			return nil, fmt.Errorf("public_address not set: %w", err)
		}
		s.publicAddress = ip
	}

	return s, nil
}

// identityFromURI returns the user part of a sip uri.
func identityFromURI(uri string) string {
	uri = strings.TrimPrefix(strings.TrimPrefix(uri, "sips:"), "sip:")
	if i := strings.IndexByte(uri, '@'); i >= 0 {
		return uri[:i]
	}
	return ""
}

func (s *Settings) SIPPort() int          { return s.sipPort }
func (s *Settings) SIPPortRange() int     { return s.sipPortRange }
func (s *Settings) PublicAddress() string { return s.publicAddress }
func (s *Settings) IDURI() string         { return s.idURI }
func (s *Settings) Registrar() string     { return s.registrar }

func (s *Settings) RegisterExpiry() time.Duration {
	return time.Duration(s.registerExpiry) * time.Second
}

func (s *Settings) InviteTimeout() time.Duration {
	return time.Duration(s.inviteTimeout) * time.Second
}

func (s *Settings) TokenURL() string    { return s.tokenURL }
func (s *Settings) Identity() string    { return s.identity }
func (s *Settings) BearerToken() string { return s.bearerToken }
func (s *Settings) TokenRetries() int   { return s.tokenRetries }

func (s *Settings) DisconnectTimeout() time.Duration {
	return time.Duration(s.disconnectTimeout) * time.Second
}

func (s *Settings) AutoAnswer() bool    { return s.autoAnswer }
func (s *Settings) SelectRate() float64 { return s.selectRate }

// Directory returns the configured dial names.
func (s *Settings) Directory() map[string]string { return s.directory }

func (s *Settings) MetricsListen() string { return s.metricsListen }
