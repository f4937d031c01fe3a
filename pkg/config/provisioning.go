package config

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/ini.v1"
)

// SecurityInstance seeds one Security Object (id 0) instance.
type SecurityInstance struct {
	SSID            uint16
	ServerURI       string
	IsBootstrap     bool
	SecurityMode    uint8
	PublicKey       []byte
	ServerPublicKey []byte
	SecretKey       []byte
}

// ServerInstance seeds one Server Object (id 1) instance. Fields map to
// the resources named in spec §6: lifetime(1), default pmin/pmax(2,3),
// disable timeout(5), notification storing(6), bootstrap-on-
// registration-failure(16), retry count/timer/seq-delay/seq-retry
// (17-20), mute send(23), default notification mode(26).
type ServerInstance struct {
	SSID                           uint16
	Lifetime                       uint32
	DefaultMinPeriod               uint32
	DefaultMaxPeriod               uint32
	DisableTimeout                 uint32
	NotificationStoring            bool
	Binding                        string
	BootstrapOnRegistrationFailure bool
	RetryCount                     uint32
	RetryTimerS                    uint32
	SeqDelayTimerS                 uint32
	SeqRetryCount                  uint32
	MuteSend                       bool
	DefaultNotificationMode        uint8
}

// Provisioning is the parsed result of a provisioning file: the initial
// Security/Server Object instance pairs a host loads before any
// bootstrap or registration attempt.
type Provisioning struct {
	Security []SecurityInstance
	Server   []ServerInstance
}

var instanceSectionRe = regexp.MustCompile(`^(security|server)(\d+)$`)

// LoadProvisioningFile parses an INI-formatted provisioning file of
// initial Security/Server Object instances, grounded on the teacher's
// od_parser.go ini.Load/section-matching style (there applied to EDS
// object-dictionary sections, here to LwM2M object instances).
func LoadProvisioningFile(pathOrBytes any) (*Provisioning, error) {
	f, err := ini.Load(pathOrBytes)
	if err != nil {
		return nil, fmt.Errorf("config: load provisioning file: %w", err)
	}

	p := &Provisioning{}
	for _, section := range f.Sections() {
		m := instanceSectionRe.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		switch m[1] {
		case "security":
			inst, err := parseSecuritySection(section)
			if err != nil {
				return nil, fmt.Errorf("config: section %s: %w", section.Name(), err)
			}
			p.Security = append(p.Security, inst)
		case "server":
			inst, err := parseServerSection(section)
			if err != nil {
				return nil, fmt.Errorf("config: section %s: %w", section.Name(), err)
			}
			p.Server = append(p.Server, inst)
		}
	}
	return p, nil
}

func parseSecuritySection(s *ini.Section) (SecurityInstance, error) {
	ssid, err := s.Key("ssid").Uint()
	if err != nil {
		return SecurityInstance{}, fmt.Errorf("ssid: %w", err)
	}
	mode, _ := strconv.ParseUint(s.Key("security_mode").MustString("3"), 10, 8)
	return SecurityInstance{
		SSID:         uint16(ssid),
		ServerURI:    s.Key("server_uri").String(),
		IsBootstrap:  s.Key("is_bootstrap").MustBool(false),
		SecurityMode: uint8(mode),
		PublicKey:    []byte(s.Key("public_key").String()),
		ServerPublicKey: []byte(s.Key("server_public_key").String()),
		SecretKey:    []byte(s.Key("secret_key").String()),
	}, nil
}

func parseServerSection(s *ini.Section) (ServerInstance, error) {
	ssid, err := s.Key("ssid").Uint()
	if err != nil {
		return ServerInstance{}, fmt.Errorf("ssid: %w", err)
	}
	return ServerInstance{
		SSID:                           uint16(ssid),
		Lifetime:                       uint32(s.Key("lifetime").MustUint(86400)),
		DefaultMinPeriod:               uint32(s.Key("default_min_period").MustUint(0)),
		DefaultMaxPeriod:               uint32(s.Key("default_max_period").MustUint(0)),
		DisableTimeout:                 uint32(s.Key("disable_timeout").MustUint(86400)),
		NotificationStoring:            s.Key("notification_storing").MustBool(true),
		Binding:                        s.Key("binding").MustString("U"),
		BootstrapOnRegistrationFailure: s.Key("bootstrap_on_registration_failure").MustBool(false),
		RetryCount:                     uint32(s.Key("retry_count").MustUint(1)),
		RetryTimerS:                    uint32(s.Key("retry_timer").MustUint(60)),
		SeqDelayTimerS:                 uint32(s.Key("seq_delay_timer").MustUint(86400)),
		SeqRetryCount:                  uint32(s.Key("seq_retry_count").MustUint(1)),
		MuteSend:                       s.Key("mute_send").MustBool(false),
		DefaultNotificationMode:        uint8(s.Key("default_notification_mode").MustUint(1)),
	}, nil
}
