package alert

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// SMTPConfig is read from ALERT_SMTP_* variables. Alerts are emailed only
// when a host and at least one recipient are set.
type SMTPConfig struct {
	Host          string   `env:"ALERT_SMTP_HOST"`
	Port          string   `env:"ALERT_SMTP_PORT" envDefault:"587"`
	Username      string   `env:"ALERT_SMTP_USERNAME"`
	Password      string   `env:"ALERT_SMTP_PASSWORD"`
	From          string   `env:"ALERT_SMTP_FROM" envDefault:"cobro@localhost"`
	To            []string `env:"ALERT_SMTP_TO" envSeparator:","`
	SubjectPrefix string   `env:"ALERT_SUBJECT_PREFIX" envDefault:"[cobro]"`
}

func (c SMTPConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != "" && len(c.recipients()) > 0
}

func (c SMTPConfig) recipients() []string {
	out := make([]string, 0, len(c.To))
	for _, to := range c.To {
		if to = strings.TrimSpace(to); to != "" {
			out = append(out, to)
		}
	}
	return out
}

func LoadSMTPConfig() (SMTPConfig, error) {
	return env.ParseAs[SMTPConfig]()
}
