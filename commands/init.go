package commands

import (
	"context"
	"ensock/config"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// RunInit writes a default config and, unless certificates already exist, a self-signed development
// certificate that hub and peers can share as their CA.
func RunInit(ctx context.Context, cfg *config.Config, hosts []string, withCert bool) {
	if withCert {
		if err := cfg.TLS.GenerateDevCertificate(hosts, 365*24*time.Hour); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		cfg.TLS.CA = cfg.TLS.Cert
		cfg.TLS.ServerName = hosts[0]
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	log.Infof("Wrote %s", cfg.File())
}
