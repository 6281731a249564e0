package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/youmark/pkcs8"
)

var (
	ErrNoTrustMaterial = errors.New("no certificate or key configured")
	ErrNoPassphrase    = errors.New("key is encrypted and tls.keyPassphrase is empty")
)

const encryptedKeyType = "ENCRYPTED PRIVATE KEY"

func (t *TLSConfig) loadCertificate() (tls.Certificate, error) {
	if t.Cert == "" || t.Key == "" {
		return tls.Certificate{}, ErrNoTrustMaterial
	}
	certPEM, err := os.ReadFile(t.Cert)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(t.Key)
	if err != nil {
		return tls.Certificate{}, err
	}
	if keyPEM, err = t.decryptKey(keyPEM); err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypting %s: %w", t.Key, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading key pair %s / %s: %w", t.Cert, t.Key, err)
	}
	return cert, nil
}

// decryptKey turns an encrypted PKCS#8 key into a plain one. Other keys are returned as is.
func (t *TLSConfig) decryptKey(keyPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != encryptedKeyType {
		return keyPEM, nil
	}
	if t.KeyPassphrase == "" {
		return nil, ErrNoPassphrase
	}

	key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(t.KeyPassphrase))
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func (t *TLSConfig) loadPool() (*x509.CertPool, error) {
	if t.CA == "" {
		return nil, nil
	}
	data, err := os.ReadFile(t.CA)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", t.CA)
	}
	return pool, nil
}

// ServerTLS builds the hub's TLS configuration. With ClientAuth set, peers must present a certificate
// signed by the CA bundle.
func (t *TLSConfig) ServerTLS() (*tls.Config, error) {
	cert, err := t.loadCertificate()
	if err != nil {
		return nil, err
	}
	pool, err := t.loadPool()
	if err != nil {
		return nil, err
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if t.ClientAuth {
		if pool == nil {
			return nil, fmt.Errorf("%w: tls.clientAuth requires tls.ca", ErrInvalidConfig)
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// ClientTLS builds a peer's TLS configuration. The client certificate is optional.
func (t *TLSConfig) ClientTLS(serverName string) (*tls.Config, error) {
	pool, err := t.loadPool()
	if err != nil {
		return nil, err
	}

	conf := &tls.Config{
		RootCAs:            pool,
		ServerName:         serverName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if t.ServerName != "" {
		conf.ServerName = t.ServerName
	}

	cert, err := t.loadCertificate()
	switch {
	case err == nil:
		conf.Certificates = []tls.Certificate{cert}
	case errors.Is(err, ErrNoTrustMaterial):
	default:
		return nil, err
	}
	return conf, nil
}

// GenerateDevCertificate writes a self-signed certificate and key to the configured paths. The certificate
// is its own CA, so pointing tls.ca at tls.cert lets hub and peers verify each other.
func (t *TLSConfig) GenerateDevCertificate(hosts []string, validFor time.Duration) error {
	if t.Cert == "" || t.Key == "" {
		return ErrNoTrustMaterial
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"ensock dev"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	keyType := "EC PRIVATE KEY"
	keyDer, err := x509.MarshalECPrivateKey(priv)
	if t.KeyPassphrase != "" {
		keyType = encryptedKeyType
		keyDer, err = pkcs8.MarshalPrivateKey(priv, []byte(t.KeyPassphrase), nil)
	}
	if err != nil {
		return err
	}

	if err := writePEM(t.Cert, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err := writePEM(t.Key, keyType, keyDer, 0600); err != nil {
		return err
	}

	log.Infof("Generated self-signed certificate %s for %v", t.Cert, hosts)
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), perm)
}
