package tls

import (
	"crypto/tls"
	"path/filepath"
	"testing"
)

func generateTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	if err := GenerateSelfSignedCert(certFile, keyFile, "pipelined", "10.0.0.5", "pipeline.internal"); err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	return certFile, keyFile
}

func TestServerConfigFromGeneratedCert(t *testing.T) {
	certFile, keyFile := generateTestCert(t)

	cfg, err := ServerConfig(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("client certs should not be required without a client CA")
	}
}

func TestServerConfigRequiresClientCertWithCA(t *testing.T) {
	certFile, keyFile := generateTestCert(t)

	// The self-signed cert doubles as the client CA for this test.
	cfg, err := ServerConfig(certFile, keyFile, certFile)
	if err != nil {
		t.Fatalf("ServerConfig with client CA failed: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Error("expected client certificates to be required")
	}
	if cfg.ClientCAs == nil {
		t.Error("expected client CA pool to be set")
	}
}

func TestClientConfigWithCustomCA(t *testing.T) {
	certFile, keyFile := generateTestCert(t)

	cfg, err := ClientConfig(certFile, "", "")
	if err != nil {
		t.Fatalf("ClientConfig failed: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("expected custom root pool")
	}

	// Mutual TLS client.
	cfg, err = ClientConfig(certFile, certFile, keyFile)
	if err != nil {
		t.Fatalf("ClientConfig with client cert failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected client certificate loaded, got %d", len(cfg.Certificates))
	}
}

func TestServerConfigMissingFiles(t *testing.T) {
	if _, err := ServerConfig("/nonexistent.crt", "/nonexistent.key", ""); err == nil {
		t.Error("expected error for missing cert files")
	}
}
