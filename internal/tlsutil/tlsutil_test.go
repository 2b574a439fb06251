package tlsutil

import "testing"

func TestNewWithNoConfigHasNoTLS(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.HasTLS() {
		t.Fatal("expected HasTLS false for empty config")
	}
	if m.TLSConfig() != nil {
		t.Fatal("expected nil TLSConfig for empty config")
	}
	if m.CertManager() != nil {
		t.Fatal("expected nil CertManager outside AutoTLS mode")
	}
}

func TestNewWithMissingCertFileFails(t *testing.T) {
	_, err := New(Config{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	if err == nil {
		t.Fatal("expected error loading a missing certificate pair")
	}
}

func TestNewWithAutoTLSBuildsCertManager(t *testing.T) {
	m, err := New(Config{AutoTLS: true, Hostname: "relay.example.com", CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !m.HasTLS() {
		t.Fatal("expected HasTLS true in AutoTLS mode")
	}
	if m.CertManager() == nil {
		t.Fatal("expected non-nil CertManager in AutoTLS mode")
	}
	if m.TLSConfig().GetCertificate == nil {
		t.Fatal("expected autocert-backed GetCertificate")
	}
}
