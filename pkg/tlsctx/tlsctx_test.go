// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlsctx

import (
	"crypto/x509"
	"testing"
)

func TestNewProducesUsablePair(t *testing.T) {
	pair, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	if len(pair.ServerConfig.Certificates) != 1 {
		t.Fatalf("expected exactly one server certificate, got %d", len(pair.ServerConfig.Certificates))
	}

	leaf, err := x509.ParseCertificate(pair.ServerConfig.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse generated certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("expected CN=localhost, got %q", leaf.Subject.CommonName)
	}

	if !leaf.NotAfter.After(leaf.NotBefore) {
		t.Errorf("expected NotAfter after NotBefore")
	}

	if !pair.ClientConfig.InsecureSkipVerify {
		t.Errorf("expected client config to skip upstream verification")
	}
}

func TestNewGeneratesDistinctKeysPerCall(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	certA := a.ServerConfig.Certificates[0].Certificate[0]
	certB := b.ServerConfig.Certificates[0].Certificate[0]

	if string(certA) == string(certB) {
		t.Errorf("expected distinct ephemeral certificates across calls")
	}
}
