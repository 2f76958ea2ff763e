// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsctx builds the pair of TLS configurations a Session needs to
// terminate the client-facing connection and re-originate a TLS connection
// to the upstream database.
package tlsctx

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// certValidity mirrors the one-year lifetime of the self-signed certificate
// generated by the original SharedSSLContext.
const certValidity = 365 * 24 * time.Hour

// Pair holds the two long-lived TLS configurations shared by every Session:
// ServerConfig terminates the client-facing handshake with a self-signed
// certificate, ClientConfig dials the upstream database without verifying
// its certificate (the upstream is trusted implicitly, matching the
// original's verify_none client context).
type Pair struct {
	ServerConfig *tls.Config
	ClientConfig *tls.Config
}

// New builds a Pair once at startup. The pair is safe for concurrent use by
// every Session for the lifetime of the process.
func New() (*Pair, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}

	return &Pair{
		ServerConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			CipherSuites: serverCipherSuites,
		},
		ClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // upstream identity is not verified, matching the bridged original
		},
	}, nil
}

// serverCipherSuites approximates the original's OpenSSL cipher string
// "DEFAULT:!aNULL:!eNULL:!MD5:!3DES:!DES:!RC4:!IDEA" with Go's TLS 1.2 AEAD
// suite list; crypto/tls never offers null, MD5, RC4 or 3DES suites so the
// exclusions are automatic and only the modern AEAD suites need listing.
var serverCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
}

// selfSignedCert generates an ephemeral RSA-2048 certificate with CN=localhost,
// valid for one year and SHA-256 signed, mirroring
// SharedSSLContext::setup_server_context.
func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
