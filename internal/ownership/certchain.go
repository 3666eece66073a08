package ownership

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aspect-build/trustgraph/internal/logx"
)

// trustedRootIssuers are the public CA roots accepted without a self-signed
// proof. ACME issuance for dstack-style gateways runs through Let's Encrypt.
var trustedRootIssuers = []string{
	"CN=ISRG Root X1,O=Internet Security Research Group,C=US",
	"CN=ISRG Root X2,O=Internet Security Research Group,C=US",
}

var certPEMPattern = regexp.MustCompile(`(?s)-----BEGIN CERTIFICATE-----.*?-----END CERTIFICATE-----`)

// ParseCertChain extracts every certificate from a PEM bundle, leaf first.
func ParseCertChain(pemChain string) ([]*x509.Certificate, error) {
	blocks := certPEMPattern.FindAllString(pemChain, -1)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no certificates found in PEM chain")
	}
	certs := make([]*x509.Certificate, 0, len(blocks))
	for i, b := range blocks {
		block, _ := pem.Decode([]byte(b))
		if block == nil {
			return nil, fmt.Errorf("certificate %d: failed to decode PEM block", i)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// VerifyCertChain validates a leaf-first chain bottom-up: every non-root
// certificate must be signed by its successor and name it as issuer, and a
// multi-certificate chain must end in a root that either self-verifies or
// appears in the trusted issuer allow-list. The leaf must be inside its
// validity window at check time.
func VerifyCertChain(certs []*x509.Certificate, now time.Time) error {
	if len(certs) == 0 {
		return fmt.Errorf("empty certificate chain")
	}

	for i := 0; i < len(certs)-1; i++ {
		child, parent := certs[i], certs[i+1]
		if err := parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
			return fmt.Errorf("certificate %d signature not verified by certificate %d: %w", i, i+1, err)
		}
		if child.Issuer.String() != parent.Subject.String() {
			return fmt.Errorf("certificate %d issuer %q does not match certificate %d subject %q", i, child.Issuer.String(), i+1, parent.Subject.String())
		}
	}

	if len(certs) > 1 {
		root := certs[len(certs)-1]
		if !rootTrusted(root) {
			return fmt.Errorf("root not trusted: issuer %q is neither self-verified nor a known public root", root.Issuer.String())
		}
	}

	leaf := certs[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("leaf certificate outside validity window [%s, %s]", leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func rootTrusted(root *x509.Certificate) bool {
	if root.Issuer.String() == root.Subject.String() {
		if err := root.CheckSignature(root.SignatureAlgorithm, root.RawTBSCertificate, root.Signature); err == nil {
			return true
		}
	}
	for _, issuer := range trustedRootIssuers {
		if root.Issuer.String() == issuer {
			return true
		}
	}
	return false
}

// VerifyCertificateKey checks that the served certificate chain is valid and
// that its leaf public key is exactly the most recent TEE-held ACME key. The
// check runs entirely over material already in hand, so every failure mode
// is a negative verdict rather than an error.
func (c *Checker) VerifyCertificateKey(info *AcmeInfo) (bool, error) {
	certs, err := ParseCertChain(info.ActiveCert)
	if err != nil {
		logx.Warnf("ownership.certkey unparseable active chain: %v", err)
		return false, nil
	}
	if err := VerifyCertChain(certs, c.now()); err != nil {
		logx.Warnf("ownership.certkey invalid active chain: %v", err)
		return false, nil
	}

	currentKey, ok := info.CurrentKey()
	if !ok {
		logx.Warnf("ownership.certkey acme info carries no historical keys")
		return false, nil
	}
	wantSPKI, err := hex.DecodeString(strings.TrimPrefix(currentKey, "0x"))
	if err != nil {
		logx.Warnf("ownership.certkey malformed current acme key %q: %v", currentKey, err)
		return false, nil
	}
	if !bytes.Equal(certs[0].RawSubjectPublicKeyInfo, wantSPKI) {
		logx.Warnf("ownership.certkey leaf public key does not match the current acme key")
		return false, nil
	}
	return true, nil
}
