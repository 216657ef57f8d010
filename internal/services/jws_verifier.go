package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/fredylg/ReefBuddy-sub000/pkg/logging"
)

// Transaction environments reported by StoreKit
const (
	EnvironmentProduction = "Production"
	EnvironmentSandbox    = "Sandbox"
	EnvironmentXcode      = "Xcode"
)

// TransactionPayload is the decoded StoreKit 2 signed-transaction payload.
// It is transient: decoded per verification call and never persisted
// verbatim except inside the purchase audit blob.
type TransactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	Environment           string `json:"environment"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
}

// jwsHeader is the decoded JWS protected header
type jwsHeader struct {
	Alg string   `json:"alg"`
	Kid string   `json:"kid,omitempty"`
	X5c []string `json:"x5c,omitempty"`
}

// JWSVerifier verifies StoreKit 2 signed transactions (compact JWS).
//
// SECURITY NOTE: payloads claiming the Sandbox or Xcode environment skip
// signature verification entirely and are trusted structurally. The
// environment claim itself comes from the unverified payload, so this is
// a deliberate testability trade-off that weakens verification for those
// environments. Certificate chain trust (CA validation) for x5c headers
// is also not performed.
type JWSVerifier struct {
	keyStore *AppleKeyStore
}

// NewJWSVerifier creates a verifier backed by the given key store
func NewJWSVerifier(keyStore *AppleKeyStore) *JWSVerifier {
	return &JWSVerifier{keyStore: keyStore}
}

// VerifyTransaction verifies a compact JWS token and returns its payload.
// Every failure carries a VerificationError code; an unverifiable token
// is never silently accepted.
func (v *JWSVerifier) VerifyTransaction(ctx context.Context, token string) (*TransactionPayload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, NewVerificationError(CodeMalformedToken, "expected 3 JWS segments, got %d", len(parts))
	}
	headerB64, payloadB64, signatureB64 := parts[0], parts[1], parts[2]

	headerBytes, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, NewVerificationError(CodeMalformedToken, "header is not valid base64url")
	}
	var header jwsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, NewVerificationError(CodeMalformedToken, "header is not valid JSON")
	}

	// Hard algorithm gate. Accepting anything but ES256 opens the door
	// to algorithm-confusion attacks.
	if header.Alg != "ES256" {
		return nil, NewVerificationError(CodeUnsupportedAlgorithm, "unsupported algorithm %q", header.Alg)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, NewVerificationError(CodeMalformedToken, "payload is not valid base64url")
	}
	var payload TransactionPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, NewVerificationError(CodeMalformedToken, "payload is not valid JSON")
	}

	if payload.Environment == EnvironmentSandbox || payload.Environment == EnvironmentXcode {
		// Sandbox/Xcode tokens are trusted structurally only.
		logging.Warnf("Skipping signature verification for %s environment transaction %s", payload.Environment, payload.TransactionID)
		if err := validatePayload(&payload); err != nil {
			return nil, err
		}
		return &payload, nil
	}

	publicKey, err := v.resolveKey(ctx, &header)
	if err != nil {
		return nil, err
	}

	signature, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, NewVerificationError(CodeMalformedToken, "signature is not valid base64url")
	}
	rawSig, err := normalizeSignature(signature)
	if err != nil {
		return nil, err
	}

	// The signing input is the ASCII header and payload segments joined
	// by a dot, exactly as they appeared on the wire.
	digest := sha256.Sum256([]byte(headerB64 + "." + payloadB64))
	r := new(big.Int).SetBytes(rawSig[:32])
	s := new(big.Int).SetBytes(rawSig[32:])
	if !ecdsa.Verify(publicKey, digest[:], r, s) {
		return nil, NewVerificationError(CodeSignatureInvalid, "signature verification failed")
	}

	if err := validatePayload(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// resolveKey picks the verification key from the JWS header.
// Apple sometimes sends both kid and x5c; the JWKS lookup is preferred,
// with leaf-certificate extraction as the fallback.
func (v *JWSVerifier) resolveKey(ctx context.Context, header *jwsHeader) (*ecdsa.PublicKey, error) {
	if header.Kid != "" {
		key, err := v.keyStore.GetKeyByKid(ctx, header.Kid)
		if err == nil {
			return key, nil
		}
		if len(header.X5c) == 0 {
			return nil, err
		}
		logging.Warnf("kid %q not resolvable via JWKS, falling back to x5c leaf certificate: %v", header.Kid, err)
	}

	if len(header.X5c) > 0 {
		return publicKeyFromLeafCertificate(header.X5c[0])
	}

	return nil, NewVerificationError(CodeNoVerificationMaterial, "header carries neither kid nor x5c")
}

// publicKeyFromLeafCertificate extracts the EC public key from the first
// x5c certificate. The certificate must parse cleanly; chain trust is
// not validated.
func publicKeyFromLeafCertificate(certB64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(certB64)
	if err != nil {
		return nil, NewVerificationError(CodeNoVerificationMaterial, "x5c certificate is not valid base64")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, NewVerificationError(CodeNoVerificationMaterial, "x5c certificate does not parse")
	}

	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, NewVerificationError(CodeNoVerificationMaterial, "x5c leaf does not carry a P-256 key")
	}
	return key, nil
}

// ecdsaDERSignature is the ASN.1 SEQUENCE of the two signature integers
type ecdsaDERSignature struct {
	R, S *big.Int
}

// normalizeSignature converts an ECDSA signature to raw r||s form
// (32 bytes each for P-256). Apple emits both DER and raw encodings;
// a leading SEQUENCE tag (0x30) marks DER, anything else is treated as
// already raw.
func normalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) == 0 {
		return nil, NewVerificationError(CodeSignatureInvalid, "empty signature")
	}

	if sig[0] != 0x30 {
		if len(sig) != 64 {
			return nil, NewVerificationError(CodeSignatureInvalid, "raw signature must be 64 bytes, got %d", len(sig))
		}
		return sig, nil
	}

	var parsed ecdsaDERSignature
	rest, err := asn1.Unmarshal(sig, &parsed)
	if err != nil || len(rest) != 0 {
		return nil, NewVerificationError(CodeSignatureInvalid, "DER signature does not parse")
	}
	if parsed.R.Sign() <= 0 || parsed.S.Sign() <= 0 || parsed.R.BitLen() > 256 || parsed.S.BitLen() > 256 {
		return nil, NewVerificationError(CodeSignatureInvalid, "DER signature integers out of range")
	}

	raw := make([]byte, 64)
	parsed.R.FillBytes(raw[:32])
	parsed.S.FillBytes(raw[32:])
	return raw, nil
}

// validatePayload enforces the structural requirements every accepted
// payload must meet, signed or not
func validatePayload(p *TransactionPayload) error {
	if p.TransactionID == "" || p.ProductID == "" || p.BundleID == "" {
		return NewVerificationError(CodeInvalidPayload, "payload is missing transactionId, productId or bundleId")
	}
	if p.RevocationDate != nil {
		return NewVerificationError(CodeRevoked, "transaction %s has been revoked", p.TransactionID)
	}
	return nil
}
