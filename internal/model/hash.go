package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainBinding      = "eldertree/binding/v1"
	DomainSignature    = "eldertree/signature/v1"
	DomainEntanglement = "eldertree/entanglement/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BindingID computes a content-addressed id for a binding between a and b.
// The pair is order-independent; nonce separates re-creations of the same pair.
func BindingID(a, b string, ct ConnectionType, nonce string) (string, error) {
	pair := []string{a, b}
	slices.Sort(pair)
	canonical, err := MarshalCanonical(map[string]any{
		"nodes": pair,
		"type":  ct.String(),
		"nonce": nonce,
	})
	if err != nil {
		return "", fmt.Errorf("BindingID: failed to marshal: %w", err)
	}
	return "bind-" + hashWithDomain(DomainBinding, canonical)[:24], nil
}

// Signature computes the opaque signature token of a binding from the
// endpoints' binding tokens.
func Signature(bindingID, tokenA, tokenB string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"binding": bindingID,
		"tokens":  []string{tokenA, tokenB},
	})
	if err != nil {
		return "", fmt.Errorf("Signature: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSignature, canonical), nil
}

// EntanglementSignature computes the shared token written to both nodes of a
// QuantumEntangled binding.
func EntanglementSignature(bindingID, a, b, nonce string) (string, error) {
	pair := []string{a, b}
	slices.Sort(pair)
	canonical, err := MarshalCanonical(map[string]any{
		"binding": bindingID,
		"nodes":   pair,
		"nonce":   nonce,
	})
	if err != nil {
		return "", fmt.Errorf("EntanglementSignature: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEntanglement, canonical), nil
}
