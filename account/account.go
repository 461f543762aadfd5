package account

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"agent-sentinel/logger"
)

// Account represents an agent identity in the sentinel mesh. Every vote,
// evidence item and endorsement is signed by the submitting agent's key.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
	Address    string
}

// New creates a new account with a generated key pair
func New() (*Account, error) {
	logger.L.Debug("Creating new agent identity key pair")
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		logger.L.WithError(err).Error("Failed to generate agent private key")
		return nil, fmt.Errorf("failed to generate private key: %v", err)
	}

	account := &Account{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}
	account.Address = account.generateAddress()
	logger.L.WithField("address", account.Address).Info("New agent identity created")

	return account, nil
}

// LoadFromFile loads an account from a PEM file
func LoadFromFile(filePath string) (*Account, error) {
	logger.L.WithField("file", filePath).Debug("Loading agent identity from key file")
	data, err := os.ReadFile(filePath)
	if err != nil {
		logger.L.WithFields(logger.Fields{
			"file":  filePath,
			"error": err,
		}).Error("Failed to read agent private key file")
		return nil, fmt.Errorf("failed to read private key file: %v", err)
	}

	return LoadFromPEM(string(data))
}

// LoadFromPEM loads an account from a PEM string
func LoadFromPEM(privateKeyPEM string) (*Account, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		logger.L.Error("Failed to decode PEM block for agent identity")
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		logger.L.WithError(err).Error("Failed to parse agent private key")
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	account := &Account{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}
	account.Address = account.generateAddress()
	logger.L.WithField("address", account.Address).Info("Loaded agent identity from PEM data")

	return account, nil
}

// generateAddress derives the agent address from the public key
func (a *Account) generateAddress() string {
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(a.PublicKey)
	if err != nil {
		logger.L.WithError(err).Error("Failed to marshal public key for address derivation")
		return "error-generating-address"
	}

	hash := sha256.Sum256(publicKeyBytes)
	return hex.EncodeToString(hash[:20])
}

// SaveToFile saves the private key to a file
func (a *Account) SaveToFile(filePath string) error {
	keyPEM, err := a.ExportPrivateKeyPEM()
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.L.WithFields(logger.Fields{
			"directory": dir,
			"error":     err,
		}).Error("Failed to create directory for agent key storage")
		return fmt.Errorf("failed to create directory: %v", err)
	}

	if err := os.WriteFile(filePath, []byte(keyPEM), 0600); err != nil {
		logger.L.WithFields(logger.Fields{
			"file":  filePath,
			"error": err,
		}).Error("Failed to write agent identity key to file")
		return err
	}

	logger.L.WithField("file", filePath).Info("Saved agent identity to file")
	return nil
}

// ExportPrivateKeyPEM exports the private key as a PEM string
func (a *Account) ExportPrivateKeyPEM() (string, error) {
	privateKeyBytes, err := x509.MarshalECPrivateKey(a.PrivateKey)
	if err != nil {
		logger.L.WithError(err).Error("Failed to marshal agent private key")
		return "", fmt.Errorf("failed to marshal private key: %v", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	return string(privateKeyPEM), nil
}

// ExportPublicKeyPEM exports the public key as a PEM string so peers can
// verify this agent's signatures without holding the private key.
func (a *Account) ExportPublicKeyPEM() (string, error) {
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(a.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %v", err)
	}

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return string(publicKeyPEM), nil
}

// ParsePublicKeyPEM parses a peer's public key from its PEM form
func ParsePublicKeyPEM(publicKeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %v", err)
	}

	publicKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}

	return publicKey, nil
}

// Sign signs a message with the private key
func (a *Account) Sign(message []byte) ([]byte, error) {
	logger.L.WithFields(logger.Fields{
		"address":      a.Address,
		"messageBytes": len(message),
	}).Debug("Signing message")

	messageHash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, a.PrivateKey, messageHash[:])
	if err != nil {
		logger.L.WithError(err).Error("Failed to sign message")
		return nil, fmt.Errorf("failed to sign message: %v", err)
	}

	// Fixed-width encoding so the halves can be split on verification
	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])

	return signature, nil
}

// VerifySignature verifies a signature against a message
func (a *Account) VerifySignature(message, signature []byte) bool {
	return VerifySignatureByPublicKey(a.PublicKey, message, signature)
}

// VerifySignatureByPublicKey verifies a signature using a peer's public key
func VerifySignatureByPublicKey(publicKey *ecdsa.PublicKey, message, signature []byte) bool {
	messageHash := sha256.Sum256(message)

	signatureLen := len(signature)
	if signatureLen == 0 || signatureLen%2 != 0 {
		logger.L.WithField("signatureBytes", signatureLen).Warn("Invalid signature length during verification")
		return false
	}

	r := new(big.Int).SetBytes(signature[:signatureLen/2])
	s := new(big.Int).SetBytes(signature[signatureLen/2:])

	valid := ecdsa.Verify(publicKey, messageHash[:], r, s)
	if !valid {
		logger.L.Warn("Signature verification failed")
	}

	return valid
}
