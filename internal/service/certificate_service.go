package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/model"
	"xray-control/internal/security"

	"gorm.io/gorm"
)

const clientCertValidity = 10 * 365 * 24 * time.Hour

// CertificateService owns the client certificate the master presents to
// node agents.
type CertificateService struct {
	db *gorm.DB
}

func NewCertificateService(db *gorm.DB) *CertificateService {
	return &CertificateService{db: db}
}

type CertificateInfo struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	ExpiresAt time.Time `json:"expires_at"`
	DaysLeft  int       `json:"days_left"`
	IsValid   bool      `json:"is_valid"`
	PEM       string    `json:"pem"`
}

// ClientCertificate returns the master's client key pair and its PEM. A
// pair configured on disk wins; otherwise the stored pair is used, and one
// is generated and stored on first use.
func (s *CertificateService) ClientCertificate(ctx context.Context, certFile, keyFile string) (*tls.Certificate, string, error) {
	if certFile != "" && keyFile != "" {
		cert, err := security.LoadCertificateFromFile(certFile, keyFile)
		if err != nil {
			return nil, "", err
		}
		certPEM, err := os.ReadFile(certFile)
		if err != nil {
			return nil, "", fmt.Errorf("read client certificate: %w", err)
		}
		return cert, string(certPEM), nil
	}

	var row model.TLS
	err := s.db.WithContext(ctx).Order("id").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		certPEM, keyPEM, genErr := security.GenerateSelfSigned("xray-control master", nil, clientCertValidity)
		if genErr != nil {
			return nil, "", genErr
		}
		row = model.TLS{Certificate: string(certPEM), Key: string(keyPEM)}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, "", err
		}
		logger.Notice("generated master client certificate")
	} else if err != nil {
		return nil, "", err
	}

	cert, err := tls.X509KeyPair([]byte(row.Certificate), []byte(row.Key))
	if err != nil {
		return nil, "", fmt.Errorf("stored client certificate: %w", err)
	}
	return &cert, row.Certificate, nil
}

// Info describes a PEM certificate.
func (s *CertificateService) Info(certPEM string, now time.Time) (*CertificateInfo, error) {
	parsed, err := security.ParseCertificate([]byte(certPEM))
	if err != nil {
		return nil, err
	}
	return &CertificateInfo{
		Subject:   parsed.Subject.String(),
		Issuer:    parsed.Issuer.String(),
		ExpiresAt: parsed.NotAfter,
		DaysLeft:  int(parsed.NotAfter.Sub(now).Hours() / 24),
		IsValid:   now.After(parsed.NotBefore) && now.Before(parsed.NotAfter),
		PEM:       certPEM,
	}, nil
}
