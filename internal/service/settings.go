package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
)

// TokenScope is requested from the credential source for broker access
const TokenScope = "urn:outbox-relay:broker/.default"

// ConfigProvider resolves named settings at the point of use
type ConfigProvider interface {
	Get(key string) (string, error)
}

// CredentialSource hands out pre-acquired access tokens
type CredentialSource interface {
	AcquireToken(scopes []string) (string, error)
}

// BrokerConfig locates the queue publishers and consumers share
type BrokerConfig struct {
	Namespace string
	Queue     string
}

func (c BrokerConfig) Endpoint() broker.Endpoint {
	return broker.Endpoint{Namespace: c.Namespace, Queue: c.Queue}
}

// ResolveBrokerConfig reads namespace and queue. Both are required
func ResolveBrokerConfig(p ConfigProvider) (BrokerConfig, error) {
	if p == nil {
		return BrokerConfig{}, fmt.Errorf("%w: no settings provider", ErrConfiguration)
	}

	namespace, err := requiredSetting(p, config.BrokerNamespaceKey)
	if err != nil {
		return BrokerConfig{}, err
	}
	queue, err := requiredSetting(p, config.BrokerQueueKey)
	if err != nil {
		return BrokerConfig{}, err
	}

	// The domain is optional; without it the namespace must already be qualified
	domain, _ := p.Get(config.BrokerDomainKey)

	return BrokerConfig{
		Namespace: broker.NormalizeNamespace(namespace, domain),
		Queue:     queue,
	}, nil
}

// AcquireToken wraps the token handed out by src as a broker credential
func AcquireToken(src CredentialSource) (broker.TokenCredential, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no credential source", ErrConfiguration)
	}

	token, err := src.AcquireToken([]string{TokenScope})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire broker token: %w", ErrConfiguration, err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: credential source returned an empty token", ErrConfiguration)
	}

	cred, err := broker.NewStaticToken(token, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return cred, nil
}

func requiredSetting(p ConfigProvider, key string) (string, error) {
	value, err := p.Get(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: setting %s is not set or is empty", ErrConfiguration, key)
	}
	return value, nil
}
