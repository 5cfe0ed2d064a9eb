package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// tokenUser is the SASL PLAIN user name sent with bearer tokens; brokers validating
	// tokens ignore it
	tokenUser = "token"

	dialTimeout       = 10 * time.Second
	heartbeatInterval = 10 * time.Second
)

// Endpoint names one queue on one broker namespace
type Endpoint struct {
	Namespace string
	Queue     string
}

// DeadLetterQueue is the holding queue for messages that will never be processed
func (e Endpoint) DeadLetterQueue() string {
	return e.Queue + ".deadletter"
}

// NormalizeNamespace turns a bare namespace ("orders") into a fully qualified host
// by appending domain. Qualified hosts and URLs are returned unchanged
func NormalizeNamespace(namespace, domain string) string {
	namespace = strings.TrimSpace(namespace)
	domain = strings.Trim(strings.TrimSpace(domain), ".")
	if namespace == "" || domain == "" {
		return namespace
	}
	if strings.Contains(namespace, "://") || strings.Contains(namespace, ".") || strings.Contains(namespace, ":") {
		return namespace
	}
	return namespace + "." + domain
}

// URL is the AMQP URI for the namespace. Bare hosts get TLS; explicit amqp:// is kept
func (e Endpoint) URL() string {
	ns := strings.TrimSpace(e.Namespace)
	if strings.HasPrefix(ns, "amqp://") || strings.HasPrefix(ns, "amqps://") {
		return ns
	}
	return "amqps://" + strings.TrimSuffix(ns, "/") + "/"
}

// Dial connects to the endpoint presenting the credential's bearer token as the SASL password
func Dial(ctx context.Context, e Endpoint, cred TokenCredential) (*amqp.Connection, error) {
	if strings.TrimSpace(e.Namespace) == "" || strings.TrimSpace(e.Queue) == "" {
		return nil, fmt.Errorf("broker endpoint requires namespace and queue")
	}

	token, err := cred.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get broker token: %w", err)
	}
	if token.Token == "" {
		return nil, ErrInvalidCredential
	}
	if !token.Valid(time.Now()) {
		return nil, ErrTokenExpired
	}

	url := e.URL()
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("invalid broker namespace %q: %w", e.Namespace, err)
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: tokenUser, Password: token.Token}},
		Heartbeat: heartbeatInterval,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", e.Namespace, err)
	}
	return conn, nil
}
