package rabbitmq

import (
	"fmt"
	"net/url"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpkit/contracts"
)

// ParseURL parses an amqp:// or amqps:// URL into an Endpoint. Fields the
// URL does not carry keep their contracts defaults.
func ParseURL(raw string) (contracts.Endpoint, error) {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return contracts.Endpoint{}, fmt.Errorf("parse %s: %w", SanitizeURL(raw), err)
	}
	ep := contracts.Endpoint{
		Host:     uri.Host,
		Port:     uri.Port,
		Username: uri.Username,
		Password: uri.Password,
		VHost:    uri.Vhost,
		TLS:      uri.Scheme == "amqps",
	}
	return ep.WithDefaults(), nil
}

// URL renders an Endpoint as a connection URL.
func URL(ep contracts.Endpoint) string {
	scheme := "amqp"
	if ep.TLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   ep.Host + ":" + strconv.Itoa(ep.Port),
		Path:   "/" + ep.VHost,
	}
	if ep.VHost == "/" {
		u.Path = "/"
	}
	if ep.Username != "" {
		u.User = url.UserPassword(ep.Username, ep.Password)
	}
	return u.String()
}
