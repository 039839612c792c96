package message

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// DefaultPort порт SIP по умолчанию для TCP и UDP
const DefaultPort = 5060

// ParseURI разбирает SIP URI вида sip:user@host:port;params
func ParseURI(s string) (sip.Uri, error) {
	var uri sip.Uri
	s = strings.TrimSpace(s)
	if s == "" {
		return uri, fmt.Errorf("%w: empty", ErrInvalidURI)
	}
	if err := sip.ParseUri(s, &uri); err != nil {
		return uri, fmt.Errorf("%w: %s: %v", ErrInvalidURI, s, err)
	}
	if uri.Host == "" {
		return uri, fmt.Errorf("%w: %s: missing host", ErrInvalidURI, s)
	}
	if uri.Scheme == "" {
		uri.Scheme = "sip"
	}
	return uri, nil
}

// MustParseURI как ParseURI, но паникует при ошибке. Для тестов и констант.
func MustParseURI(s string) sip.Uri {
	uri, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return uri
}

// UserURI создает URI пользователя user на хосте host
func UserURI(user, host string) sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   user,
		Host:   host,
	}
}

// HostPort возвращает адрес host:port из URI, подставляя порт по умолчанию
func HostPort(uri sip.Uri) string {
	port := uri.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port))
}

// TransportParam возвращает значение параметра transport в нижнем регистре.
// Если параметр не задан, возвращает "tcp".
func TransportParam(uri sip.Uri) string {
	if uri.UriParams != nil {
		if t, ok := uri.UriParams.Get("transport"); ok && t != "" {
			return strings.ToLower(t)
		}
	}
	return "tcp"
}
