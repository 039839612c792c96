package transport

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/emiago/sipgo/sip"
	"github.com/miekg/dns"
)

// Resolver находит адреса прокси по SIP URI (RFC 3263, только TCP).
//
// URI с IP адресом или явным портом используется как есть. Для доменного
// имени без порта запрашиваются SRV записи _sip._tcp; если их нет, берется
// имя с портом 5060.
type Resolver struct {
	// NameServer адрес DNS сервера. Пустое значение означает первый
	// сервер из /etc/resolv.conf.
	NameServer string

	// Timeout таймаут одного запроса, по умолчанию 5 секунд
	Timeout time.Duration

	Logger *slog.Logger
}

// Resolve возвращает упорядоченный список адресов host:port для URI
func (r *Resolver) Resolve(ctx context.Context, uri sip.Uri) ([]string, error) {
	if uri.Host == "" {
		return nil, fmt.Errorf("resolve: empty host")
	}
	if uri.Port > 0 || net.ParseIP(uri.Host) != nil {
		return []string{message.HostPort(uri)}, nil
	}

	srvs, err := r.LookupSRV(ctx, "sip", "tcp", uri.Host)
	if err != nil || len(srvs) == 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger().Debug("SRV записи не найдены, используется имя хоста",
			slog.String("host", uri.Host),
			slog.Any("error", err))
		return []string{message.HostPort(uri)}, nil
	}

	addrs := make([]string, 0, len(srvs))
	for _, srv := range srvs {
		target := strings.TrimSuffix(srv.Target, ".")
		addrs = append(addrs, net.JoinHostPort(target, strconv.Itoa(int(srv.Port))))
	}
	return addrs, nil
}

// LookupSRV запрашивает SRV записи _service._proto.host. Записи
// упорядочены по приоритету, при равном приоритете по убыванию веса.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_"+service+"._"+proto+"."+host), dns.TypeSRV)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}

	var srvs []*dns.SRV
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			srvs = append(srvs, rr)
		}
	}
	slices.SortStableFunc(srvs, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(conf.Servers) == 0 {
		return "", &net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"}
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
