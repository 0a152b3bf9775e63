package mx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 5 * time.Second

var ErrNoNameserver = errors.New("no nameserver configured")

type Status int

const (
	StatusError Status = iota
	StatusNotFound
	StatusFound
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not found"
	default:
		return "error"
	}
}

// Record is a single mail exchanger of a domain.
type Record struct {
	Host       string
	Preference int
}

// Result is the outcome of an MX lookup. Records is only set when Status is
// StatusFound and holds the records in the order the server returned them.
type Result struct {
	Status  Status
	Records []Record
	Err     error
}

func (r Result) Found() bool {
	return r.Status == StatusFound
}

type Resolver struct {
	nameserver string
	timeout    time.Duration
	udp        *dns.Client
	tcp        *dns.Client
}

// New creates a resolver querying nameserver (host:port). An empty nameserver
// falls back to the first server in /etc/resolv.conf.
func New(nameserver string, timeout time.Duration) (*Resolver, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if nameserver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("could not read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, ErrNoNameserver
		}

		nameserver = net.JoinHostPort(conf.Servers[0], conf.Port)
	} else if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}

	return &Resolver{
		nameserver: nameserver,
		timeout:    timeout,
		udp:        &dns.Client{Net: "udp", Timeout: timeout},
		tcp:        &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

func (r *Resolver) Nameserver() string {
	return r.nameserver
}

// Lookup queries the MX records of domain. Any failure yields no records.
func (r *Resolver) Lookup(ctx context.Context, domain string) Result {
	domain = strings.TrimSpace(domain)
	if domain == "" || domain == "." {
		return Result{Status: StatusNotFound}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, msg, r.nameserver)
	if err == nil && resp.Truncated {
		logrus.Debugf("Truncated MX answer for %s, retrying over TCP", domain)
		resp, _, err = r.tcp.ExchangeContext(ctx, msg, r.nameserver)
	}
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("could not query MX records for %s: %w", domain, err)}
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return Result{Status: StatusNotFound}
	default:
		return Result{Status: StatusError, Err: fmt.Errorf("MX query for %s failed: %s", domain, dns.RcodeToString[resp.Rcode])}
	}

	var records []Record
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, Record{
				Host:       normalize(mx.Mx),
				Preference: int(mx.Preference),
			})
		}
	}

	if len(records) == 0 {
		return Result{Status: StatusNotFound}
	}

	return Result{Status: StatusFound, Records: records}
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
