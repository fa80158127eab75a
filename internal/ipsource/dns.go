package ipsource

import (
	"context"
	"errors"
	"fmt"

	mdns "github.com/miekg/dns"
)

const (
	// DefaultDNSServer answers myip.opendns.com with the address of the asker.
	DefaultDNSServer = "resolver1.opendns.com:53"
	myIPName         = "myip.opendns.com."
)

// DNS looks up the public IPv4 address with an A query for myip.opendns.com.
type DNS struct {
	Server string
	Client *mdns.Client
}

// NewDNS returns a DNS source for server, or DefaultDNSServer when empty.
func NewDNS(server string) *DNS {
	if server == "" {
		server = DefaultDNSServer
	}
	return &DNS{Server: server, Client: &mdns.Client{Net: "udp", Timeout: webTimeout}}
}

func (d *DNS) PublicIP(ctx context.Context) (string, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(myIPName, mdns.TypeA)
	msg.RecursionDesired = false

	resp, _, err := d.Client.ExchangeContext(ctx, msg, d.Server)
	if err != nil {
		return "", fetchErr("dns", fmt.Errorf("query %s: %w", d.Server, err))
	}
	if resp.Rcode != mdns.RcodeSuccess {
		return "", fetchErr("dns", fmt.Errorf("query %s: rcode %s", d.Server, mdns.RcodeToString[resp.Rcode]))
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*mdns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fetchErr("dns", errors.New("no A record in answer"))
}
