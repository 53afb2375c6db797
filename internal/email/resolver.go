package email

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Common POP3 servers for popular email providers
var knownPOP3Servers = map[string]string{
	"gmail.com":      "pop.gmail.com:995",
	"googlemail.com": "pop.gmail.com:995",
	"outlook.com":    "outlook.office365.com:995",
	"hotmail.com":    "outlook.office365.com:995",
	"live.com":       "outlook.office365.com:995",
	"yahoo.com":      "pop.mail.yahoo.com:995",
	"yandex.ru":      "pop.yandex.ru:995",
	"yandex.com":     "pop.yandex.com:995",
	"mail.ru":        "pop.mail.ru:995",
	"bk.ru":          "pop.mail.ru:995",
	"list.ru":        "pop.mail.ru:995",
	"inbox.ru":       "pop.mail.ru:995",
	"aol.com":        "pop.aol.com:995",
	"zoho.com":       "pop.zoho.com:995",
	"gmx.com":        "pop.gmx.com:995",
	"gmx.de":         "pop.gmx.net:995",
	"web.de":         "pop3.web.de:995",
	"t-online.de":    "securepop.t-online.de:995",
	"rambler.ru":     "pop.rambler.ru:995",
}

// dialCheck is replaced in tests
var dialCheck = checkPOP3Server

// ResolvePOP3Server determines the POP3 server for an account whose host was
// left empty. The username must be a full email address.
func ResolvePOP3Server(email string) (host string, port int, useTLS bool, err error) {
	domain := GetDomainFromEmail(email)
	if domain == "" {
		return "", 0, false, fmt.Errorf("cannot resolve POP3 server for %q: invalid email format", email)
	}

	// Check known providers first
	if server, ok := knownPOP3Servers[domain]; ok {
		return splitServer(server)
	}

	// Try common POP3 server patterns
	for _, h := range []string{"pop." + domain, "pop3." + domain, "mail." + domain} {
		if dialCheck(h, 995) {
			return h, 995, true, nil
		}
	}

	if server, err := resolveViaMX(domain); err == nil {
		return splitServer(server)
	}

	// Default fallback
	return "pop." + domain, 995, true, nil
}

func splitServer(server string) (string, int, bool, error) {
	host, p, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, false, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, false, err
	}
	return host, port, port == 995, nil
}

// checkPOP3Server checks if a POP3 server is reachable
func checkPOP3Server(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// resolveViaMX derives the POP3 server from the primary MX record,
// e.g. mx.example.com -> pop.example.com
func resolveViaMX(domain string) (string, error) {
	mxRecords, err := net.LookupMX(domain)
	if err != nil || len(mxRecords) == 0 {
		return "", fmt.Errorf("no MX records found")
	}

	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) == 2 {
		for _, h := range []string{"pop." + parts[1], "mail." + parts[1]} {
			if dialCheck(h, 995) {
				return net.JoinHostPort(h, "995"), nil
			}
		}
	}

	return "", fmt.Errorf("could not determine POP3 server")
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
