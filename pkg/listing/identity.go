package listing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// Identity is the stable key of one tracked vehicle-trim lease offer.
type Identity struct {
	Brand  string `json:"brand"`
	Model  string `json:"model"`
	Trim   string `json:"trim"`
	URL    string `json:"url"`
	Source string `json:"source"`
}

// NewIdentity builds a normalized identity for a listing page.
func NewIdentity(brand, model, trim, rawURL string) (Identity, error) {
	brand, model, trim = strings.TrimSpace(brand), strings.TrimSpace(model), strings.TrimSpace(trim)
	if brand == "" || model == "" {
		return Identity{}, errors.New("brand and model are required")
	}
	u := NormalizeURL(rawURL)
	if u == "" {
		return Identity{}, fmt.Errorf("invalid listing url %q", rawURL)
	}
	src, ok := SourceOf(u)
	if !ok {
		return Identity{}, fmt.Errorf("could not derive source domain from %q", rawURL)
	}
	return Identity{Brand: brand, Model: model, Trim: trim, URL: u, Source: src}, nil
}

// Key is the join key between fetched records and stored deals.
func (i Identity) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		strings.ToLower(i.Brand), strings.ToLower(i.Model), strings.ToLower(i.Trim), i.URL)
}

func (i Identity) String() string {
	name := strings.TrimSpace(i.Brand + " " + i.Model + " " + i.Trim)
	return name + " (" + i.Source + ")"
}

// NormalizeURL canonicalizes a listing URL: lowercase host, https by default,
// no default ports, no fragment, no trailing slash.
func NormalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && u.Port() == "80" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && u.Port() == "443" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if strings.HasSuffix(u.Path, "/") && len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""
	return u.String()
}

// SourceOf returns the registrable domain of a listing URL,
// e.g. "https://www.example.co.uk/deals/1" -> "example.co.uk".
func SourceOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := u.Hostname()
	if !strings.Contains(host, ".") {
		return "", false
	}
	domain, err := publicsuffix.Domain(host)
	if err != nil {
		return "", false
	}
	return domain, true
}
