package ihrwatch

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ihrwatch/internal/fetcher"
)

const (
	maxMinutes    = 24 * 60
	maxQueryLen   = 100
	isoMillisUTC  = "2006-01-02T15:04:05.000Z"
	paramASN      = "asn"
	paramMinutes  = "minutes"
	paramQuery    = "q"
	paramCountry  = "country"
	endpointAlert = "alerts"
	endpointNet   = "network"
	endpointFind  = "search"
)

// normalizeASN accepts "AS21928", "as21928" or "21928" and returns the
// canonical "AS21928" form together with the number.
func normalizeASN(s string) (string, uint32, error) {
	in := s
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.EqualFold(s[:2], "AS") {
		s = s[2:]
	}
	if s == "" {
		return "", 0, errors.New("empty ASN")
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return "", 0, fmt.Errorf("invalid ASN %q", in)
	}
	return "AS" + strconv.FormatUint(n, 10), uint32(n), nil
}

// alertsURL builds GET {base}/network_delay/alarms/?asn=AS…&ts__gte=<now-minutes>.
func alertsURL(base string, clock fetcher.Clock) fetcher.URLBuilder {
	return func(p fetcher.Params) (string, error) {
		asn, _, err := normalizeASN(p.Value(paramASN, DefaultASN))
		if err != nil {
			return "", err
		}
		minutes, err := strconv.Atoi(p.Value(paramMinutes, "5"))
		if err != nil || minutes < 1 {
			return "", fmt.Errorf("invalid minutes %q", p[paramMinutes])
		}
		u, err := url.Parse(base + "/network_delay/alarms/")
		if err != nil {
			return "", err
		}
		since := clock.Now().Add(-time.Duration(minutes) * time.Minute).UTC()
		q := u.Query()
		q.Set("asn", asn)
		q.Set("ts__gte", since.Format(isoMillisUTC))
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
}

// networkURL builds GET {base}/networks/<number>/.
func networkURL(base string) fetcher.URLBuilder {
	return func(p fetcher.Params) (string, error) {
		_, n, err := normalizeASN(p.Value(paramASN, DefaultASN))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/networks/%d/", base, n), nil
	}
}

// searchURL builds GET {base}/networks/?name__icontains=<q>&country=<cc>.
// Empty parameters are left out.
func searchURL(base string) fetcher.URLBuilder {
	return func(p fetcher.Params) (string, error) {
		u, err := url.Parse(base + "/networks/")
		if err != nil {
			return "", err
		}
		q := u.Query()
		if v := p[paramQuery]; v != "" {
			q.Set("name__icontains", v)
		}
		if v := p[paramCountry]; v != "" {
			q.Set("country", v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
}

func alertsKey(p fetcher.Params) string { return p[paramASN] + "|" + p[paramMinutes] }

func networkKey(p fetcher.Params) string { return p[paramASN] }

func searchKey(p fetcher.Params) string {
	return strings.ToLower(p[paramQuery]) + "|" + p[paramCountry]
}

// alertsParams validates ?asn=&minutes= and fills in defaults.
func alertsParams(q url.Values, defASN string, defMinutes int) (fetcher.Params, error) {
	asn, _, err := normalizeASN(valueOr(q, paramASN, defASN))
	if err != nil {
		return nil, err
	}
	minutes := defMinutes
	if v := strings.TrimSpace(q.Get(paramMinutes)); v != "" {
		minutes, err = strconv.Atoi(v)
		if err != nil || minutes < 1 || minutes > maxMinutes {
			return nil, fmt.Errorf("minutes must be an integer between 1 and %d", maxMinutes)
		}
	}
	return fetcher.Params{paramASN: asn, paramMinutes: strconv.Itoa(minutes)}, nil
}

func networkParams(q url.Values, defASN string) (fetcher.Params, error) {
	asn, _, err := normalizeASN(valueOr(q, paramASN, defASN))
	if err != nil {
		return nil, err
	}
	return fetcher.Params{paramASN: asn}, nil
}

// searchParams validates ?q=&country=. A present but empty parameter
// disables that filter; a missing one takes the default.
func searchParams(q url.Values, defQuery, defCountry string) (fetcher.Params, error) {
	query := defQuery
	if q.Has(paramQuery) {
		query = q.Get(paramQuery)
	}
	query = strings.TrimSpace(query)
	if len(query) > maxQueryLen {
		return nil, fmt.Errorf("q must be at most %d characters", maxQueryLen)
	}

	country := defCountry
	if q.Has(paramCountry) {
		country = q.Get(paramCountry)
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	if country != "" && !isCountryCode(country) {
		return nil, fmt.Errorf("country must be a two-letter code, got %q", country)
	}
	return fetcher.Params{paramQuery: query, paramCountry: country}, nil
}

func valueOr(q url.Values, key, def string) string {
	if v := strings.TrimSpace(q.Get(key)); v != "" {
		return v
	}
	return def
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
