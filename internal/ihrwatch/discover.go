package ihrwatch

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ASNInfo is one candidate network offered to the dashboard's ASN picker.
type ASNInfo struct {
	ASN     string `json:"asn"`
	Number  uint32 `json:"number"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
}

type networkRecord struct {
	Number  json.RawMessage `json:"number"`
	ASN     json.RawMessage `json:"asn"`
	Name    string          `json:"name"`
	Country string          `json:"country"`
	CC      string          `json:"cc"`
}

type networksPage struct {
	Results []networkRecord `json:"results"`
}

var errUnexpectedPayload = errors.New("unexpected network search payload")

// parseASNs extracts networks from an IHR /networks/ response. Both the
// paginated {"results": [...]} form and a bare array are accepted. Records
// without a usable AS number are skipped; duplicates keep their first position.
func parseASNs(data json.RawMessage) ([]ASNInfo, error) {
	var records []networkRecord
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, errUnexpectedPayload
		}
	case strings.HasPrefix(trimmed, "{"):
		var page networksPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, errUnexpectedPayload
		}
		records = page.Results
	default:
		return nil, errUnexpectedPayload
	}

	seen := make(map[uint32]struct{}, len(records))
	out := make([]ASNInfo, 0, len(records))
	for _, rec := range records {
		n, ok := recordNumber(rec)
		if !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}

		country := rec.Country
		if country == "" {
			country = rec.CC
		}
		out = append(out, ASNInfo{
			ASN:     "AS" + strconv.FormatUint(uint64(n), 10),
			Number:  n,
			Name:    strings.TrimSpace(rec.Name),
			Country: strings.ToUpper(strings.TrimSpace(country)),
		})
	}
	return out, nil
}

func recordNumber(rec networkRecord) (uint32, bool) {
	for _, raw := range []json.RawMessage{rec.Number, rec.ASN} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var n uint32
		if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
			return n, true
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if _, num, err := normalizeASN(s); err == nil {
				return num, true
			}
		}
	}
	return 0, false
}
