package permissions

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// base64 std alphabet characters are tolerated alongside the url alphabet.
var toURLAlphabet = strings.NewReplacer("+", "-", "/", "_")

// Extract returns the permissions carried by the `permissions` claim of an
// access token. The signature is not checked. Any malformed input yields an
// empty set.
func Extract(accessToken string) Set {
	if accessToken == "" {
		return Set{}
	}
	parts := strings.Split(accessToken, ".")
	if len(parts) < 2 {
		return Set{}
	}

	payload, err := segmentParser.DecodeSegment(toURLAlphabet.Replace(parts[1]))
	if err != nil || !utf8.Valid(payload) {
		return Set{}
	}

	var claims struct {
		Permissions []json.RawMessage `json:"permissions"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Set{}
	}

	set := make(Set, len(claims.Permissions))
	for _, raw := range claims.Permissions {
		if name := stringify(raw); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// stringify renders one element of the permissions array: strings verbatim,
// numbers in shortest form, everything else as compact JSON.
func stringify(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	if raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9') {
		return formatNumber(string(raw))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ""
	}
	return buf.String()
}

// formatNumber prints a JSON number the way JavaScript's String does: plain
// decimals between 1e-6 and 1e21, exponent form outside, no negative zero.
func formatNumber(lit string) string {
	f, err := strconv.ParseFloat(lit, 64)
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case err != nil:
		return ""
	case f == 0:
		return "0"
	}
	if a := math.Abs(f); a >= 1e-6 && a < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}
