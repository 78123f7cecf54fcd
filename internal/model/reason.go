package model

import (
	"net/url"
	"strings"
)

// Reason explains why a request was blocked. Extra carries the auto-ban
// outcome ("1"/"0") for IPs and the confidence used for usernames.
type Reason struct {
	Kind  Kind
	Value string
	Extra string
}

const reasonSeparator = "|"

var reasonEscaper = strings.NewReplacer("%", "%25", ",", "%2C", "|", "%7C")

// String encodes the reason as "<kind>,<value>[,<extra>]". Commas and pipes
// inside the value are percent-escaped so the encoding can be split again.
func (r Reason) String() string {
	s := r.Kind.String() + "," + reasonEscaper.Replace(r.Value)
	if r.Extra != "" {
		s += "," + reasonEscaper.Replace(r.Extra)
	}
	return s
}

// EncodeReasons joins reasons with "|".
func EncodeReasons(reasons []Reason) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, reasonSeparator)
}

// ParseReasons decodes a result string written by EncodeReasons. Results that
// are not reason encodings ("Blocked", "failure", free-form debug text) yield
// nil.
func ParseReasons(s string) []Reason {
	if !strings.Contains(s, ",") {
		return nil
	}
	var reasons []Reason
	for _, part := range strings.Split(s, reasonSeparator) {
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ",", 3)
		kind, ok := ParseKind(fields[0])
		if !ok || len(fields) < 2 {
			return nil
		}
		r := Reason{Kind: kind, Value: unescapeReason(fields[1])}
		if len(fields) == 3 {
			r.Extra = unescapeReason(fields[2])
		}
		reasons = append(reasons, r)
	}
	return reasons
}

func unescapeReason(s string) string {
	v, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return v
}
