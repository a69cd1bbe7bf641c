package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PunchRequest is the JSON body a node posts to the punch routes.
// TTL is in milliseconds. The legacy routes ignore TTL, Public and Local.
type PunchRequest struct {
	Token  string `json:"token" validate:"required,hexadecimal"`
	Public string `json:"public,omitempty" validate:"omitempty,ip|hostname_rfc1123"`
	Local  string `json:"local,omitempty" validate:"omitempty,ip|hostname_rfc1123"`
	Port   Port   `json:"port,omitempty" validate:"gte=0,lte=65535"`
	TTL    int64  `json:"ttl"`
}

// Port accepts both JSON numbers and numeric strings; nodes configured from
// the environment historically sent the port as a string.
type Port int

// UnmarshalJSON implements [json.Unmarshaler].
func (p *Port) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*p = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid port %s", string(data))
	}
	*p = Port(n)
	return nil
}

// OrDefault returns p, or [DefaultProxyPort] when unset.
func (p Port) OrDefault() int {
	if p <= 0 {
		return DefaultProxyPort
	}
	return int(p)
}
