package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// knownClientFields are the ClientInfo keys decoded into typed fields.
var knownClientFields = []string{"name", "phone", "email", "company", "location"}

// ClientInfo describes the person an agent talks to. Known keys are typed;
// anything else is preserved in Extra and forwarded to the agent untouched.
type ClientInfo struct {
	Name     string
	Phone    string
	Email    string
	Company  string
	Location string
	Extra    map[string]any
}

// ErrClientInfoNotObject is returned when clientInfo is not a JSON object.
var ErrClientInfoNotObject = errors.New("clientInfo must be a JSON object")

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (c *ClientInfo) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*c = ClientInfo{}
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrClientInfoNotObject
	}

	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}

	out := ClientInfo{}
	for _, key := range knownClientFields {
		v, ok := raw[key]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString || s == "" {
			// Non-string and empty values stay opaque so they round-trip.
			continue
		}
		switch key {
		case "name":
			out.Name = s
		case "phone":
			out.Phone = s
		case "email":
			out.Email = s
		case "company":
			out.Company = s
		case "location":
			out.Location = s
		}
		delete(raw, key)
	}
	if len(raw) > 0 {
		out.Extra = raw
	}
	*c = out
	return nil
}

// MarshalJSON merges typed fields and Extra back into one object.
func (c ClientInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

// Map returns the flattened key-value view of the client info.
func (c ClientInfo) Map() map[string]any {
	m := make(map[string]any, len(c.Extra)+len(knownClientFields))
	for k, v := range c.Extra {
		m[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("name", c.Name)
	set("phone", c.Phone)
	set("email", c.Email)
	set("company", c.Company)
	set("location", c.Location)
	return m
}

// NormalizedPhone strips formatting characters from Phone.
func (c ClientInfo) NormalizedPhone() string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(c.Phone))
}

// ValidatePhone checks that Phone looks dialable: an optional leading '+'
// followed by 7 to 15 digits.
func (c ClientInfo) ValidatePhone() error {
	p := c.NormalizedPhone()
	if p == "" {
		return Validationf("client phone number is missing")
	}
	digits := strings.TrimPrefix(p, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return Validationf("client phone number %q has an invalid length", c.Phone)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Validationf("client phone number %q contains invalid characters", c.Phone)
		}
	}
	return nil
}
