package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// ExpectedSignature computes the webhook signature: base64(HMAC-SHA1(token,
// url + sorted form key/value pairs)).
func ExpectedSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), form[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			buf = append(buf, k...)
			buf = append(buf, v...)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write(buf)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature reports whether signature matches the request.
func ValidateSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := ExpectedSignature(authToken, fullURL, form)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Call statuses reported in status callbacks.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// StatusEvent is a parsed status callback.
type StatusEvent struct {
	CallSID  string
	Status   string
	Duration string
}

// ParseStatus extracts the fields the gateway uses from a status callback form.
func ParseStatus(form url.Values) StatusEvent {
	return StatusEvent{
		CallSID:  form.Get("CallSid"),
		Status:   form.Get("CallStatus"),
		Duration: form.Get("CallDuration"),
	}
}

// IsTerminalStatus reports whether the call leg is over.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}
