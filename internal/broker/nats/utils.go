package nats

import (
	"errors"
	"regexp"
	"strings"

	"github.com/nats-io/nats.go"
)

// ToNATSSubject converts an MQTT topic filter to a NATS subject.
// MQTT uses / as separators and +/# as wildcards,
// NATS uses . as separators and */> as wildcards.
// Wildcards are only translated when they occupy a whole level.
func ToNATSSubject(filter string) string {
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// ToMQTTTopic converts a NATS subject to MQTT topic form.
// This is the reverse of ToNATSSubject.
func ToMQTTTopic(subject string) string {
	levels := strings.Split(subject, ".")
	for i, level := range levels {
		switch level {
		case "*":
			levels[i] = "+"
		case ">":
			levels[i] = "#"
		}
	}
	return strings.Join(levels, "/")
}

var subscriptionViolation = regexp.MustCompile(`(?i)permissions violation for subscription to "?([^"']+)"?`)

// DeniedSubject extracts the subject from a subscription permissions
// violation reported by the server.
func DeniedSubject(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if !errors.Is(err, nats.ErrPermissionViolation) && !strings.Contains(strings.ToLower(err.Error()), "permissions violation") {
		return "", false
	}
	m := subscriptionViolation.FindStringSubmatch(err.Error())
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
