// Package notify holds the message template catalog and the rendering rules
// that turn a notification request into the text handed to the dispatch
// pipeline.
package notify

import (
	"strings"

	"lifeline/internal/types"
)

// DefaultLocale is used when a request does not name one.
const DefaultLocale = "en"

// Store resolves message templates by notification type, channel and locale.
// Templates are compiled in for now; the interface leaves room for a
// database-backed catalog later.
type Store struct {
	templates map[string]string
}

// NewStore returns a Store preloaded with the built-in catalog.
func NewStore() *Store {
	return &Store{templates: map[string]string{
		"sos.sms.en":            "Emergency for {name}",
		"sos.push.en":           "SOS alert for {name}",
		"location_share.sms.en": "{name} shared their location: {link}",
		"risk_zone.push.en":     "Warning: you entered a high risk zone near {area}",
		"garda_alert.sms.en":    "SOS for {name}. Contact: {phone}. Location: {link}",
	}}
}

// Lookup returns the template for "type.channel.locale", or ok=false when the
// catalog has no entry for that key. An empty locale falls back to
// DefaultLocale.
func (s *Store) Lookup(notificationType string, channel types.Channel, locale string) (string, bool) {
	if locale == "" {
		locale = DefaultLocale
	}
	key := notificationType + "." + string(channel) + "." + locale
	tmpl, ok := s.templates[key]
	return tmpl, ok
}

// Resolve picks the message template for a request: an explicit template wins,
// otherwise the catalog is consulted. ok=false means the request cannot be
// rendered at all.
func (s *Store) Resolve(explicit, notificationType string, channel types.Channel, locale string) (string, bool) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, true
	}
	return s.Lookup(notificationType, channel, locale)
}
