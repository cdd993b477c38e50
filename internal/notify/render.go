package notify

import (
	"strconv"
	"strings"
)

// Location is a geographic point attached to a notification.
type Location struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

// Render substitutes {key} placeholders in the template with the given
// variables. Unknown placeholders are left untouched so a malformed request
// stays visible in the delivered text instead of silently vanishing.
func Render(template string, variables map[string]string) string {
	message := template
	for key, value := range variables {
		message = strings.ReplaceAll(message, "{"+key+"}", value)
	}
	return message
}

// AppendLocation appends a maps link for loc to the message. A nil location
// returns the message unchanged.
func AppendLocation(message string, loc *Location) string {
	if loc == nil {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\nLocation: https://maps.google.com/?q=")
	b.WriteString(formatCoord(loc.Lat))
	b.WriteString(",")
	b.WriteString(formatCoord(loc.Lon))
	if loc.AccuracyM > 0 {
		b.WriteString(" (±")
		b.WriteString(strconv.FormatFloat(loc.AccuracyM, 'f', -1, 64))
		b.WriteString("m)")
	}
	return b.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
