package api

import "regexp"

// phoneRe validates E.164 phone numbers: leading +, up to 15 digits.
var phoneRe = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// validatePhoneNumber checks that a destination number is E.164.
// Returns an error message if invalid, empty string if OK.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " must be an E.164 phone number (e.g., +15551234567)"
	}
	return ""
}
