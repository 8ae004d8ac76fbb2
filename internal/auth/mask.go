package auth

import "strings"

// MaskPhone masks a phone number for logging (e.g., +9*******10)
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
