package tgui

import (
	"fmt"
	"strings"
)

// Data formats callback data as "ns:action" or "ns:action:payload".
// It fails when the result exceeds Telegram's callback_data limit.
func Data(ns, action, payload string) (string, error) {
	ns = strings.TrimSpace(ns)
	action = strings.TrimSpace(action)
	out := ns + ":" + action
	if payload != "" {
		out += ":" + payload
	}
	if len(out) > MaxCallbackDataLen {
		return "", fmt.Errorf("%w: %d bytes", ErrCallbackDataTooLong, len(out))
	}
	return out, nil
}

// MustData is Data for compile-time constant inputs. It panics on overflow.
func MustData(ns, action, payload string) string {
	s, err := Data(ns, action, payload)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseData splits callback data produced by Data. ok is false when the
// data has no namespace or action.
func ParseData(data string) (ns, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, true
}
