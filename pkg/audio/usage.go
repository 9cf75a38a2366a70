// ABOUTME: Stream usage categories driving routing and gain policy.
// ABOUTME: Devices advertise supported usages; every stream carries one.
package audio

import "fmt"

// Usage tags a stream with its role so routing can match it against the
// usages a device accepts.
type Usage string

const (
	UsageBackground    Usage = "background"
	UsageMedia         Usage = "media"
	UsageInterruption  Usage = "interruption"
	UsageSystemAgent   Usage = "system_agent"
	UsageCommunication Usage = "communication"
	// UsageForeground applies to capture streams only.
	UsageForeground Usage = "foreground"
)

// RenderUsages lists the usages a render stream may carry.
var RenderUsages = []Usage{
	UsageBackground, UsageMedia, UsageInterruption, UsageSystemAgent, UsageCommunication,
}

// CaptureUsages lists the usages a capture stream may carry.
var CaptureUsages = []Usage{
	UsageBackground, UsageForeground, UsageSystemAgent, UsageCommunication,
}

// ParseUsage validates a usage string from configuration or the wire.
func ParseUsage(s string) (Usage, error) {
	u := Usage(s)
	for _, have := range RenderUsages {
		if u == have {
			return u, nil
		}
	}
	if u == UsageForeground {
		return u, nil
	}
	return "", fmt.Errorf("audio: unknown usage %q", s)
}
