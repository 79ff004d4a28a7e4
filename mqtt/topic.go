package mqtt

import "strings"

// segmentReplacer strips characters that may not appear inside a single topic level:
// '@' from mail addresses plus the MQTT level separator, wildcards and NUL.
var segmentReplacer = strings.NewReplacer(
	"@", "",
	"/", "",
	"+", "",
	"#", "",
	"\x00", "",
)

// Topic derives the topic for a sender, e.g. ("emqtt", "a@b.com") -> "emqtt/ab.com".
// Case is preserved. An empty sender yields "base/".
func Topic(base, sender string) string {
	return base + "/" + segmentReplacer.Replace(sender)
}
