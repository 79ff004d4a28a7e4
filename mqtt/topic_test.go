package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		sender string
		want   string
	}{
		{"plain address", "emqtt", "a@b.com", "emqtt/ab.com"},
		{"scenario address", "emqtt", "x@y.com", "emqtt/xy.com"},
		{"case preserved", "cams", "Front.Door@Home.LAN", "cams/Front.DoorHome.LAN"},
		{"reserved characters", "emqtt", "a/b+c#d@e", "emqtt/abcde"},
		{"nul stripped", "emqtt", "a\x00b@c", "emqtt/abc"},
		{"empty sender", "emqtt", "", "emqtt/"},
		{"nested base", "home/alarm", "cam@nvr", "home/alarm/camnvr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Topic(tt.base, tt.sender))
		})
	}
}
