// Package mqtttest provides a minimal in-process MQTT 3.1.1 broker for tests.
// It acknowledges CONNECT and records QoS 0 PUBLISH packets; nothing is routed.
package mqtttest

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/roadrunner-server/errors"
)

// packet types
const (
	typeConnect    byte = 1
	typeConnack    byte = 2
	typePublish    byte = 3
	typePingreq    byte = 12
	typePingresp   byte = 13
	typeDisconnect byte = 14
)

// Message is one received publish
type Message struct {
	Topic    string
	Payload  string
	Username string
	Password string
}

// Broker records what clients publish
type Broker struct {
	l net.Listener

	mu       sync.Mutex
	messages []Message
	connects int

	// refuse answers CONNECT with "bad user name or password"
	refuse bool
}

// NewBroker starts a broker on a random local port and stops it with the test
func NewBroker(t *testing.T) *Broker {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mqtttest: listen: %v", err)
	}

	b := &Broker{l: l}
	go b.serve()
	t.Cleanup(func() { _ = l.Close() })

	return b
}

// Refuse makes the broker reject every further CONNECT
func (b *Broker) Refuse() {
	b.mu.Lock()
	b.refuse = true
	b.mu.Unlock()
}

// Host returns the listen host
func (b *Broker) Host() string {
	return b.l.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listen port
func (b *Broker) Port() int {
	return b.l.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port
func (b *Broker) Addr() string {
	return net.JoinHostPort(b.Host(), strconv.Itoa(b.Port()))
}

// Messages returns a copy of everything published so far
func (b *Broker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

// Connects returns how many CONNECT packets were received
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *Broker) serve() {
	for {
		c, err := b.l.Accept()
		if err != nil {
			return
		}
		go b.handle(c)
	}
}

func (b *Broker) handle(c net.Conn) {
	defer c.Close()

	r := bufio.NewReader(c)
	var username, password string

	for {
		header, err := r.ReadByte()
		if err != nil {
			return
		}

		remaining, err := decodeRemainingLength(r)
		if err != nil {
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		switch header >> 4 {
		case typeConnect:
			username, password, err = parseConnect(body)
			if err != nil {
				return
			}

			b.mu.Lock()
			b.connects++
			refuse := b.refuse
			b.mu.Unlock()

			code := byte(0)
			if refuse {
				code = 4
			}
			if _, err := c.Write([]byte{typeConnack << 4, 2, 0, code}); err != nil || refuse {
				return
			}

		case typePublish:
			topic, payload, err := parsePublish(header, body)
			if err != nil {
				return
			}

			b.mu.Lock()
			b.messages = append(b.messages, Message{
				Topic:    topic,
				Payload:  payload,
				Username: username,
				Password: password,
			})
			b.mu.Unlock()

		case typePingreq:
			if _, err := c.Write([]byte{typePingresp << 4, 0}); err != nil {
				return
			}

		case typeDisconnect:
			return
		}
	}
}

func decodeRemainingLength(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		encoded, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(encoded&127) * multiplier
		multiplier *= 128
		if encoded&128 == 0 {
			return value, nil
		}
	}
	return 0, errors.Str("remaining length exceeds 4 bytes")
}

// readString reads a length prefixed field and returns it with the rest of buf
func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, errors.Str("short field")
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", nil, errors.Str("short field")
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func parseConnect(body []byte) (username, password string, err error) {
	_, rest, err := readString(body) // protocol name
	if err != nil {
		return "", "", err
	}
	if len(rest) < 4 {
		return "", "", errors.Str("short CONNECT")
	}
	flags := rest[1]
	rest = rest[4:] // level, flags, keep alive

	_, rest, err = readString(rest) // client id
	if err != nil {
		return "", "", err
	}

	if flags&0x04 != 0 { // will topic and message
		if _, rest, err = readString(rest); err != nil {
			return "", "", err
		}
		if _, rest, err = readString(rest); err != nil {
			return "", "", err
		}
	}

	if flags&0x80 != 0 {
		if username, rest, err = readString(rest); err != nil {
			return "", "", err
		}
	}

	if flags&0x40 != 0 {
		if password, _, err = readString(rest); err != nil {
			return "", "", err
		}
	}

	return username, password, nil
}

func parsePublish(header byte, body []byte) (topic, payload string, err error) {
	topic, rest, err := readString(body)
	if err != nil {
		return "", "", err
	}

	if qos := (header & 0x06) >> 1; qos > 0 {
		if len(rest) < 2 {
			return "", "", errors.Str("short PUBLISH")
		}
		rest = rest[2:] // packet id
	}

	return topic, string(rest), nil
}
