package mqttbridge

import (
	"testing"

	"github.com/nugget/clasp/internal/mqttlink"
	"github.com/nugget/clasp/internal/wire"
)

func TestOnMessageMapsTopicToAddress(t *testing.T) {
	d := New(mqttlink.Options{Broker: "mqtt://localhost"}, "/mqtt", nil, nil)
	d.onMessage("home/kitchen/temp", []byte("21.5"))

	select {
	case ev := <-d.Inbound():
		if ev.Address != "/mqtt/home/kitchen/temp" {
			t.Errorf("Address = %q, want /mqtt/home/kitchen/temp", ev.Address)
		}
		if ev.Value.AsFloat64() != 21.5 {
			t.Errorf("Value = %+v, want 21.5", ev.Value)
		}
	default:
		t.Fatal("no event delivered to Inbound()")
	}
}

func TestOnMessageNonNumericStaysString(t *testing.T) {
	d := New(mqttlink.Options{Broker: "mqtt://localhost"}, "/mqtt", nil, nil)
	d.onMessage("home/door", []byte("open"))

	ev := <-d.Inbound()
	if ev.Value.Kind != wire.KindString || ev.Value.Str != "open" {
		t.Errorf("Value = %+v, want string \"open\"", ev.Value)
	}
}

func TestValueToPayload(t *testing.T) {
	cases := []struct {
		v    wire.Value
		want string
	}{
		{wire.FloatValue(3.5), "3.5"},
		{wire.StringValue("hello"), "hello"},
		{wire.BoolValue(true), "true"},
		{wire.BoolValue(false), "false"},
	}
	for _, c := range cases {
		if got := string(valueToPayload(c.v)); got != c.want {
			t.Errorf("valueToPayload(%+v) = %q, want %q", c.v, got, c.want)
		}
	}
}

func TestPrefixTrimming(t *testing.T) {
	d := New(mqttlink.Options{}, "/mqtt/", nil, nil)
	if d.prefix != "/mqtt" {
		t.Errorf("prefix = %q, want /mqtt (trailing slash trimmed)", d.prefix)
	}
}
