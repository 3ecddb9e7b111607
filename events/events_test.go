package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecorderOrderAndFields(t *testing.T) {
	rec := &Recorder{}

	rec.Emit("updating-elb", F("elb_name", "web-elb"))
	rec.Emit("updating-elb.request-cert", F("hosts", []string{"www.example.com"}))

	require.Equal(t,
		[]string{"updating-elb", "updating-elb.request-cert"},
		rec.Names(),
	)
	require.Equal(t, "web-elb", rec.Field(0, "elb_name"))
	require.Nil(t, rec.Field(0, "missing"))
	require.Nil(t, rec.Field(5, "elb_name"))
}

func TestNopEmitterAcceptsAnything(t *testing.T) {
	var e Emitter = NopEmitter{}
	e.Emit("updating-elb", F("elb_name", "web-elb"))
}
