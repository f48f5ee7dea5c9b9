package server

import (
	"github.com/zeusync/remoteserver/internal/core/serialization"
)

// Payload types known to the client channel. Message and Entity share the
// abstract remote.Value supertype, so a whitelist has to allow both names.
var (
	ValueClass   = &serialization.Class{Name: "remote.Value"}
	MessageClass = &serialization.Class{Name: "remote.Message", Super: ValueClass}
	EntityClass  = &serialization.Class{Name: "remote.Entity", Super: ValueClass}
)

type Message struct {
	Text string `json:"text"`
}

type Entity struct {
	Type   string         `json:"type"`
	Key    string         `json:"key"`
	Values map[string]any `json:"values,omitempty"`
}

// RegisterTypes binds the primitive and remote payload types.
func RegisterTypes(catalog *serialization.Catalog) error {
	registrations := []struct {
		class     *serialization.Class
		prototype any
	}{
		{serialization.Str, ""},
		{serialization.Int64, int64(0)},
		{serialization.Float64, float64(0)},
		{serialization.Bool, false},
		{MessageClass, Message{}},
		{EntityClass, Entity{}},
	}
	for _, r := range registrations {
		if err := catalog.Register(r.class, r.prototype); err != nil {
			return err
		}
	}
	return nil
}
