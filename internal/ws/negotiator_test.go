package ws

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestExtensionNegotiator(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"permessage-deflate", true},
		{"", false},
		{"x-webkit-deflate-frame", false},
		{"deflate-frame", false},
		{"PERMESSAGE-DEFLATE", false},
		{"permessage-deflate; client_max_window_bits", false},
		{"permessage-bzip2", false},
	}

	var n ExtensionNegotiator
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Negotiate(tt.name); got != tt.want {
				t.Errorf("Negotiate(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestExtensionNegotiator_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	var n ExtensionNegotiator
	properties.Property("only permessage-deflate is accepted", prop.ForAll(
		func(name string) bool {
			return n.Negotiate(name) == (name == ExtensionPermessageDeflate)
		},
		gen.OneGenOf(gen.AnyString(), gen.Const(ExtensionPermessageDeflate)),
	))

	properties.TestingRun(t)
}
