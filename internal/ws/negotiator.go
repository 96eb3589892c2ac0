package ws

// ExtensionPermessageDeflate is the only extension the bridge accepts.
const ExtensionPermessageDeflate = "permessage-deflate"

// ExtensionNegotiator decides which offered extensions are accepted.
type ExtensionNegotiator struct{}

// Negotiate reports whether the named extension is accepted.
func (ExtensionNegotiator) Negotiate(name string) bool {
	return name == ExtensionPermessageDeflate
}
