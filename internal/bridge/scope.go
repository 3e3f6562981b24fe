package bridge

import (
	"bytes"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// SpecVersion is the version marker of the bridge/application message
// contract, surfaced to applications through the Scope.
const SpecVersion = "2.1"

// Address identifies one endpoint of the underlying connection.
type Address struct {
	Host string
	Port uint16
}

// String formats the address as host:port. A nil Address formats as "".
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// AddressFromNet converts a net.Addr into an Address. It returns nil when
// the address has no host/port form (unix sockets, nil addresses), which is
// the scope's representation of "absent".
func AddressFromNet(addr net.Addr) *Address {
	if addr == nil {
		return nil
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil
	}
	return &Address{Host: host, Port: uint16(port)}
}

// Scope is the immutable request description handed to application code and
// to the access reporter. It is built once per stream from the Request
// event and the connection environment, and is shared read-only afterwards;
// neither the bridge nor the application may mutate it.
type Scope struct {
	// Type tags the protocol family; always "http" for bridged streams.
	Type string
	// SpecVersion is the application contract version marker.
	SpecVersion string
	// HTTPVersion is the wire protocol version: "1.0", "1.1", or "2".
	HTTPVersion string
	Method      string
	// Scheme is "https" when the connection is TLS-terminated, else "http".
	Scheme string
	// Path is the percent-decoded request path without the query string.
	Path string
	// RawPath is the path exactly as received, undecoded, without the query
	// string.
	RawPath []byte
	// QueryString holds the raw bytes after the first "?", empty when the
	// request carried none.
	QueryString []byte
	RootPath    string
	// Headers preserves the order and byte-level spelling of the request
	// header block.
	Headers []HeaderField
	// Client and Server are the connection endpoints, nil when unknown.
	Client *Address
	Server *Address
}

// Header returns the value of the first header with the given name,
// compared case-insensitively, or nil when absent.
func (s *Scope) Header(name string) []byte {
	for _, h := range s.Headers {
		if strings.EqualFold(string(h.Name), name) {
			return h.Value
		}
	}
	return nil
}

// buildScope derives a stream's Scope from its Request event plus the
// connection environment. The raw path is split at the first "?": the part
// before is percent-decoded into Path (and kept verbatim in RawPath), the
// part after becomes QueryString. No other normalization happens here — a
// path the transport supplied empty stays empty, and a path whose escapes
// do not decode is passed through undecoded rather than rejected.
func buildScope(req Request, rootPath string, tlsActive bool, client, server *Address) *Scope {
	rawPath, query, _ := bytes.Cut(req.RawPath, []byte{'?'})

	path := string(rawPath)
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}

	scheme := "http"
	if tlsActive {
		scheme = "https"
	}

	headers := make([]HeaderField, len(req.Headers))
	for i, h := range req.Headers {
		headers[i] = HeaderField{
			Name:  bytes.Clone(h.Name),
			Value: bytes.Clone(h.Value),
		}
	}

	return &Scope{
		Type:        "http",
		SpecVersion: SpecVersion,
		HTTPVersion: req.HTTPVersion,
		Method:      req.Method,
		Scheme:      scheme,
		Path:        path,
		RawPath:     bytes.Clone(rawPath),
		QueryString: bytes.Clone(query),
		RootPath:    rootPath,
		Headers:     headers,
		Client:      client,
		Server:      server,
	}
}
