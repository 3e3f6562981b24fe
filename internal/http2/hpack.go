package http2

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/llmabridge/v2/internal/bridge"
)

func headerField(name, value string) hpack.HeaderField {
	return hpack.HeaderField{Name: name, Value: value}
}

// requestFromMeta builds the bridge Request event from a decoded HEADERS
// frame. Pseudo-headers supply the request line; regular fields pass
// through in order. When the client sent :authority but no host header, a
// synthetic host pair is prepended so applications see the HTTP/1.1
// equivalent.
func requestFromMeta(id uint32, f *http2.MetaHeadersFrame) bridge.Request {
	var method, path, authority string
	for _, hf := range f.PseudoFields() {
		switch hf.Name {
		case ":method":
			method = hf.Value
		case ":path":
			path = hf.Value
		case ":authority":
			authority = hf.Value
		}
	}

	regular := f.RegularFields()
	headers := make([]bridge.HeaderField, 0, len(regular)+1)
	haveHost := false
	for _, hf := range regular {
		if hf.Name == "host" {
			haveHost = true
		}
	}
	if authority != "" && !haveHost {
		headers = append(headers, bridge.HeaderField{Name: []byte("host"), Value: []byte(authority)})
	}
	for _, hf := range regular {
		headers = append(headers, bridge.HeaderField{Name: []byte(hf.Name), Value: []byte(hf.Value)})
	}

	return bridge.Request{
		Stream:      id,
		HTTPVersion: "2",
		Method:      method,
		RawPath:     []byte(path),
		Headers:     headers,
	}
}
