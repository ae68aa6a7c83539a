// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jabber

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"

	"golang.org/x/text/language"

	"mellium.im/jabber/internal/ns"
	"mellium.im/jabber/stream"
)

// XMLHeader is sent before every new stream.
const XMLHeader = `<?xml version="1.0" encoding="UTF-8"?>`

const closeStream = `</stream:stream>`

// writeStreamHeader sends an XML header followed by a stream start element.
// encoding/xml cannot produce the prefixed stream:stream element, so the
// header is printed directly with every attribute value escaped.
// The header is written with a single call to Write.
func writeStreamHeader(w io.Writer, from, to string, lang language.Tag) error {
	var buf bytes.Buffer
	buf.WriteString(XMLHeader)
	buf.WriteString(`<stream:stream from="`)
	if err := xml.EscapeText(&buf, []byte(from)); err != nil {
		return err
	}
	buf.WriteString(`" to="`)
	if err := xml.EscapeText(&buf, []byte(to)); err != nil {
		return err
	}
	buf.WriteString(`" version="1.0" xml:lang="`)
	if err := xml.EscapeText(&buf, []byte(lang.String())); err != nil {
		return err
	}
	fmt.Fprintf(&buf, `" xmlns="%s" xmlns:stream="%s">`, ns.Client, stream.NS)
	_, err := w.Write(buf.Bytes())
	return err
}
