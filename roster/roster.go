// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roster implements the contact list types used by the client.
package roster // import "mellium.im/jabber/roster"

import (
	"encoding/xml"
	"sort"

	"mellium.im/xmlstream"
)

// Namespaces used by this package provided as a convenience.
const (
	NS = "jabber:iq:roster"
)

// Item represents a contact in the roster.
type Item struct {
	XMLName      xml.Name `xml:"item"`
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Group        []string `xml:"group,omitempty"`
}

// Query returns a token reader for an empty roster query payload.
func Query() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: NS, Local: "query"}})
}

// Roster is a snapshot of the contact list as delivered by the server.
type Roster []Item

// Sort orders the items by JID.
func (r Roster) Sort() {
	sort.SliceStable(r, func(i, j int) bool {
		return r[i].JID < r[j].JID
	})
}

// JIDs returns the addresses of every item in order.
func (r Roster) JIDs() []string {
	out := make([]string, 0, len(r))
	for _, item := range r {
		out = append(out, item.JID)
	}
	return out
}
