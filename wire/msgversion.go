// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// DefaultUserAgent is the user agent used when a caller hasn't set one and
// establishes the default prefix other callers layer client identifiers
// onto via AddUserAgent.
const DefaultUserAgent = "/btcdp2pcore:0.1.0/"

// MaxUserAgentLen is the maximum allowed length for the user agent field in
// a version message (MsgVersion).
const MaxUserAgentLen = 256

// MsgVersion implements the Message interface and represents a bitcoin
// version message.  It is used for a peer to advertise itself as soon as an
// outbound connection is made.  The remote peer then uses this information,
// along with its own, to negotiate.  The remote peer must then respond with
// a version message of its own containing the negotiated values followed by
// a verack message (MsgVerAck).  This exchange must take place before any
// further communication is allowed to proceed.
type MsgVersion struct {
	// Version of the protocol the remote node is using.
	ProtocolVersion int32

	// Bitfield which identifies the enabled services.
	Services ServiceFlag

	// Time the message was generated.  This is, unfortunately, encoded
	// as an int64 on the wire and therefore is limited to 2106.
	Timestamp time.Time

	// Address of the remote peer.
	AddrYou NetAddress

	// Address of the local peer.
	AddrMe NetAddress

	// Unique value associated with message that is used to detect self
	// connections.
	Nonce uint64

	// The user agent that generated messsage.  This is a encoded as a
	// varString on the wire.  This has a max length of MaxUserAgentLen.
	UserAgent string

	// Last block seen by the generator of the version message.
	LastBlock int32

	// Don't announce transactions to peer.
	DisableRelayTx bool
}

// HasService returns whether the specified service is supported by the peer
// that generated the message.
func (msg *MsgVersion) HasService(service ServiceFlag) bool {
	return msg.Services&service == service
}

// AddService adds service as a supported service by the peer generating the
// message.
func (msg *MsgVersion) AddService(service ServiceFlag) {
	msg.Services |= service
}

// AddUserAgent adds a user agent to the user agent string for the version
// message.  The version string is not defined to any strict format, although
// it is recommended to use the form "major.minor.revision" e.g. "2.6.41".
func (msg *MsgVersion) AddUserAgent(name string, version string,
	comments ...string) error {

	newUserAgent := fmt.Sprintf("%s:%s", name, version)
	if len(comments) != 0 {
		newUserAgent = fmt.Sprintf("%s(%s)", newUserAgent,
			strings.Join(comments, "; "))
	}
	newUserAgent = fmt.Sprintf("%s%s/", msg.UserAgent, newUserAgent)
	if len(newUserAgent) > MaxUserAgentLen {
		str := fmt.Sprintf("user agent too long [len %v, max %v]",
			len(newUserAgent), MaxUserAgentLen)
		return messageError("MsgVersion.AddUserAgent", str)
	}
	msg.UserAgent = newUserAgent
	return nil
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgVersion) BtcDecode(r io.Reader, pver uint32, _ MessageEncoding) error {
	err := readElements(r, &msg.ProtocolVersion, &msg.Services,
		(*int64Time)(&msg.Timestamp))
	if err != nil {
		return err
	}

	err = readNetAddress(r, pver, &msg.AddrYou, false)
	if err != nil {
		return err
	}

	// Protocol versions >= 106 added a from address, nonce, and user
	// agent field and they are only considered present if there are
	// bytes remaining in the message.
	if err := readNetAddress(r, pver, &msg.AddrMe, false); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if err := readElement(r, &msg.Nonce); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	userAgent, err := ReadVarString(r, pver)
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := validateUserAgent(userAgent); err != nil {
		return err
	}
	msg.UserAgent = userAgent

	if err := readElement(r, &msg.LastBlock); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	// There is no relay transactions field before BIP0037Version, but
	// the default behavior prior to the agreement of that BIP was to
	// always relay transactions.
	if pver >= BIP0037Version {
		relayTx := true
		if err := readElement(r, &relayTx); err != nil && err != io.EOF {
			return err
		} else if err == nil {
			msg.DisableRelayTx = !relayTx
		}
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgVersion) BtcEncode(w io.Writer, pver uint32, _ MessageEncoding) error {
	if err := validateUserAgent(msg.UserAgent); err != nil {
		return err
	}

	err := writeElements(w, msg.ProtocolVersion, msg.Services,
		msg.Timestamp.Unix())
	if err != nil {
		return err
	}

	if err := writeNetAddress(w, pver, &msg.AddrYou, false); err != nil {
		return err
	}

	if err := writeNetAddress(w, pver, &msg.AddrMe, false); err != nil {
		return err
	}

	if err := writeElement(w, msg.Nonce); err != nil {
		return err
	}

	if err := WriteVarString(w, pver, msg.UserAgent); err != nil {
		return err
	}

	if err := writeElement(w, msg.LastBlock); err != nil {
		return err
	}

	if pver >= BIP0037Version {
		if err := writeElement(w, !msg.DisableRelayTx); err != nil {
			return err
		}
	}

	return nil
}

func validateUserAgent(userAgent string) error {
	if len(userAgent) > MaxUserAgentLen {
		str := fmt.Sprintf("user agent too long [len %v, max %v]",
			len(userAgent), MaxUserAgentLen)
		return messageError("MsgVersion", str)
	}
	return nil
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgVersion) Command() string {
	return CmdVersion
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgVersion) MaxPayloadLength(pver uint32) uint32 {
	// Protocol version 4 bytes + services 8 bytes + timestamp 8 bytes +
	// remote and local net addresses + nonce 8 bytes + length of user
	// agent (varInt) + max allowed useragent length + last block 4
	// bytes + relay transactions flag 1 byte.
	return 33 + (maxNetAddressPayload(pver) * 2) + MaxVarIntPayload +
		MaxUserAgentLen
}

// NewMsgVersion returns a new bitcoin version message that conforms to the
// Message interface using the passed parameters and defaults for the
// remaining fields.
func NewMsgVersion(me *NetAddress, you *NetAddress, nonce uint64,
	lastBlock int32) *MsgVersion {

	return &MsgVersion{
		ProtocolVersion: int32(ProtocolVersion),
		Services:        0,
		Timestamp:       time.Unix(time.Now().Unix(), 0),
		AddrYou:         *you,
		AddrMe:          *me,
		Nonce:           nonce,
		UserAgent:       DefaultUserAgent,
		LastBlock:       lastBlock,
		DisableRelayTx:  false,
	}
}

// NewMsgVersionFromConn is a convenience function that extracts the remote
// and local address from conn and returns a new bitcoin version message
// that conforms to the Message interface.  See NewMsgVersion.
func NewMsgVersionFromConn(conn net.Conn, nonce uint64,
	lastBlock int32) (*MsgVersion, error) {

	lna, err := NewNetAddress(conn.LocalAddr(), 0)
	if err != nil {
		return nil, err
	}

	rna, err := NewNetAddress(conn.RemoteAddr(), 0)
	if err != nil {
		return nil, err
	}

	return NewMsgVersion(lna, rna, nonce, lastBlock), nil
}
