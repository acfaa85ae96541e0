// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package connmgr implements a generic Bitcoin network connection manager.

Connection Manager Overview

Connection Manager maintains a target number of outbound connections,
retrying failed and permanent ones, sources peers from DNS seeds and the
address manager, accepts inbound connections from the configured listeners,
and (through PeerConnManager) runs the version handshake on every
connection. It does not ban misbehaving connections, cap the total number
of connections, or route connections via tor.

*/
package connmgr
