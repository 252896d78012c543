// This file implements the IPCP option vocabulary per RFC 1332, with the
// RFC 1877 DNS extensions.
package ppp

import (
	"encoding/binary"
	"net"

	"go.uber.org/zap"
)

// ipcpOption is one negotiable address-valued option: the address we hold
// for it and whether the peer rejected it.
type ipcpOption struct {
	Addr     uint32
	Rejected bool
}

// value returns the negotiated address, or 0 if unset or rejected.
func (o *ipcpOption) value() uint32 {
	if o.Rejected {
		return 0
	}
	return o.Addr
}

func (o *ipcpOption) nakked(data []byte, isReject bool) {
	if isReject || len(data) != 4 {
		o.Rejected = true
		return
	}
	o.Addr = binary.BigEndian.Uint32(data)
}

// ipcp is the IPCP binding for the option automaton: our requested
// address and DNS servers, and the peer's address.
type ipcp struct {
	logger *zap.Logger

	// configuration carried across resets
	requested uint32 // address we ask for, 0 = please assign
	wantDNS   bool

	// option stores, restored to their defaults by reset
	peerAddr   uint32
	address    ipcpOption
	dns1, dns2 ipcpOption

	// aborted is latched when the peer Naks our address request with
	// 0.0.0.0: no assignment is possible. The engine reads and clears it.
	aborted bool

	nakBuf [4]byte
}

func newIPCP(requested net.IP, wantDNS bool, logger *zap.Logger) *ipcp {
	i := &ipcp{logger: logger, wantDNS: wantDNS}
	if ip4 := requested.To4(); ip4 != nil {
		i.requested = binary.BigEndian.Uint32(ip4)
	}
	i.reset()
	return i
}

func (i *ipcp) protocolNumber() uint16 { return ProtocolIPCP }
func (i *ipcp) name() string           { return "IPCP" }

func (i *ipcp) reset() {
	i.peerAddr = 0
	i.address = ipcpOption{Addr: i.requested}
	i.dns1 = ipcpOption{}
	i.dns2 = ipcpOption{}
	i.aborted = false
}

func (i *ipcp) appendOwnOptions(w *optionWriter) {
	var buf [4]byte
	if !i.address.Rejected {
		binary.BigEndian.PutUint32(buf[:], i.address.Addr)
		w.put(IPCPOptIPAddress, buf[:])
	}
	if i.wantDNS && !i.dns1.Rejected {
		binary.BigEndian.PutUint32(buf[:], i.dns1.Addr)
		w.put(IPCPOptPrimaryDNS, buf[:])
	}
	if i.wantDNS && !i.dns2.Rejected {
		binary.BigEndian.PutUint32(buf[:], i.dns2.Addr)
		w.put(IPCPOptSecondaryDNS, buf[:])
	}
}

func (i *ipcp) ownOptionNakked(typ uint8, data []byte, isReject bool) {
	switch typ {
	case IPCPOptIPAddress:
		if !isReject && len(data) == 4 && binary.BigEndian.Uint32(data) == 0 {
			// Peer has no address for us; negotiation cannot succeed.
			i.logger.Warn("peer nakked our address request with 0.0.0.0")
			i.aborted = true
			return
		}
		i.address.nakked(data, isReject)
	case IPCPOptPrimaryDNS:
		i.dns1.nakked(data, isReject)
	case IPCPOptSecondaryDNS:
		i.dns2.nakked(data, isReject)
	default:
		i.logger.Debug("peer nakked option we never sent", zap.Uint8("option", typ))
	}
}

func (i *ipcp) peerOptionsStart() {
	i.peerAddr = 0
}

func (i *ipcp) peerOption(typ uint8, data []byte) (verdict, []byte) {
	switch typ {
	case IPCPOptIPAddress:
		if len(data) != 4 {
			return verdictRej, nil
		}
		addr := binary.BigEndian.Uint32(data)
		if addr == 0 {
			// The peer is the server; it should know its own address.
			// Suggest the one we recorded if we have it.
			if i.peerAddr != 0 {
				binary.BigEndian.PutUint32(i.nakBuf[:], i.peerAddr)
				return verdictNak, i.nakBuf[:]
			}
			return verdictRej, nil
		}
		i.peerAddr = addr
		return verdictAck, nil

	case IPCPOptPrimaryDNS, IPCPOptSecondaryDNS:
		// DNS assignment flows from the server to us, not the other way.
		return verdictRej, nil

	default:
		return verdictRej, nil
	}
}

// ipv4Status is the negotiated IPv4 configuration.
type ipv4Status struct {
	Address     uint32
	PeerAddress uint32
	DNS1        uint32
	DNS2        uint32
}

func (i *ipcp) status() ipv4Status {
	return ipv4Status{
		Address:     i.address.value(),
		PeerAddress: i.peerAddr,
		DNS1:        i.dns1.value(),
		DNS2:        i.dns2.value(),
	}
}

// u32ToIP converts a host-ordered IPv4 word to a net.IP, nil for zero.
func u32ToIP(addr uint32) net.IP {
	if addr == 0 {
		return nil
	}
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, addr)
	return ip
}
