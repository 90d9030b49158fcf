package radio

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// -------------------------------------------------------------------------
// Device Protocol Messages
// -------------------------------------------------------------------------

// Hand-rolled wire codec for the handful of device messages the gateway
// exchanges over the serial link. Only the fields the gateway reads or
// writes are decoded; unknown fields are skipped so newer firmware stays
// compatible.

// ErrMalformedFrame indicates a payload that does not parse as a device
// message.
var ErrMalformedFrame = errors.New("radio: malformed device frame")

// Data is the decoded application payload of a mesh packet.
type Data struct {
	Port         uint32
	Payload      []byte
	WantResponse bool
}

// MeshPacket is one packet heard from (or submitted to) the mesh.
type MeshPacket struct {
	From     uint32
	To       uint32
	Channel  uint32
	Decoded  *Data
	ID       uint32
	RxTime   uint32
	RxSNR    float32
	HopLimit uint32
	WantAck  bool
}

// User is the identity block of a node.
type User struct {
	ID        string
	LongName  string
	ShortName string
}

// NodeInfo is one entry of the device's node directory.
type NodeInfo struct {
	Num       uint32
	User      *User
	SNR       float32
	LastHeard uint32
}

// MyInfo identifies the attached node itself.
type MyInfo struct {
	NodeNum uint32
}

// FromRadio is one message streamed by the device to the host. Exactly one
// of the pointer fields is set; ConfigCompleteID is non-zero on the variant
// closing the startup dump.
type FromRadio struct {
	Packet           *MeshPacket
	MyInfo           *MyInfo
	Node             *NodeInfo
	ConfigCompleteID uint32
	Rebooted         bool
}

// Field numbers on the host link.
const (
	toRadioPacketField     = 1
	toRadioWantConfigField = 3
	toRadioHeartbeatField  = 7

	fromRadioPacketField         = 2
	fromRadioMyInfoField         = 3
	fromRadioNodeInfoField       = 4
	fromRadioConfigCompleteField = 7
	fromRadioRebootedField       = 8

	meshPacketFromField     = 1
	meshPacketToField       = 2
	meshPacketChannelField  = 3
	meshPacketDecodedField  = 4
	meshPacketIDField       = 6
	meshPacketRxTimeField   = 7
	meshPacketRxSNRField    = 8
	meshPacketHopLimitField = 9
	meshPacketWantAckField  = 10

	dataPortField         = 1
	dataPayloadField      = 2
	dataWantResponseField = 3

	nodeInfoNumField       = 1
	nodeInfoUserField      = 2
	nodeInfoSNRField       = 4
	nodeInfoLastHeardField = 5

	userIDField        = 1
	userLongNameField  = 2
	userShortNameField = 3

	myInfoNodeNumField = 1
)

// ---- encoding -----------------------------------------------------------

// MarshalToRadioPacket encodes a host-to-device message carrying pkt.
func MarshalToRadioPacket(pkt *MeshPacket) []byte {
	body := appendMeshPacket(nil, pkt)
	out := protowire.AppendTag(nil, toRadioPacketField, protowire.BytesType)
	return protowire.AppendBytes(out, body)
}

// MarshalWantConfig encodes the handshake that asks the device to stream
// its configuration and node directory. id is echoed back when the dump
// completes.
func MarshalWantConfig(id uint32) []byte {
	out := protowire.AppendTag(nil, toRadioWantConfigField, protowire.VarintType)
	return protowire.AppendVarint(out, uint64(id))
}

// MarshalHeartbeat encodes the periodic host keepalive.
func MarshalHeartbeat() []byte {
	out := protowire.AppendTag(nil, toRadioHeartbeatField, protowire.BytesType)
	return protowire.AppendBytes(out, nil)
}

func appendMeshPacket(out []byte, pkt *MeshPacket) []byte {
	if pkt.From != 0 {
		out = protowire.AppendTag(out, meshPacketFromField, protowire.Fixed32Type)
		out = protowire.AppendFixed32(out, pkt.From)
	}
	out = protowire.AppendTag(out, meshPacketToField, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, pkt.To)
	if pkt.Channel != 0 {
		out = protowire.AppendTag(out, meshPacketChannelField, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(pkt.Channel))
	}
	if pkt.Decoded != nil {
		body := appendData(nil, pkt.Decoded)
		out = protowire.AppendTag(out, meshPacketDecodedField, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	}
	if pkt.ID != 0 {
		out = protowire.AppendTag(out, meshPacketIDField, protowire.Fixed32Type)
		out = protowire.AppendFixed32(out, pkt.ID)
	}
	if pkt.HopLimit != 0 {
		out = protowire.AppendTag(out, meshPacketHopLimitField, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(pkt.HopLimit))
	}
	if pkt.WantAck {
		out = protowire.AppendTag(out, meshPacketWantAckField, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
	}
	return out
}

func appendData(out []byte, d *Data) []byte {
	out = protowire.AppendTag(out, dataPortField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(d.Port))
	out = protowire.AppendTag(out, dataPayloadField, protowire.BytesType)
	out = protowire.AppendBytes(out, d.Payload)
	if d.WantResponse {
		out = protowire.AppendTag(out, dataWantResponseField, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
	}
	return out
}

// ---- decoding -----------------------------------------------------------

// UnmarshalFromRadio decodes one device-to-host message.
func UnmarshalFromRadio(buf []byte) (*FromRadio, error) {
	fr := &FromRadio{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fromRadioPacketField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: packet: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			pkt, err := unmarshalMeshPacket(body)
			if err != nil {
				return nil, err
			}
			fr.Packet = pkt
			buf = buf[n:]

		case num == fromRadioMyInfoField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: my_info: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			mi, err := unmarshalMyInfo(body)
			if err != nil {
				return nil, err
			}
			fr.MyInfo = mi
			buf = buf[n:]

		case num == fromRadioNodeInfoField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: node_info: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			ni, err := unmarshalNodeInfo(body)
			if err != nil {
				return nil, err
			}
			fr.Node = ni
			buf = buf[n:]

		case num == fromRadioConfigCompleteField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: config_complete: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			fr.ConfigCompleteID = uint32(v)
			buf = buf[n:]

		case num == fromRadioRebootedField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: rebooted: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			fr.Rebooted = v != 0
			buf = buf[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return fr, nil
}

func unmarshalMeshPacket(buf []byte) (*MeshPacket, error) {
	pkt := &MeshPacket{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: packet tag: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == meshPacketFromField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, malformed("from", n)
			}
			pkt.From = v
			buf = buf[n:]

		case num == meshPacketToField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, malformed("to", n)
			}
			pkt.To = v
			buf = buf[n:]

		case num == meshPacketChannelField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, malformed("channel", n)
			}
			pkt.Channel = uint32(v)
			buf = buf[n:]

		case num == meshPacketDecodedField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, malformed("decoded", n)
			}
			d, err := unmarshalData(body)
			if err != nil {
				return nil, err
			}
			pkt.Decoded = d
			buf = buf[n:]

		case num == meshPacketIDField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, malformed("id", n)
			}
			pkt.ID = v
			buf = buf[n:]

		case num == meshPacketRxTimeField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, malformed("rx_time", n)
			}
			pkt.RxTime = v
			buf = buf[n:]

		case num == meshPacketRxSNRField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, malformed("rx_snr", n)
			}
			pkt.RxSNR = math.Float32frombits(v)
			buf = buf[n:]

		case num == meshPacketHopLimitField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, malformed("hop_limit", n)
			}
			pkt.HopLimit = uint32(v)
			buf = buf[n:]

		case num == meshPacketWantAckField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, malformed("want_ack", n)
			}
			pkt.WantAck = v != 0
			buf = buf[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: packet field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return pkt, nil
}

func unmarshalData(buf []byte) (*Data, error) {
	d := &Data{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, malformed("data tag", n)
		}
		buf = buf[n:]

		switch {
		case num == dataPortField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, malformed("port", n)
			}
			d.Port = uint32(v)
			buf = buf[n:]

		case num == dataPayloadField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, malformed("payload", n)
			}
			d.Payload = append([]byte(nil), body...)
			buf = buf[n:]

		case num == dataWantResponseField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, malformed("want_response", n)
			}
			d.WantResponse = v != 0
			buf = buf[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: data field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return d, nil
}

func unmarshalNodeInfo(buf []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, malformed("node_info tag", n)
		}
		buf = buf[n:]

		switch {
		case num == nodeInfoNumField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, malformed("num", n)
			}
			ni.Num = uint32(v)
			buf = buf[n:]

		case num == nodeInfoUserField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, malformed("user", n)
			}
			u, err := unmarshalUser(body)
			if err != nil {
				return nil, err
			}
			ni.User = u
			buf = buf[n:]

		case num == nodeInfoSNRField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, malformed("snr", n)
			}
			ni.SNR = math.Float32frombits(v)
			buf = buf[n:]

		case num == nodeInfoLastHeardField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, malformed("last_heard", n)
			}
			ni.LastHeard = v
			buf = buf[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: node_info field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return ni, nil
}

func unmarshalUser(buf []byte) (*User, error) {
	u := &User{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, malformed("user tag", n)
		}
		buf = buf[n:]

		switch {
		case num == userIDField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, malformed("user id", n)
			}
			u.ID = string(body)
			buf = buf[n:]

		case num == userLongNameField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, malformed("long_name", n)
			}
			u.LongName = string(body)
			buf = buf[n:]

		case num == userShortNameField && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, malformed("short_name", n)
			}
			u.ShortName = string(body)
			buf = buf[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: user field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return u, nil
}

func unmarshalMyInfo(buf []byte) (*MyInfo, error) {
	mi := &MyInfo{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, malformed("my_info tag", n)
		}
		buf = buf[n:]

		switch {
		case num == myInfoNodeNumField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, malformed("my_node_num", n)
			}
			mi.NodeNum = uint32(v)
			buf = buf[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: my_info field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return mi, nil
}

func malformed(what string, n int) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, what, protowire.ParseError(n))
}
