/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Packet is implemented by all five concrete packet shapes; Encode
// produces the full wire image (header + body).
type Packet interface {
	Header() Header
	Encode() []byte
}

// WhoIsMasterRequest is sent to elicit a response from a current master, or
// to canvas for competing candidates during election.
type WhoIsMasterRequest struct {
	Hdr      Header
	Priority uint8
	DeviceID uint64
}

func (p *WhoIsMasterRequest) Header() Header { return p.Hdr }

// Encode implements Packet.
func (p *WhoIsMasterRequest) Encode() []byte {
	buf := &bytes.Buffer{}
	p.Hdr.Type = TypeWhoIsMasterRequest
	p.Hdr.marshal(buf)
	binary.Write(buf, binary.BigEndian, packDevicePriority(p.Priority, p.DeviceID))
	return buf.Bytes()
}

func decodeWhoIsMasterRequest(h Header, body []byte) (*WhoIsMasterRequest, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: WhoIsMasterRequest needs 8 bytes, got %d", ErrTruncated, len(body))
	}
	priority, deviceID := unpackDevicePriority(binary.BigEndian.Uint64(body[0:8]))
	return &WhoIsMasterRequest{Hdr: h, Priority: priority, DeviceID: deviceID}, nil
}

// WhoIsMasterResponse answers a WhoIsMasterRequest, naming the responder as
// a candidate (or incumbent) master.
type WhoIsMasterResponse struct {
	Hdr      Header
	Priority uint8
	DeviceID uint64
}

func (p *WhoIsMasterResponse) Header() Header { return p.Hdr }

// Encode implements Packet.
func (p *WhoIsMasterResponse) Encode() []byte {
	buf := &bytes.Buffer{}
	p.Hdr.Type = TypeWhoIsMasterResponse
	p.Hdr.marshal(buf)
	binary.Write(buf, binary.BigEndian, packDevicePriority(p.Priority, p.DeviceID))
	return buf.Bytes()
}

func decodeWhoIsMasterResponse(h Header, body []byte) (*WhoIsMasterResponse, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: WhoIsMasterResponse needs 8 bytes, got %d", ErrTruncated, len(body))
	}
	priority, deviceID := unpackDevicePriority(binary.BigEndian.Uint64(body[0:8]))
	return &WhoIsMasterResponse{Hdr: h, Priority: priority, DeviceID: deviceID}, nil
}

// SyncRequest asks the master to stamp its reception and transmission
// times, for round-trip-time and offset measurement.
type SyncRequest struct {
	Hdr           Header
	ClientTxLocal int64
}

func (p *SyncRequest) Header() Header { return p.Hdr }

// Encode implements Packet.
func (p *SyncRequest) Encode() []byte {
	buf := &bytes.Buffer{}
	p.Hdr.Type = TypeSyncRequest
	p.Hdr.marshal(buf)
	binary.Write(buf, binary.BigEndian, p.ClientTxLocal)
	return buf.Bytes()
}

func decodeSyncRequest(h Header, body []byte) (*SyncRequest, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: SyncRequest needs 8 bytes, got %d", ErrTruncated, len(body))
	}
	return &SyncRequest{Hdr: h, ClientTxLocal: int64(binary.BigEndian.Uint64(body[0:8]))}, nil
}

// SyncResponse carries the three timestamps (and a NAK flag) the client
// needs to compute offset and RTT, or to learn it asked the wrong master.
type SyncResponse struct {
	Hdr            Header
	ClientTxLocal  int64
	MasterRxCommon int64
	MasterTxCommon int64
	NAK            uint32
}

func (p *SyncResponse) Header() Header { return p.Hdr }

// Encode implements Packet.
func (p *SyncResponse) Encode() []byte {
	buf := &bytes.Buffer{}
	p.Hdr.Type = TypeSyncResponse
	p.Hdr.marshal(buf)
	binary.Write(buf, binary.BigEndian, p.ClientTxLocal)
	binary.Write(buf, binary.BigEndian, p.MasterRxCommon)
	binary.Write(buf, binary.BigEndian, p.MasterTxCommon)
	binary.Write(buf, binary.BigEndian, p.NAK)
	return buf.Bytes()
}

func decodeSyncResponse(h Header, body []byte) (*SyncResponse, error) {
	if len(body) < 28 {
		return nil, fmt.Errorf("%w: SyncResponse needs 28 bytes, got %d", ErrTruncated, len(body))
	}
	return &SyncResponse{
		Hdr:            h,
		ClientTxLocal:  int64(binary.BigEndian.Uint64(body[0:8])),
		MasterRxCommon: int64(binary.BigEndian.Uint64(body[8:16])),
		MasterTxCommon: int64(binary.BigEndian.Uint64(body[16:24])),
		NAK:            binary.BigEndian.Uint32(body[24:28]),
	}, nil
}

// MasterAnnouncement is periodically broadcast by the current master so
// Ronin/WaitForElection peers can learn of it without polling.
type MasterAnnouncement struct {
	Hdr      Header
	Priority uint8
	DeviceID uint64
}

func (p *MasterAnnouncement) Header() Header { return p.Hdr }

// Encode implements Packet.
func (p *MasterAnnouncement) Encode() []byte {
	buf := &bytes.Buffer{}
	p.Hdr.Type = TypeMasterAnnouncement
	p.Hdr.marshal(buf)
	binary.Write(buf, binary.BigEndian, packDevicePriority(p.Priority, p.DeviceID))
	return buf.Bytes()
}

func decodeMasterAnnouncement(h Header, body []byte) (*MasterAnnouncement, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: MasterAnnouncement needs 8 bytes, got %d", ErrTruncated, len(body))
	}
	priority, deviceID := unpackDevicePriority(binary.BigEndian.Uint64(body[0:8]))
	return &MasterAnnouncement{Hdr: h, Priority: priority, DeviceID: deviceID}, nil
}

// Decode dispatches on the header's type field into one of the five
// concrete packet shapes (the Go-native equivalent of a tagged-variant
// decode over what the original C++ expressed as a union). ourGroup is
// the locally configured sync group id, used to reject cross-group
// traffic before it reaches the state machine.
func Decode(data []byte, ourGroup uint64) (Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if GroupMismatch(ourGroup, h.GroupID) {
		return nil, fmt.Errorf("%w: ours=%d theirs=%d", ErrBadGroup, ourGroup, h.GroupID)
	}
	body := data[HeaderLen:]
	switch h.Type {
	case TypeWhoIsMasterRequest:
		return decodeWhoIsMasterRequest(h, body)
	case TypeWhoIsMasterResponse:
		return decodeWhoIsMasterResponse(h, body)
	case TypeSyncRequest:
		return decodeSyncRequest(h, body)
	case TypeSyncResponse:
		return decodeSyncResponse(h, body)
	case TypeMasterAnnouncement:
		return decodeMasterAnnouncement(h, body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
}
