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
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Packet{
		&WhoIsMasterRequest{Hdr: Header{TimelineID: 0, GroupID: 7}, Priority: 5, DeviceID: 0x112233445566},
		&WhoIsMasterResponse{Hdr: Header{TimelineID: 42, GroupID: 7}, Priority: 1, DeviceID: 0xaabbccddeeff},
		&SyncRequest{Hdr: Header{TimelineID: 42}, ClientTxLocal: -123456},
		&SyncResponse{Hdr: Header{TimelineID: 42}, ClientTxLocal: 1, MasterRxCommon: 2, MasterTxCommon: 3, NAK: 1},
		&MasterAnnouncement{Hdr: Header{TimelineID: 42}, Priority: 127, DeviceID: 0x1},
	}

	for _, want := range cases {
		encoded := want.Encode()
		got, err := Decode(encoded, want.Header().GroupID)
		require.NoError(t, err)
		require.Equal(t, want, got, "round-trip mismatch:\n%s", spew.Sdump(got))
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := (&SyncRequest{ClientTxLocal: 1}).Encode()
	data[0] ^= 0xff
	_, err := Decode(data, 0)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	data := (&SyncRequest{ClientTxLocal: 1}).Encode()
	data[5] = 9
	_, err := Decode(data, 0)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeRejectsWrongGroup(t *testing.T) {
	data := (&SyncRequest{Hdr: Header{GroupID: 5}, ClientTxLocal: 1}).Encode()
	_, err := Decode(data, 9)
	require.ErrorIs(t, err, ErrBadGroup)
}

func TestDecodeAllowsZeroGroupEitherSide(t *testing.T) {
	data := (&SyncRequest{Hdr: Header{GroupID: 0}, ClientTxLocal: 1}).Encode()
	_, err := Decode(data, 9)
	require.NoError(t, err)

	data2 := (&SyncRequest{Hdr: Header{GroupID: 9}, ClientTxLocal: 1}).Encode()
	_, err = Decode(data2, 0)
	require.NoError(t, err)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	data := (&SyncResponse{ClientTxLocal: 1, MasterRxCommon: 2, MasterTxCommon: 3}).Encode()
	_, err := Decode(data[:HeaderLen+4], 0)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	data := (&SyncRequest{ClientTxLocal: 1}).Encode()
	data[7] = 0x63 // overwrite low byte of the type field with a bogus value
	_, err := Decode(data, 0)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeRejectsTooShortForHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, 0)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestPackDevicePriorityRoundTrip(t *testing.T) {
	packed := packDevicePriority(127, 0x00ffffffffffff)
	prio, id := unpackDevicePriority(packed)
	require.EqualValues(t, 127, prio)
	require.EqualValues(t, 0x00ffffffffffff, id)
}
