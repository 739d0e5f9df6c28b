// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package layer

import (
	"encoding/binary"
	"fmt"

	"github.com/swaingotnochill/pageserver/internal/pstypes"
)

// encodeRecords serializes recs into a flat block. The on-disk layout
// is deliberately unspecified by the governing specification (§1
// non-goals): this is one valid choice, not a format other
// implementations must match.
func encodeRecords(recs []record) []byte {
	var buf []byte
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(recs)))
	buf = append(buf, hdr...)

	for _, r := range recs {
		buf = append(buf, r.key[:]...)

		lsnBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(lsnBuf, uint64(r.lsn))
		buf = append(buf, lsnBuf...)

		var flags byte
		if r.value.IsImage {
			flags |= 1
		} else if r.value.Record.WillInit {
			flags |= 2
		}
		buf = append(buf, flags)

		payload := r.value.Image
		if !r.value.IsImage {
			payload = r.value.Record.Payload
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
		buf = append(buf, lenBuf...)
		buf = append(buf, payload...)
	}
	return buf
}

func decodeRecords(buf []byte) ([]record, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("layer: truncated block header")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	recs := make([]record, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < pstypes.KeySize+8+1+4 {
			return nil, fmt.Errorf("layer: truncated record %d", i)
		}
		var key pstypes.Key
		copy(key[:], buf[:pstypes.KeySize])
		buf = buf[pstypes.KeySize:]

		lsn := pstypes.Lsn(binary.BigEndian.Uint64(buf[:8]))
		buf = buf[8:]

		flags := buf[0]
		buf = buf[1:]

		plen := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < plen {
			return nil, fmt.Errorf("layer: truncated payload for record %d", i)
		}
		payload := make([]byte, plen)
		copy(payload, buf[:plen])
		buf = buf[plen:]

		var value pstypes.Value
		if flags&1 != 0 {
			value = pstypes.NewImageValue(payload)
		} else {
			value = pstypes.NewRecordValue(pstypes.WalRecord{WillInit: flags&2 != 0, Payload: payload})
		}
		recs = append(recs, record{key: key, lsn: lsn, value: value})
	}
	return recs, nil
}
