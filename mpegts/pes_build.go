package mpegts

// buildPESHeaderBytes composes a PES packet header: start code, stream_id,
// PES_packet_length, flags, and the optional PTS/DTS fields, per esLen (the
// elementary-stream payload byte count that follows this header).
func buildPESHeaderBytes(streamID byte, pts, dts uint64, hasPTS, hasDTS bool, esLen int) []byte {
	headerDataLen := 0
	switch {
	case hasPTS && hasDTS:
		headerDataLen = 10
	case hasPTS:
		headerDataLen = 5
	}

	packetLen := 3 + headerDataLen + esLen // flags1+flags2+header_data_length, PTS/DTS, payload
	if packetLen > 0xFFFF {
		packetLen = 0 // unbounded: standard for video PES exceeding the 16-bit field
	}

	h := make([]byte, 0, 9+headerDataLen)
	h = append(h, 0x00, 0x00, 0x01, streamID)
	h = append(h, byte(packetLen>>8), byte(packetLen))
	h = append(h, 0x80) // flags1: marker bits '10', no scrambling/priority/alignment/copyright/original

	flags2 := byte(0)
	switch {
	case hasPTS && hasDTS:
		flags2 = 0xC0
	case hasPTS:
		flags2 = 0x80
	}
	h = append(h, flags2)
	h = append(h, byte(headerDataLen))

	if hasPTS && hasDTS {
		ptsBytes := writeTimestamp33(0x3, pts)
		dtsBytes := writeTimestamp33(0x1, dts)
		h = append(h, ptsBytes[:]...)
		h = append(h, dtsBytes[:]...)
	} else if hasPTS {
		ptsBytes := writeTimestamp33(0x2, pts)
		h = append(h, ptsBytes[:]...)
	}
	return h
}

// fragmentPES splits full (a PES header followed by its elementary-stream
// payload) into 188-byte TS packets: 184-byte payload chunks, with
// adaptation-field stuffing only on the last, short fragment.
func fragmentPES(pid uint16, cc *uint8, full []byte) [][PacketSize]byte {
	var packets [][PacketSize]byte
	pos := 0
	first := true
	for pos < len(full) {
		remaining := len(full) - pos
		var payload []byte
		var af []byte
		if remaining >= 184 {
			payload = full[pos : pos+184]
		} else {
			payload = full[pos:]
			afBody := 183 - len(payload)
			if afBody <= 0 {
				af = []byte{0}
			} else {
				stuffing := afBody - 1
				af = make([]byte, 0, 1+afBody)
				af = append(af, byte(afBody), 0x00)
				for i := 0; i < stuffing; i++ {
					af = append(af, 0xFF)
				}
			}
		}
		pos += len(payload)

		var pkt [PacketSize]byte
		pkt[0] = SyncByte
		pkt[1] = byte(pid >> 8)
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		afc := byte(0x10) // payload only
		if af != nil {
			afc = 0x30 // adaptation + payload
		}
		pkt[3] = afc | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		off := 4
		if af != nil {
			copy(pkt[off:], af)
			off += len(af)
		}
		copy(pkt[off:], payload)

		packets = append(packets, pkt)
		first = false
	}
	return packets
}
