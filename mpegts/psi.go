package mpegts

import "fmt"

// streamType is the PMT's 8-bit stream_type field.
type streamType uint8

const (
	streamTypeMPEG1Video streamType = 0x01
	streamTypeMPEG2Video streamType = 0x02
	streamTypeMPEG1Audio streamType = 0x03
	streamTypeMPEG2Audio streamType = 0x04
	streamTypeAAC        streamType = 0x0F
	streamTypeH264       streamType = 0x1B
	streamTypeH265       streamType = 0x24
	streamTypeAC3        streamType = 0x81
	streamTypeDTS        streamType = 0x82
	streamTypeTrueHD     streamType = 0x83
)

// codecTag maps a PMT stream_type to the container-neutral codec tag used
// across every demuxer in this module, or "" if the type has no mapping.
func (s streamType) codecTag() string {
	switch s {
	case streamTypeMPEG1Video:
		return "mpeg1video"
	case streamTypeMPEG2Video:
		return "mpeg2video"
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
		return "mp3"
	case streamTypeAAC:
		return "aac"
	case streamTypeH264:
		return "h264"
	case streamTypeH265:
		return "h265"
	case streamTypeAC3:
		return "ac3"
	case streamTypeDTS:
		return "dts"
	case streamTypeTrueHD:
		return "truehd"
	default:
		return ""
	}
}

func (s streamType) isVideo() bool {
	switch s {
	case streamTypeMPEG1Video, streamTypeMPEG2Video, streamTypeH264, streamTypeH265:
		return true
	}
	return false
}

func (s streamType) isAudio() bool {
	switch s {
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio, streamTypeAAC, streamTypeAC3, streamTypeDTS, streamTypeTrueHD:
		return true
	}
	return false
}

// patProgram is one {program_number, PMT_PID} pair from a PAT section.
type patProgram struct {
	programNumber uint16
	pmtPID        uint16
}

// parsePAT parses a PAT's payload (pointer-field included, as it arrives
// after the packet header on a PUSI packet) and returns every program with
// a non-zero program number, in table order. The demuxer tracks only the
// first one's PMT.
func parsePAT(payload []byte) ([]patProgram, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PAT: empty payload")
	}
	ptr := int(payload[0])
	if 1+ptr >= len(payload) {
		return nil, fmt.Errorf("mpegts: PAT: pointer_field out of range")
	}
	sec := payload[1+ptr:]
	if len(sec) < 8 || sec[0] != 0x00 {
		return nil, fmt.Errorf("mpegts: PAT: bad table_id")
	}
	sectionLen := int(sec[1]&0x0F)<<8 | int(sec[2])
	if sectionLen < 9 || 3+sectionLen > len(sec) {
		return nil, fmt.Errorf("mpegts: PAT: bad section_length")
	}
	end := 3 + sectionLen
	var programs []patProgram
	for i := 8; i+4 <= end-4; i += 4 {
		progNum := uint16(sec[i])<<8 | uint16(sec[i+1])
		pid := (uint16(sec[i+2]&0x1F) << 8) | uint16(sec[i+3])
		if progNum != 0 { // 0 = NIT, not a program
			programs = append(programs, patProgram{programNumber: progNum, pmtPID: pid})
		}
	}
	return programs, nil
}

// pmtStream is one elementary stream entry from a PMT section.
type pmtStream struct {
	streamType streamType
	pid        uint16
}

type pmtTable struct {
	pcrPID  uint16
	streams []pmtStream
}

// parsePMT parses a PMT's payload (pointer-field included).
func parsePMT(payload []byte) (*pmtTable, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PMT: empty payload")
	}
	ptr := int(payload[0])
	if 1+ptr >= len(payload) {
		return nil, fmt.Errorf("mpegts: PMT: pointer_field out of range")
	}
	sec := payload[1+ptr:]
	if len(sec) < 12 || sec[0] != 0x02 {
		return nil, fmt.Errorf("mpegts: PMT: bad table_id")
	}
	sectionLen := int(sec[1]&0x0F)<<8 | int(sec[2])
	if sectionLen < 13 || 3+sectionLen > len(sec) {
		return nil, fmt.Errorf("mpegts: PMT: bad section_length")
	}
	end := 3 + sectionLen
	table := &pmtTable{pcrPID: (uint16(sec[8]&0x1F) << 8) | uint16(sec[9])}
	progInfoLen := int(sec[10]&0x0F)<<8 | int(sec[11])
	i := 12 + progInfoLen
	for i+5 <= end-4 {
		st := streamType(sec[i])
		pid := (uint16(sec[i+1]&0x1F) << 8) | uint16(sec[i+2])
		esInfoLen := int(sec[i+3]&0x0F)<<8 | int(sec[i+4])
		table.streams = append(table.streams, pmtStream{streamType: st, pid: pid})
		i += 5 + esInfoLen
	}
	return table, nil
}
