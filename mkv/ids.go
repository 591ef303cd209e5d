package mkv

import "github.com/snapetech/containerkit/ebml"

// Matroska/WebM element IDs this demuxer recognizes, scoped to the subset
// spec.md's Segment walk and block iteration need.
const (
	idEBMLHeader ebml.ID = 0x1A45DFA3
	idDocType    ebml.ID = 0x4282

	idSegment ebml.ID = 0x18538067

	idSegmentInfo    ebml.ID = 0x1549A966
	idTimestampScale ebml.ID = 0x2AD7B1
	idDuration       ebml.ID = 0x4489
	idTitle          ebml.ID = 0x7BA9
	idMuxingApp      ebml.ID = 0x4D80
	idWritingApp     ebml.ID = 0x5741

	idTracks           ebml.ID = 0x1654AE6B
	idTrackEntry       ebml.ID = 0xAE
	idTrackNumber      ebml.ID = 0xD7
	idTrackUID         ebml.ID = 0x73C5
	idTrackType        ebml.ID = 0x83
	idFlagDefault      ebml.ID = 0x88
	idFlagForced       ebml.ID = 0x55AA
	idDefaultDuration  ebml.ID = 0x23E383
	idTrackName        ebml.ID = 0x536E
	idLanguage         ebml.ID = 0x22B59C
	idCodecID          ebml.ID = 0x86
	idCodecPrivate     ebml.ID = 0x63A2
	idTrackVideo       ebml.ID = 0xE0
	idPixelWidth       ebml.ID = 0xB0
	idPixelHeight      ebml.ID = 0xBA
	idDisplayWidth     ebml.ID = 0x54B0
	idDisplayHeight    ebml.ID = 0x54BA
	idTrackAudio       ebml.ID = 0xE1
	idSamplingFreq     ebml.ID = 0xB5
	idOutputSampleFreq ebml.ID = 0x78B5
	idChannels         ebml.ID = 0x9F
	idBitDepth         ebml.ID = 0x6264

	idCluster       ebml.ID = 0x1F43B675
	idTimestamp     ebml.ID = 0xE7
	idSimpleBlock   ebml.ID = 0xA3
	idBlockGroup    ebml.ID = 0xA0
	idBlock         ebml.ID = 0xA1
	idBlockDuration ebml.ID = 0x9B
	idReferenceBlock ebml.ID = 0xFB

	idCues        ebml.ID = 0x1C53BB6B
	idChapters    ebml.ID = 0x1043A770
	idTags        ebml.ID = 0x1254C367
	idAttachments ebml.ID = 0x1941A469
)

// TrackType values (Matroska spec §11.4.8).
const (
	trackTypeVideo    = 1
	trackTypeAudio    = 2
	trackTypeSubtitle = 17
)
