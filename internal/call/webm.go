package call

// webm.go — minimal WebM/EBML muxer for call recording.
//
// Pure Go EBML encoding, no external muxer. The output file is a live WebM
// stream: EBML header + Segment (unknown size) + Info + Tracks, followed by
// clusters of SimpleBlocks. VP8 video on track 1, Opus audio on track 2.

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"sync"
)

// ─── EBML encoding helpers ───────────────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
// Valid range: 0..268435454 (4-byte max, sufficient for any reasonable WebM element).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F: // 1 byte: 0xxxxxxx → 1xxxxxxx
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF: // 2 bytes
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF: // 3 bytes
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default: // 4 bytes
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlElem emits one element: raw ID bytes, encoded size, payload.
func ebmlElem(id []byte, payload []byte) []byte {
	out := make([]byte, 0, len(id)+8+len(payload))
	out = append(out, id...)
	out = append(out, ebmlVint(uint64(len(payload)))...)
	return append(out, payload...)
}

// ebmlUint encodes an unsigned integer payload with minimal width.
func ebmlUint(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// ebmlFloat encodes a float payload (8 bytes).
func ebmlFloat(v float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return buf[:]
}

// Element IDs used here (Matroska subset).
var (
	idEBML            = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion     = []byte{0x42, 0x86}
	idEBMLReadVersion = []byte{0x42, 0xF7}
	idMaxIDLength     = []byte{0x42, 0xF2}
	idMaxSizeLength   = []byte{0x42, 0xF3}
	idDocType         = []byte{0x42, 0x82}
	idDocTypeVersion  = []byte{0x42, 0x87}
	idDocTypeReadVer  = []byte{0x42, 0x85}

	idSegment       = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo          = []byte{0x15, 0x49, 0xA9, 0x66}
	idTimecodeScale = []byte{0x2A, 0xD7, 0xB1}
	idMuxingApp     = []byte{0x4D, 0x80}
	idWritingApp    = []byte{0x57, 0x41}

	idTracks        = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry    = []byte{0xAE}
	idTrackNumber   = []byte{0xD7}
	idTrackUID      = []byte{0x73, 0xC5}
	idTrackType     = []byte{0x83}
	idCodecID       = []byte{0x86}
	idVideo         = []byte{0xE0}
	idPixelWidth    = []byte{0xB0}
	idPixelHeight   = []byte{0xBA}
	idAudio         = []byte{0xE1}
	idSamplingFreq  = []byte{0xB5}
	idChannels      = []byte{0x9F}
	idCluster       = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode      = []byte{0xE7}
	idSimpleBlock   = []byte{0xA3}
	segmentUnknown  = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	timecodeScaleMs = uint64(1_000_000)
)

const (
	videoTrackNum = 1
	audioTrackNum = 2

	// maxClusterMs bounds cluster length so relative block timecodes
	// (int16 ms) never overflow.
	maxClusterMs = 30_000
)

// webmFile writes one recording. Safe for concurrent writers — the video
// and audio readers run on separate goroutines.
type webmFile struct {
	mu sync.Mutex
	f  *os.File

	audio        bool
	clusterOpen  bool
	clusterStart int64
	sawKeyframe  bool
	closed       bool
}

// newWebmFile creates path and writes the init segment.
func newWebmFile(path string, audio bool) (*webmFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &webmFile{f: f, audio: audio}
	if err := w.writeInitSegment(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *webmFile) writeInitSegment() error {
	var header bytes.Buffer
	header.Write(ebmlElem(idEBMLVersion, ebmlUint(1)))
	header.Write(ebmlElem(idEBMLReadVersion, ebmlUint(1)))
	header.Write(ebmlElem(idMaxIDLength, ebmlUint(4)))
	header.Write(ebmlElem(idMaxSizeLength, ebmlUint(8)))
	header.Write(ebmlElem(idDocType, []byte("webm")))
	header.Write(ebmlElem(idDocTypeVersion, ebmlUint(2)))
	header.Write(ebmlElem(idDocTypeReadVer, ebmlUint(2)))

	var info bytes.Buffer
	info.Write(ebmlElem(idTimecodeScale, ebmlUint(timecodeScaleMs)))
	info.Write(ebmlElem(idMuxingApp, []byte("skillmesh")))
	info.Write(ebmlElem(idWritingApp, []byte("skillmesh")))

	var video bytes.Buffer
	video.Write(ebmlElem(idPixelWidth, ebmlUint(640)))
	video.Write(ebmlElem(idPixelHeight, ebmlUint(480)))

	var videoEntry bytes.Buffer
	videoEntry.Write(ebmlElem(idTrackNumber, ebmlUint(videoTrackNum)))
	videoEntry.Write(ebmlElem(idTrackUID, ebmlUint(videoTrackNum)))
	videoEntry.Write(ebmlElem(idTrackType, ebmlUint(1))) // video
	videoEntry.Write(ebmlElem(idCodecID, []byte("V_VP8")))
	videoEntry.Write(ebmlElem(idVideo, video.Bytes()))

	var tracks bytes.Buffer
	tracks.Write(ebmlElem(idTrackEntry, videoEntry.Bytes()))

	if w.audio {
		var audio bytes.Buffer
		audio.Write(ebmlElem(idSamplingFreq, ebmlFloat(48_000)))
		audio.Write(ebmlElem(idChannels, ebmlUint(2)))

		var audioEntry bytes.Buffer
		audioEntry.Write(ebmlElem(idTrackNumber, ebmlUint(audioTrackNum)))
		audioEntry.Write(ebmlElem(idTrackUID, ebmlUint(audioTrackNum)))
		audioEntry.Write(ebmlElem(idTrackType, ebmlUint(2))) // audio
		audioEntry.Write(ebmlElem(idCodecID, []byte("A_OPUS")))
		audioEntry.Write(ebmlElem(idAudio, audio.Bytes()))
		tracks.Write(ebmlElem(idTrackEntry, audioEntry.Bytes()))
	}

	var out bytes.Buffer
	out.Write(ebmlElem(idEBML, header.Bytes()))
	out.Write(idSegment)
	out.Write(segmentUnknown) // streaming: segment size unknown
	out.Write(ebmlElem(idInfo, info.Bytes()))
	out.Write(ebmlElem(idTracks, tracks.Bytes()))

	_, err := w.f.Write(out.Bytes())
	return err
}

// WriteVideo appends one VP8 frame. Frames before the first keyframe are
// dropped — a decoder cannot start mid-GOP.
func (w *webmFile) WriteVideo(tsMs int64, keyframe bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if !w.sawKeyframe {
		if !keyframe {
			return nil
		}
		w.sawKeyframe = true
	}
	if keyframe || !w.clusterOpen || tsMs-w.clusterStart > maxClusterMs {
		if err := w.openClusterLocked(tsMs); err != nil {
			return err
		}
	}
	return w.writeBlockLocked(videoTrackNum, tsMs, keyframe, data)
}

// WriteAudio appends one Opus frame.
func (w *webmFile) WriteAudio(tsMs int64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !w.audio {
		return nil
	}
	if !w.clusterOpen || tsMs-w.clusterStart > maxClusterMs {
		if err := w.openClusterLocked(tsMs); err != nil {
			return err
		}
	}
	return w.writeBlockLocked(audioTrackNum, tsMs, true, data)
}

// openClusterLocked starts a new cluster at absolute timecode tsMs. Clusters
// are written with unknown size so the file is playable while still growing.
func (w *webmFile) openClusterLocked(tsMs int64) error {
	if tsMs < 0 {
		tsMs = 0
	}
	var out bytes.Buffer
	out.Write(idCluster)
	out.Write(segmentUnknown)
	out.Write(ebmlElem(idTimecode, ebmlUint(uint64(tsMs))))
	if _, err := w.f.Write(out.Bytes()); err != nil {
		return err
	}
	w.clusterOpen = true
	w.clusterStart = tsMs
	return nil
}

func (w *webmFile) writeBlockLocked(trackNum int, tsMs int64, keyframe bool, data []byte) error {
	rel := tsMs - w.clusterStart
	if rel < 0 {
		rel = 0
	}
	if rel > math.MaxInt16 {
		rel = math.MaxInt16
	}

	payload := make([]byte, 0, 4+len(data))
	payload = append(payload, byte(0x80|trackNum)) // track number as vint
	payload = append(payload, byte(rel>>8), byte(rel))
	var flags byte
	if keyframe {
		flags |= 0x80
	}
	payload = append(payload, flags)
	payload = append(payload, data...)

	_, err := w.f.Write(ebmlElem(idSimpleBlock, payload))
	return err
}

func (w *webmFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
