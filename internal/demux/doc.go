// Package demux implements the codec bitstream helpers the MPEG-TS
// backend needs to describe access units without decoding them: H.264
// and H.265 Annex B splitting, SPS/VUI parsing (dimensions, aspect ratio,
// frame rate, reorder depth), pic_timing SEI (pic_struct and timecodes),
// slice types, ADTS framing, and CEA-608 caption extraction.
//
// The central type is [VideoParser], which keeps the parameter sets of
// one elementary stream and turns each PES payload into an [AccessUnit].
package demux
