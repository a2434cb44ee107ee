package demux

import "errors"

// ErrInvalidADTS is returned for an ADTS header with a reserved sampling
// frequency index.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// aacBlockSamples is the PCM length of one AAC raw data block.
const aacBlockSamples = 1024

// adtsRates is indexed by sampling_frequency_index.
var adtsRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSSampleCount returns the number of PCM samples carried by the ADTS
// frames in data along with the stream parameters of the first frame.
// Bytes before a sync word are skipped and a truncated last frame is not
// counted.
func ADTSSampleCount(data []byte) (samples, sampleRate, channels int, err error) {
	for len(data) >= 7 {
		if data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
			data = data[1:]
			continue
		}
		sfi := int(data[2]>>2) & 0x0F
		if sfi >= len(adtsRates) {
			return samples, sampleRate, channels, ErrInvalidADTS
		}
		header := 7
		if data[1]&0x01 == 0 {
			header = 9
		}
		size := int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
		if size < header || size > len(data) {
			break
		}
		if sampleRate == 0 {
			sampleRate = adtsRates[sfi]
			channels = int(data[2]&0x01)<<2 | int(data[3]>>6)
		}
		// number_of_raw_data_blocks_in_frame is stored minus one.
		samples += (int(data[6]&0x03) + 1) * aacBlockSamples
		data = data[size:]
	}
	return samples, sampleRate, channels, nil
}
