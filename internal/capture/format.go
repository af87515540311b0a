// Package capture turns a live frame stream into an encoded clip by piping
// raw RGBA frames into ffmpeg.
package capture

// Format is an output container with its codec pair.
type Format struct {
	Name       string // short name reported on results, e.g. "webm"
	MIMEType   string
	Ext        string
	Container  string // ffmpeg muxer
	VideoCodec string
	AudioCodec string
	extraArgs  []string
}

// Encoders lists the ffmpeg encoders the format requires.
func (f Format) Encoders() []string {
	return []string{f.VideoCodec, f.AudioCodec}
}

// Formats is the preference order. The last entry uses encoders built into
// every ffmpeg and is the fallback when probing fails.
var Formats = []Format{
	{
		Name: "webm", MIMEType: "video/webm;codecs=vp9,opus", Ext: ".webm", Container: "webm",
		VideoCodec: "libvpx-vp9", AudioCodec: "libopus",
		extraArgs: []string{"-deadline", "realtime", "-cpu-used", "8", "-row-mt", "1"},
	},
	{
		Name: "webm", MIMEType: "video/webm;codecs=vp8,opus", Ext: ".webm", Container: "webm",
		VideoCodec: "libvpx", AudioCodec: "libopus",
		extraArgs: []string{"-deadline", "realtime", "-cpu-used", "8"},
	},
	{
		Name: "mp4", MIMEType: "video/mp4", Ext: ".mp4", Container: "mp4",
		VideoCodec: "libx264", AudioCodec: "aac",
		extraArgs: []string{"-preset", "veryfast", "-movflags", "+faststart"},
	},
	{
		Name: "mp4", MIMEType: "video/mp4", Ext: ".mp4", Container: "mp4",
		VideoCodec: "mpeg4", AudioCodec: "aac",
		extraArgs: []string{"-movflags", "+faststart"},
	},
}

// Fallback is the built-in last resort.
func Fallback() Format {
	return Formats[len(Formats)-1]
}
