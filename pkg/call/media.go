package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/finnweber/chime/pkg/protocol"
)

// Media acquisition failure kinds. Every failure surfaced to the user wraps
// one of these sentinels.
var (
	ErrPermissionDenied = errors.New("call: media permission denied")
	ErrDeviceNotFound   = errors.New("call: media device not found")
	ErrDeviceBusy       = errors.New("call: media device busy")
)

// AcquireError wraps a media acquisition failure with the requested call type.
type AcquireError struct {
	CallType protocol.CallType
	Err      error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("call: acquire media for %s call: %v", e.CallType, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local media track under the call's control.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying device/resource. Idempotent.
	Stop()
}

// LocalTrack is a Track that can be attached to a Pion peer connection.
type LocalTrack interface {
	Track
	WebRTC() webrtc.TrackLocal
}

// MediaProvider acquires local tracks for a call: audio only for voice,
// audio+video for video. Acquisition is asynchronous and honors ctx.
type MediaProvider interface {
	Acquire(ctx context.Context, callType protocol.CallType) ([]Track, error)
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

// ----- Static provider -----

// StaticProvider acquires silent Pion sample tracks. It backs the terminal
// client, which participates in signaling without capturing real devices.
type StaticProvider struct{}

// Acquire implements MediaProvider.
func (StaticProvider) Acquire(_ context.Context, callType protocol.CallType) ([]Track, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "chime")
	if err != nil {
		return nil, &AcquireError{CallType: callType, Err: err}
	}
	tracks := []Track{&staticTrack{kind: TrackAudio, track: audio, enabled: true}}

	if callType == protocol.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "chime")
		if err != nil {
			stopTracks(tracks)
			return nil, &AcquireError{CallType: callType, Err: err}
		}
		tracks = append(tracks, &staticTrack{kind: TrackVideo, track: video, enabled: true})
	}
	return tracks, nil
}

type staticTrack struct {
	kind    TrackKind
	track   *webrtc.TrackLocalStaticSample
	enabled bool
	stopped bool
}

func (t *staticTrack) Kind() TrackKind          { return t.kind }
func (t *staticTrack) Enabled() bool            { return t.enabled }
func (t *staticTrack) SetEnabled(enabled bool)  { t.enabled = enabled }
func (t *staticTrack) Stop()                    { t.stopped = true }
func (t *staticTrack) WebRTC() webrtc.TrackLocal { return t.track }

// WriteSample forwards a media sample when the track is enabled; disabled
// tracks swallow samples so mute works without renegotiation.
func (t *staticTrack) WriteSample(s media.Sample) error {
	if !t.enabled || t.stopped {
		return nil
	}
	return t.track.WriteSample(s)
}
