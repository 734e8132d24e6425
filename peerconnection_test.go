// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package meshcall

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newTestPionPeerConnection(t *testing.T) *pionPeerConnection {
	api, err := newWebRTCAPI()
	require.NoError(t, err)
	pc, err := newPionPeerConnection(api, webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.(*pionPeerConnection)
}

func newTestLocalTrack(t *testing.T, kind webrtc.RTPCodecType, id string) webrtc.TrackLocal {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, "local-stream")
	require.NoError(t, err)
	return track
}

func TestPionPeerConnectionLocalTracks(t *testing.T) {
	pc := newTestPionPeerConnection(t)

	// nothing to send yet, both kinds are still offered
	require.NoError(t, pc.SetLocalTracks(nil, nil))
	require.Len(t, pc.pc.GetTransceivers(), 2)
	audioPlaceholder := pc.senders[webrtc.RTPCodecTypeAudio].Track()
	require.NotNil(t, audioPlaceholder)

	offer, err := pc.CreateOffer()
	require.NoError(t, err)
	require.True(t, strings.Contains(offer.SDP, "m=audio"))
	require.True(t, strings.Contains(offer.SDP, "m=video"))

	audio := newTestLocalTrack(t, webrtc.RTPCodecTypeAudio, "mic")
	video := newTestLocalTrack(t, webrtc.RTPCodecTypeVideo, "cam")
	require.NoError(t, pc.SetLocalTracks(audio, video))
	require.Len(t, pc.pc.GetTransceivers(), 2)
	require.Equal(t, "mic", pc.senders[webrtc.RTPCodecTypeAudio].Track().ID())
	require.Equal(t, "cam", pc.senders[webrtc.RTPCodecTypeVideo].Track().ID())

	// turning video off swaps in the placeholder instead of adding a transceiver
	require.NoError(t, pc.SetLocalTracks(audio, nil))
	require.Len(t, pc.pc.GetTransceivers(), 2)
	require.Equal(t, "mic", pc.senders[webrtc.RTPCodecTypeAudio].Track().ID())
	require.Equal(t, pc.placeholders[webrtc.RTPCodecTypeVideo].ID(), pc.senders[webrtc.RTPCodecTypeVideo].Track().ID())
}

func TestPionPeerConnectionLifecycle(t *testing.T) {
	pc := newTestPionPeerConnection(t)
	require.NoError(t, pc.SetLocalTracks(newTestLocalTrack(t, webrtc.RTPCodecTypeAudio, "mic"), nil))
	require.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
	require.Nil(t, pc.RemoteDescription())

	offer, err := pc.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, pc.SignalingState())

	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	pc.ClearHandlers()
	require.NoError(t, pc.StopTransceivers())
	require.NoError(t, pc.Close())
	require.Equal(t, webrtc.SignalingStateClosed, pc.SignalingState())
	require.Equal(t, webrtc.PeerConnectionStateClosed, pc.ConnectionState())
}
