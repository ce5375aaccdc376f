package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// Offered audio payload types: PCMU, PCMA and DTMF telephone-event.
const (
	payloadPCMU = 0
	payloadPCMA = 8
	payloadDTMF = 101
)

// Offer renders an SDP offer advertising the capture's RTP port.
func (c *Capture) Offer() ([]byte, error) {
	now := uint64(time.Now().Unix())

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: c.Host,
		},
		SessionName: "dialdesk",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: c.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: c.Port},
			Protos: []string{"RTP", "AVP"},
			Formats: []string{
				strconv.Itoa(payloadPCMU),
				strconv.Itoa(payloadPCMA),
				strconv.Itoa(payloadDTMF),
			},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMU/8000", payloadPCMU)),
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMA/8000", payloadPCMA)),
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", payloadDTMF)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-16", payloadDTMF)),
			sdp.NewPropertyAttribute("sendrecv"),
			sdp.NewAttribute("ptime", "20"),
		},
	}

	offer.MediaDescriptions = []*sdp.MediaDescription{audio}
	return offer.Marshal()
}

// RemoteStream is the remote audio handle: where the peer expects to
// exchange RTP, parsed from its answer SDP.
type RemoteStream struct {
	Address     string
	Port        int
	PayloadType int
}

// ParseAnswer extracts the remote audio endpoint from an answer SDP.
func ParseAnswer(raw []byte) (*RemoteStream, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parsing answer sdp: %w", err)
	}

	addr := ""
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			addr = m.ConnectionInformation.Address.Address
		}
		if addr == "" {
			return nil, fmt.Errorf("answer sdp has no connection address")
		}
		if len(m.MediaName.Formats) == 0 {
			return nil, fmt.Errorf("answer sdp audio section lists no formats")
		}
		pt, err := strconv.Atoi(m.MediaName.Formats[0])
		if err != nil {
			return nil, fmt.Errorf("parsing payload type %q: %w", m.MediaName.Formats[0], err)
		}
		return &RemoteStream{
			Address:     addr,
			Port:        m.MediaName.Port.Value,
			PayloadType: pt,
		}, nil
	}

	return nil, fmt.Errorf("answer sdp has no audio section")
}
