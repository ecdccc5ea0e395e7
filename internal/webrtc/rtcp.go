package webrtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
)

// activityInterceptorFactory builds interceptors that report every inbound
// RTCP packet. The remote end sending reports is liveness in its own right.
type activityInterceptorFactory struct {
	onPackets func(kinds []string)
}

func (f *activityInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &activityInterceptor{onPackets: f.onPackets}, nil
}

type activityInterceptor struct {
	interceptor.NoOp
	onPackets func(kinds []string)
}

func (a *activityInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return &activityReader{reader: reader, onPackets: a.onPackets}
}

type activityReader struct {
	reader    interceptor.RTCPReader
	onPackets func(kinds []string)
}

func (r *activityReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	n, attr, err := r.reader.Read(b, a)
	if err != nil {
		return n, attr, err
	}

	packets, parseErr := rtcp.Unmarshal(b[:n])
	if parseErr != nil {
		return n, attr, nil
	}

	kinds := make([]string, 0, len(packets))
	for _, pkt := range packets {
		kinds = append(kinds, rtcpKind(pkt))
	}
	r.onPackets(kinds)
	return n, attr, err
}

func rtcpKind(pkt rtcp.Packet) string {
	switch pkt.(type) {
	case *rtcp.SenderReport:
		return "sender_report"
	case *rtcp.ReceiverReport:
		return "receiver_report"
	case *rtcp.TransportLayerNack:
		return "nack"
	case *rtcp.PictureLossIndication:
		return "pli"
	case *rtcp.Goodbye:
		return "goodbye"
	case *rtcp.SourceDescription:
		return "sdes"
	default:
		return "other"
	}
}
