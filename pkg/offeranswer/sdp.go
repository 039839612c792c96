package offeranswer

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	attrComponents = "x-components"
	attrRelay      = "x-relay"
)

// BuildSDP формирует SDP для потока desc, доступного по адресу addr
func BuildSDP(desc MediaStreamDesc, addr *net.UDPAddr, sessionID uint64) ([]byte, error) {
	if addr == nil || addr.IP == nil {
		return nil, fmt.Errorf("%w: no local address", ErrNoMedia)
	}

	host := addr.IP.String()
	addrType := "IP4"
	if addr.IP.To4() == nil {
		addrType = "IP6"
	}

	media := desc.MimeType
	if media == "" {
		media = "application"
	}
	format := desc.MimeSubtype
	if format == "" {
		format = "*"
	}
	var protos []string
	if desc.UDP || !desc.TCP {
		protos = []string{"UDP"}
	} else {
		protos = []string{"TCP"}
	}

	now := uint64(time.Now().Unix())
	if sessionID == 0 {
		sessionID = now
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   media,
			Port:    sdp.RangedPort{Value: addr.Port},
			Protos:  protos,
			Formats: []string{format},
		},
	}
	if desc.Components > 1 {
		md.Attributes = append(md.Attributes, sdp.NewAttribute(attrComponents, strconv.Itoa(desc.Components)))
	}
	if desc.UseRelay {
		md.Attributes = append(md.Attributes, sdp.NewPropertyAttribute(attrRelay))
	}
	if desc.TCP && desc.UDP {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("x-alt-proto", "TCP"))
	}
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	return sd.Marshal()
}

// ParseSDP разбирает тело SDP
func ParseSDP(body []byte) (*sdp.SessionDescription, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidSDP)
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return &sd, nil
}

// RemoteAddr извлекает адрес первого медиа потока SDP.
// Адрес уровня медиа имеет приоритет над адресом уровня сессии.
func RemoteAddr(body []byte) (*net.UDPAddr, error) {
	sd, err := ParseSDP(body)
	if err != nil {
		return nil, err
	}
	if len(sd.MediaDescriptions) == 0 {
		return nil, ErrNoMedia
	}
	md := sd.MediaDescriptions[0]

	conn := md.ConnectionInformation
	if conn == nil {
		conn = sd.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return nil, fmt.Errorf("%w: no connection information", ErrNoMedia)
	}

	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		return nil, fmt.Errorf("%w: bad address %q", ErrInvalidSDP, conn.Address.Address)
	}
	port := md.MediaName.Port.Value
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: bad port %d", ErrNoMedia, port)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// StreamDesc восстанавливает описание потока из первого медиа SDP
func StreamDesc(sd *sdp.SessionDescription) (MediaStreamDesc, bool) {
	if sd == nil || len(sd.MediaDescriptions) == 0 {
		return MediaStreamDesc{}, false
	}
	md := sd.MediaDescriptions[0]

	desc := MediaStreamDesc{
		MimeType:   md.MediaName.Media,
		Components: 1,
	}
	if len(md.MediaName.Formats) > 0 && md.MediaName.Formats[0] != "*" {
		desc.MimeSubtype = md.MediaName.Formats[0]
	}
	for _, p := range md.MediaName.Protos {
		switch p {
		case "UDP":
			desc.UDP = true
		case "TCP":
			desc.TCP = true
		}
	}
	if v, ok := md.Attribute(attrComponents); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			desc.Components = n
		}
	}
	if _, ok := md.Attribute(attrRelay); ok {
		desc.UseRelay = true
	}
	if v, ok := md.Attribute("x-alt-proto"); ok && v == "TCP" {
		desc.TCP = true
	}
	return desc, true
}
