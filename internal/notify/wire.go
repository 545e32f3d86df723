package notify

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/protobuf/proto"

	"logview/internal/codec"
	"logview/internal/domain"
)

const (
	// frameMagic opens every framed notification so a stream transport can
	// reject stray traffic before parsing anything.
	frameMagic  = 0x4C56 // "LV"
	wireVersion = 1

	// maxFrameSize bounds one framed notification. Merged notifications top
	// out at a couple hundred updates; anything near this limit is cheaper
	// to repair through a read than to ship.
	maxFrameSize = 1 << 20
)

// UpdateNotificationMessage is the wire form of an update notification.
// Field tags 1-4 (version, origin, updates, etag) are the stable contract;
// grain identity and transport auth follow.
type UpdateNotificationMessage struct {
	Version   int32    `protobuf:"varint,1,opt,name=version,proto3"`
	Origin    string   `protobuf:"bytes,2,opt,name=origin,proto3"`
	Updates   [][]byte `protobuf:"bytes,3,rep,name=updates,proto3"`
	Etag      string   `protobuf:"bytes,4,opt,name=etag,proto3"`
	GrainType string   `protobuf:"bytes,5,opt,name=grain_type,json=grainType,proto3"`
	GrainId   string   `protobuf:"bytes,6,opt,name=grain_id,json=grainId,proto3"`
	AuthToken string   `protobuf:"bytes,7,opt,name=auth_token,json=authToken,proto3"`
}

func (*UpdateNotificationMessage) Reset()         {}
func (*UpdateNotificationMessage) String() string { return "UpdateNotificationMessage" }
func (*UpdateNotificationMessage) ProtoMessage()  {}

func MarshalMessage(m *UpdateNotificationMessage) ([]byte, error) {
	return proto.Marshal(m)
}

func UnmarshalMessage(payload []byte) (*UpdateNotificationMessage, error) {
	var m UpdateNotificationMessage
	if err := proto.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteMessageFrame marshals one notification and writes it with the frame
// header (magic, wire version, payload length) a stream transport needs to
// delimit and sanity-check it.
func WriteMessageFrame(w io.Writer, m *UpdateNotificationMessage) error {
	payload, err := MarshalMessage(m)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("notification for %s exceeds frame limit: %d bytes", m.Grain(), len(payload))
	}
	var header [7]byte
	binary.BigEndian.PutUint16(header[0:2], frameMagic)
	header[2] = wireVersion
	binary.BigEndian.PutUint32(header[3:7], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessageFrame reads one framed notification from a stream. Frames with
// a wrong magic, an unknown wire version, or an out-of-bounds length fail
// before any payload is parsed.
func ReadMessageFrame(r *bufio.Reader) (*UpdateNotificationMessage, error) {
	var header [7]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint16(header[0:2]) != frameMagic {
		return nil, fmt.Errorf("not a notification frame")
	}
	if header[2] != wireVersion {
		return nil, fmt.Errorf("unsupported notification wire version %d", header[2])
	}
	sz := binary.BigEndian.Uint32(header[3:7])
	if sz == 0 {
		return nil, fmt.Errorf("empty notification frame")
	}
	if sz > maxFrameSize {
		return nil, fmt.Errorf("notification frame too large: %d", sz)
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return UnmarshalMessage(payload)
}

func ValidateMessage(m *UpdateNotificationMessage) error {
	if m == nil {
		return fmt.Errorf("nil notification")
	}
	if m.GrainType == "" || m.GrainId == "" {
		return fmt.Errorf("grain identity is required")
	}
	if m.Origin == "" {
		return fmt.Errorf("origin cluster is required")
	}
	if int(m.Version) < len(m.Updates) {
		return fmt.Errorf("version %d below update count %d", m.Version, len(m.Updates))
	}
	return nil
}

// Grain returns the grain identity the message addresses.
func (m *UpdateNotificationMessage) Grain() domain.GrainRef {
	return domain.GrainRef{GrainType: m.GrainType, GrainID: m.GrainId}
}

// EncodeNotification serializes a notification's updates with the entry
// serializer and wraps it for the wire.
func EncodeNotification[E any](grain domain.GrainRef, n domain.UpdateNotification[E], c codec.Serializer[E]) (*UpdateNotificationMessage, error) {
	m := &UpdateNotificationMessage{
		Version:   int32(n.Version),
		Origin:    string(n.Origin),
		Etag:      n.Etag,
		GrainType: grain.GrainType,
		GrainId:   grain.GrainID,
		Updates:   make([][]byte, 0, len(n.Updates)),
	}
	for _, u := range n.Updates {
		payload, err := c.Marshal(u)
		if err != nil {
			return nil, fmt.Errorf("encode update for %s: %w", grain, err)
		}
		m.Updates = append(m.Updates, payload)
	}
	return m, nil
}

// DecodeNotification unwraps a wire message back into a typed notification.
func DecodeNotification[E any](m *UpdateNotificationMessage, c codec.Serializer[E]) (domain.GrainRef, domain.UpdateNotification[E], error) {
	if err := ValidateMessage(m); err != nil {
		return domain.GrainRef{}, domain.UpdateNotification[E]{}, err
	}
	n := domain.UpdateNotification[E]{
		Origin:  domain.ClusterID(m.Origin),
		Version: int(m.Version),
		Etag:    m.Etag,
		Updates: make([]E, 0, len(m.Updates)),
	}
	for _, payload := range m.Updates {
		u, err := c.Unmarshal(payload)
		if err != nil {
			return domain.GrainRef{}, domain.UpdateNotification[E]{}, fmt.Errorf("decode update for %s: %w", m.Grain(), err)
		}
		n.Updates = append(n.Updates, u)
	}
	return m.Grain(), n, nil
}
