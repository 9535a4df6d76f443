// Package wire implements the ClipRelay binary frame codec: a length-prefixed
// envelope carrying either a JSON control message or a compact binary
// encrypted-clipboard-event payload. The codec interprets only enough of a
// message to classify it; it never inspects ciphertext.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cliprelay/cliprelay/internal/roomcrypto"
)

// MessageType identifies the kind of payload a frame carries.
type MessageType uint8

const (
	MessageTypeControl   MessageType = 0
	MessageTypeEncrypted MessageType = 1
)

var (
	ErrInvalidFrameLength     = errors.New("wire: invalid frame length")
	ErrUnsupportedMessageType = errors.New("wire: unsupported message type")
)

// Message is the decoded form of one frame: exactly one of Control or
// Encrypted is set, indicated by Type.
type Message struct {
	Type      MessageType
	Control   *ControlMessage
	Encrypted *roomcrypto.EncryptedPayload
}

// Encode serializes a Message to a complete wire frame:
//
//	u32_le length          // = 1 + len(payload)
//	u8     message_type    // 0 = control, 1 = encrypted
//	bytes  payload
func Encode(msg Message) ([]byte, error) {
	var payload []byte
	var err error

	switch msg.Type {
	case MessageTypeControl:
		if msg.Control == nil {
			return nil, fmt.Errorf("wire: control message is nil")
		}
		payload, err = encodeControl(msg.Control)
	case MessageTypeEncrypted:
		if msg.Encrypted == nil {
			return nil, fmt.Errorf("wire: encrypted payload is nil")
		}
		payload = encodeEncryptedPayload(*msg.Encrypted)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMessageType, msg.Type)
	}
	if err != nil {
		return nil, err
	}

	frameLen := 1 + len(payload)
	out := make([]byte, 4+frameLen)
	binary.LittleEndian.PutUint32(out[0:4], uint32(frameLen))
	out[4] = byte(msg.Type)
	copy(out[5:], payload)
	return out, nil
}

// Decode parses a complete wire frame produced by Encode.
func Decode(frame []byte) (Message, error) {
	var msg Message

	if len(frame) < 5 {
		return msg, ErrInvalidFrameLength
	}

	expectedLen := binary.LittleEndian.Uint32(frame[0:4])
	if int(expectedLen)+4 != len(frame) {
		return msg, ErrInvalidFrameLength
	}

	messageType := MessageType(frame[4])
	payload := frame[5:]

	switch messageType {
	case MessageTypeControl:
		control, err := decodeControl(payload)
		if err != nil {
			return msg, err
		}
		msg.Type = MessageTypeControl
		msg.Control = control
	case MessageTypeEncrypted:
		enc, err := decodeEncryptedPayload(payload)
		if err != nil {
			return msg, err
		}
		msg.Type = MessageTypeEncrypted
		msg.Encrypted = &enc
	default:
		return msg, fmt.Errorf("%w: %d", ErrUnsupportedMessageType, messageType)
	}

	return msg, nil
}

// encodeEncryptedPayload writes the compact binary sub-encoding:
//
//	u16_le device_id_len
//	bytes  device_id (utf-8)
//	u64_le counter
//	u32_le ciphertext_len
//	bytes  ciphertext
func encodeEncryptedPayload(payload roomcrypto.EncryptedPayload) []byte {
	deviceID := []byte(payload.SenderDeviceID)
	out := make([]byte, 2+len(deviceID)+8+4+len(payload.Ciphertext))

	offset := 0
	binary.LittleEndian.PutUint16(out[offset:], uint16(len(deviceID)))
	offset += 2

	copy(out[offset:], deviceID)
	offset += len(deviceID)

	binary.LittleEndian.PutUint64(out[offset:], payload.Counter)
	offset += 8

	binary.LittleEndian.PutUint32(out[offset:], uint32(len(payload.Ciphertext)))
	offset += 4

	copy(out[offset:], payload.Ciphertext)
	return out
}

func decodeEncryptedPayload(data []byte) (roomcrypto.EncryptedPayload, error) {
	var payload roomcrypto.EncryptedPayload

	if len(data) < 2+8+4 {
		return payload, ErrInvalidFrameLength
	}

	deviceIDLen := int(binary.LittleEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) < deviceIDLen+8+4 {
		return payload, ErrInvalidFrameLength
	}

	deviceID := string(data[:deviceIDLen])
	data = data[deviceIDLen:]

	counter := binary.LittleEndian.Uint64(data[0:8])
	data = data[8:]

	ciphertextLen := int(binary.LittleEndian.Uint32(data[0:4]))
	data = data[4:]

	if len(data) != ciphertextLen {
		return payload, ErrInvalidFrameLength
	}

	ciphertext := make([]byte, ciphertextLen)
	copy(ciphertext, data)

	return roomcrypto.EncryptedPayload{
		SenderDeviceID: deviceID,
		Counter:        counter,
		Ciphertext:     ciphertext,
	}, nil
}

func encodeControl(control *ControlMessage) ([]byte, error) {
	data, err := json.Marshal(control)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal control message: %w", err)
	}
	return data, nil
}

func decodeControl(data []byte) (*ControlMessage, error) {
	var control ControlMessage
	if err := json.Unmarshal(data, &control); err != nil {
		return nil, fmt.Errorf("wire: unmarshal control message: %w", err)
	}
	return &control, nil
}
