package drm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/abema/go-mp4"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Well-known protection system IDs.
var (
	WidevineSystemID  = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	PlayReadySystemID = uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95")
	CommonSystemID    = uuid.MustParse("1077efec-c0b2-4d02-ace3-3c1e52e2fb4b")
)

// PSSH is a parsed protection-system-specific header box.
type PSSH struct {
	SystemID uuid.UUID
	Version  uint8
	KeyIDs   []uuid.UUID
	Data     []byte // system-specific payload

	raw []byte
}

// ParsePSSH parses the first pssh box found in b. b must start at a box
// boundary (a bare pssh box or a concatenation starting with one).
func ParsePSSH(b []byte) (*PSSH, error) {
	var parsed *PSSH
	_, err := mp4.ReadBoxStructure(bytes.NewReader(b), func(h *mp4.ReadHandle) (interface{}, error) {
		if parsed != nil {
			return nil, nil
		}
		if h.BoxInfo.Type == mp4.BoxTypePssh() {
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			parsed = fromBox(box.(*mp4.Pssh))
			return nil, nil
		}
		if h.BoxInfo.IsSupportedType() {
			return h.Expand()
		}
		return nil, nil
	})
	if parsed != nil {
		return parsed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parsing pssh box: %w", err)
	}
	return nil, ErrPSSHNotFound
}

// ParsePSSHBase64 parses a base64-encoded pssh box, as carried by MPD
// ContentProtection elements and HLS key URIs. Raw WidevinePsshData without
// a box wrapper is accepted too.
func ParsePSSHBase64(s string) (*PSSH, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding pssh: %w", err)
	}
	if p, err := ParsePSSH(raw); err == nil {
		return p, nil
	}
	// Some services hand out the bare Widevine init data.
	kids, err := widevineKeyIDs(raw)
	if err != nil || len(kids) == 0 {
		return nil, ErrPSSHNotFound
	}
	return &PSSH{SystemID: WidevineSystemID, KeyIDs: kids, Data: raw}, nil
}

// NewWidevinePSSH builds a synthetic Widevine pssh from bare key IDs, for
// manifests that declare CENC protection without shipping init data.
func NewWidevinePSSH(keyIDs []uuid.UUID) *PSSH {
	var data []byte
	for _, kid := range keyIDs {
		data = protowire.AppendTag(data, 2, protowire.BytesType)
		data = protowire.AppendBytes(data, kid[:])
	}
	return &PSSH{SystemID: WidevineSystemID, KeyIDs: keyIDs, Data: data}
}

func fromBox(box *mp4.Pssh) *PSSH {
	p := &PSSH{
		SystemID: uuid.UUID(box.SystemID),
		Version:  box.Version,
		Data:     box.Data,
	}
	for _, kid := range box.KIDs {
		p.KeyIDs = append(p.KeyIDs, uuid.UUID(kid.KID))
	}
	if len(p.KeyIDs) == 0 && p.SystemID == WidevineSystemID {
		if kids, err := widevineKeyIDs(box.Data); err == nil {
			p.KeyIDs = kids
		}
	}
	return p
}

// RawBox returns the serialized pssh box. Synthetic headers are encoded as
// a version 0 box.
func (p *PSSH) RawBox() []byte {
	if len(p.raw) > 0 {
		return p.raw
	}
	size := 32 + len(p.Data)
	buf := make([]byte, 0, size)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(size))
	copy(hdr[4:], "pssh")
	buf = append(buf, hdr[:]...)
	buf = append(buf, 0, 0, 0, 0) // version 0, no flags
	buf = append(buf, p.SystemID[:]...)
	var dlen [4]byte
	binary.BigEndian.PutUint32(dlen[:], uint32(len(p.Data)))
	buf = append(buf, dlen[:]...)
	buf = append(buf, p.Data...)
	return buf
}

// Base64 returns the serialized box in standard base64.
func (p *PSSH) Base64() string {
	return base64.StdEncoding.EncodeToString(p.RawBox())
}

// widevineKeyIDs walks WidevinePsshData and collects the repeated key_ids
// field (field number 2).
func widevineKeyIDs(data []byte) ([]uuid.UUID, error) {
	var kids []uuid.UUID
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num == 2 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if len(v) == 16 {
				kids = append(kids, uuid.UUID([16]byte(v)))
			}
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return kids, nil
}

// ProbeInitData scans (possibly truncated) init segment bytes for
// protection boxes. It returns the preferred pssh (Widevine over any other
// system) and the tenc default KID when one is present. ErrPSSHNotFound is
// returned when neither a pssh box nor a usable tenc KID exists.
//
// Init segments are often fetched with a capped byte range, so the scan is
// byte-oriented and tolerates garbage between boxes.
func ProbeInitData(data []byte) (*PSSH, *uuid.UUID, error) {
	var (
		pssh     *PSSH
		fallback *PSSH
		kid      *uuid.UUID
	)
	for _, raw := range scanBoxes(data, "pssh") {
		p, err := ParsePSSH(raw)
		if err != nil {
			continue
		}
		if p.SystemID == WidevineSystemID {
			if pssh == nil {
				pssh = p
			}
		} else if fallback == nil {
			fallback = p
		}
	}
	if pssh == nil {
		pssh = fallback
	}
	for _, raw := range scanBoxes(data, "tenc") {
		if k, ok := tencDefaultKID(raw); ok {
			kid = &k
			break
		}
	}
	if pssh == nil && kid == nil {
		return nil, nil, ErrPSSHNotFound
	}
	if pssh == nil {
		pssh = NewWidevinePSSH([]uuid.UUID{*kid})
	}
	return pssh, kid, nil
}

// scanBoxes finds complete boxes of the given fourcc anywhere inside data.
func scanBoxes(data []byte, fourcc string) [][]byte {
	var boxes [][]byte
	needle := []byte(fourcc)
	for i := 0; ; {
		j := bytes.Index(data[i:], needle)
		if j < 0 {
			break
		}
		at := i + j
		i = at + 1
		if at < 4 {
			continue
		}
		start := at - 4
		size := int(binary.BigEndian.Uint32(data[start : start+4]))
		if size < 8 || start+size > len(data) {
			continue
		}
		box := data[start : start+size]
		boxes = append(boxes, box)
		i = start + size
	}
	return boxes
}

// tencDefaultKID extracts default_KID from a raw tenc box. The KID sits at
// a fixed offset past the full-box header and the block/protection bytes.
func tencDefaultKID(box []byte) (uuid.UUID, bool) {
	const kidOffset = 8 + 4 + 4
	if len(box) < kidOffset+16 {
		return uuid.UUID{}, false
	}
	var kid uuid.UUID
	copy(kid[:], box[kidOffset:kidOffset+16])
	if kid == (uuid.UUID{}) {
		return uuid.UUID{}, false
	}
	return kid, true
}

// ParseKID accepts a KID in hex (with or without dashes) or base64 and
// returns it as a UUID.
func ParseKID(s string) (uuid.UUID, error) {
	if kid, err := uuid.Parse(s); err == nil {
		return kid, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == 16 {
		return uuid.UUID([16]byte(raw)), nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == 16 {
		return uuid.UUID([16]byte(raw)), nil
	}
	return uuid.UUID{}, fmt.Errorf("unrecognised key ID %q", s)
}
